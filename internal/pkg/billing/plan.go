package billing

import (
	"strings"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
)

// Price links a gateway price to the package it sells.
type Price struct {
	ID      string
	Package models.Package
	Months  int
}

// PriceCatalog maps purchasable packages to gateway prices.
type PriceCatalog struct {
	byPackage map[models.Package]Price
	byID      map[string]Price
}

func NewPriceCatalog(prices ...Price) *PriceCatalog {
	c := &PriceCatalog{
		byPackage: make(map[models.Package]Price, len(prices)),
		byID:      make(map[string]Price, len(prices)),
	}
	for _, p := range prices {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			continue
		}
		if p.Months <= 0 {
			p.Months = 1
		}
		c.byPackage[p.Package] = p
		c.byID[p.ID] = p
	}
	return c
}

// PriceCatalogFromEnv reads STRIPE_PRICE_PRO and STRIPE_PRICE_PRO_MONTHS.
func PriceCatalogFromEnv() *PriceCatalog {
	return NewPriceCatalog(Price{
		ID:      env.GetEnv("STRIPE_PRICE_PRO", ""),
		Package: models.PackagePro,
		Months:  env.GetEnvInt("STRIPE_PRICE_PRO_MONTHS", 1),
	})
}

// ForPackage returns the price selling pkg.
func (c *PriceCatalog) ForPackage(pkg models.Package) (Price, bool) {
	p, ok := c.byPackage[pkg]
	return p, ok
}

// ByID returns the catalog entry for a gateway price id.
func (c *PriceCatalog) ByID(id string) (Price, bool) {
	p, ok := c.byID[strings.TrimSpace(id)]
	return p, ok
}
