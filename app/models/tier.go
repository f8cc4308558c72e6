package models

import (
	"fmt"
	"strings"
)

// Tier is the subscription level that decides quota caps and feature gates.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// ParseTier validates a persisted or user supplied tier string.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Package identifies what a Payment buys. Only PackagePro can be created
// today; the legacy identifiers survive on old rows and get the cancellation
// carve-out.
type Package string

const (
	PackagePro Package = "pro"

	PackageLegacyBasic    Package = "basic"
	PackageLegacyPremium  Package = "premium"
	PackageLegacyBusiness Package = "business"
)

// LegacyPackages is the explicit set of retired package identifiers whose
// Payments may be cancelled by their owner regardless of status.
var LegacyPackages = map[Package]struct{}{
	PackageLegacyBasic:    {},
	PackageLegacyPremium:  {},
	PackageLegacyBusiness: {},
}

// IsLegacy reports whether the package is a retired identifier.
func (p Package) IsLegacy() bool {
	_, ok := LegacyPackages[p]
	return ok
}

// Tier maps a package to the tier it grants. Legacy packages all granted the
// premium tier, which is pro today.
func (p Package) Tier() Tier {
	return TierPro
}

// ParsePackage rejects unknown package identifiers at the boundary.
func ParsePackage(s string) (Package, error) {
	p := Package(strings.ToLower(strings.TrimSpace(s)))
	if p == PackagePro || p.IsLegacy() {
		return p, nil
	}
	return "", fmt.Errorf("unknown package %q", s)
}
