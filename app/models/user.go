package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User holds the identity columns needed by billing plus the entitlement fields.
// IsPremium, PremiumExpiresAt and the gateway refs are written by the
// entitlements package only.
type User struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	Name                   string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email                  string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Role                   string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status                 string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	IsPremium              bool           `gorm:"default:false" json:"is_premium"`
	PremiumExpiresAt       *time.Time     `gorm:"type:timestamp;default:null" json:"premium_expires_at,omitempty"`
	GatewayCustomerRef     *string        `gorm:"type:varchar(191);index" json:"-"`
	GatewaySubscriptionRef *string        `gorm:"type:varchar(191);index" json:"-"`
	CreatedAt              time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt              gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsActive reports whether the account status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}

// HasActivePremium applies the lazy-expiry rule: the flag alone is not enough,
// an expiry in the past ends the entitlement even if IsPremium is still set.
func (u *User) HasActivePremium(now time.Time) bool {
	if u == nil || !u.IsPremium {
		return false
	}
	return u.PremiumExpiresAt == nil || u.PremiumExpiresAt.After(now)
}

// EffectiveTier returns the tier the user is entitled to at the given time.
func (u *User) EffectiveTier(now time.Time) Tier {
	if u.HasActivePremium(now) {
		return TierPro
	}
	return TierFree
}
