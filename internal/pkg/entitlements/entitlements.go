// Package entitlements owns the premium fields on users. Nothing else writes
// IsPremium, PremiumExpiresAt or the gateway correlation refs.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

var ErrUserNotFound = errors.New("entitlements: user not found")

// CorrelationRef carries the gateway identifiers used to match later
// subscription events to a user. Empty fields are left untouched.
type CorrelationRef struct {
	CustomerRef     string
	SubscriptionRef string
}

func (r *CorrelationRef) apply(updates map[string]interface{}) {
	if r == nil {
		return
	}
	if r.CustomerRef != "" {
		updates["gateway_customer_ref"] = r.CustomerRef
	}
	if r.SubscriptionRef != "" {
		updates["gateway_subscription_ref"] = r.SubscriptionRef
	}
}

// Manager grants, extends and revokes premium access.
type Manager struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := &Manager{db: db, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's clock reading in UTC.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// Grant activates premium for months calendar months starting now.
func (m *Manager) Grant(ctx context.Context, userID uint, months int, ref *CorrelationRef) (time.Time, error) {
	return m.GrantFrom(ctx, userID, m.Now(), months, ref)
}

// GrantFrom activates premium for months calendar months starting at anchor.
// Calling it twice with the same anchor yields the same expiry.
func (m *Manager) GrantFrom(ctx context.Context, userID uint, anchor time.Time, months int, ref *CorrelationRef) (time.Time, error) {
	if months <= 0 {
		return time.Time{}, fmt.Errorf("entitlements: months must be positive, got %d", months)
	}
	expires := AddMonths(anchor.UTC(), months)

	updates := map[string]interface{}{
		"is_premium":         true,
		"premium_expires_at": expires,
	}
	ref.apply(updates)

	if err := m.update(ctx, userID, updates); err != nil {
		return time.Time{}, err
	}
	log.Infof("[Entitlements] Granted premium to user %d until %s", userID, expires.Format(time.RFC3339))
	return expires, nil
}

// ExtendUntil activates premium up to until. An expiry already further in the
// future is kept.
func (m *Manager) ExtendUntil(ctx context.Context, userID uint, until time.Time, ref *CorrelationRef) (time.Time, error) {
	var user models.User
	if err := m.db.WithContext(ctx).Select("id", "premium_expires_at").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, ErrUserNotFound
		}
		return time.Time{}, fmt.Errorf("entitlements: load user %d: %w", userID, err)
	}

	expires := until.UTC()
	if user.PremiumExpiresAt != nil && user.PremiumExpiresAt.After(expires) {
		expires = user.PremiumExpiresAt.UTC()
	}

	updates := map[string]interface{}{
		"is_premium":         true,
		"premium_expires_at": expires,
	}
	ref.apply(updates)

	if err := m.update(ctx, userID, updates); err != nil {
		return time.Time{}, err
	}
	log.Infof("[Entitlements] Extended premium for user %d until %s", userID, expires.Format(time.RFC3339))
	return expires, nil
}

// Revoke clears the premium flag. The expiry is kept for history.
func (m *Manager) Revoke(ctx context.Context, userID uint) error {
	if err := m.update(ctx, userID, map[string]interface{}{"is_premium": false}); err != nil {
		return err
	}
	log.Infof("[Entitlements] Revoked premium for user %d", userID)
	return nil
}

// RevokeBySubscription revokes every user correlated with subscriptionRef.
// found is false when no user carries the ref.
func (m *Manager) RevokeBySubscription(ctx context.Context, subscriptionRef string) (bool, error) {
	if subscriptionRef == "" {
		return false, nil
	}
	res := m.db.WithContext(ctx).Model(&models.User{}).
		Where("gateway_subscription_ref = ?", subscriptionRef).
		Update("is_premium", false)
	if res.Error != nil {
		return false, fmt.Errorf("entitlements: revoke subscription %s: %w", subscriptionRef, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := m.db.WithContext(ctx).Model(&models.User{}).
			Where("gateway_subscription_ref = ?", subscriptionRef).
			Count(&count).Error; err != nil {
			return false, fmt.Errorf("entitlements: lookup subscription %s: %w", subscriptionRef, err)
		}
		return count > 0, nil
	}
	log.Infof("[Entitlements] Revoked premium for subscription %s", subscriptionRef)
	return true, nil
}

// IsActive is the authoritative premium check.
func (m *Manager) IsActive(ctx context.Context, userID uint) (bool, error) {
	user, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.HasActivePremium(m.Now()), nil
}

// Tier resolves the effective tier through IsActive.
func (m *Manager) Tier(ctx context.Context, userID uint) (models.Tier, error) {
	active, err := m.IsActive(ctx, userID)
	if err != nil {
		return "", err
	}
	if active {
		return models.TierPro, nil
	}
	return models.TierFree, nil
}

// Get loads the entitlement columns of a user.
func (m *Manager) Get(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := m.db.WithContext(ctx).
		Select("id", "is_premium", "premium_expires_at", "gateway_customer_ref", "gateway_subscription_ref").
		First(&user, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("entitlements: load user %d: %w", userID, err)
	}
	return &user, nil
}

func (m *Manager) update(ctx context.Context, userID uint, updates map[string]interface{}) error {
	res := m.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("entitlements: update user %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports 0 affected rows when values are unchanged.
		var count int64
		if err := m.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return fmt.Errorf("entitlements: lookup user %d: %w", userID, err)
		}
		if count == 0 {
			return ErrUserNotFound
		}
	}
	return nil
}

// AddMonths adds n calendar months to t. When the target month is shorter the
// day is clamped to its last day, so Jan 31 + 1 month is Feb 28 (or 29).
func AddMonths(t time.Time, n int) time.Time {
	y, mo, d := t.Date()
	first := time.Date(y, mo+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
