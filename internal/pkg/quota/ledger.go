// Package quota meters daily frame usage per user.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
)

const (
	DefaultFreeDailyFrames int64 = 3
	DefaultProDailyFrames        = models.Unlimited

	dayLayout = "2006-01-02"
)

// TierResolver reports the effective tier of a user.
type TierResolver interface {
	Tier(ctx context.Context, userID uint) (models.Tier, error)
}

// Config holds the per tier caps and the zone that defines "today".
type Config struct {
	Caps     map[models.Tier]int64
	Location *time.Location
}

// DefaultConfig is free=3, pro=unlimited, days in UTC.
func DefaultConfig() Config {
	return Config{
		Caps: map[models.Tier]int64{
			models.TierFree: DefaultFreeDailyFrames,
			models.TierPro:  DefaultProDailyFrames,
		},
		Location: time.UTC,
	}
}

// ConfigFromEnv reads QUOTA_FREE_DAILY_FRAMES, QUOTA_PRO_DAILY_FRAMES and QUOTA_TIMEZONE.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Caps[models.TierFree] = int64(env.GetEnvInt("QUOTA_FREE_DAILY_FRAMES", int(DefaultFreeDailyFrames)))
	cfg.Caps[models.TierPro] = int64(env.GetEnvInt("QUOTA_PRO_DAILY_FRAMES", int(DefaultProDailyFrames)))

	if tz := env.GetEnv("QUOTA_TIMEZONE", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			log.Warnf("[Quota] Invalid QUOTA_TIMEZONE %q, using UTC: %v", tz, err)
		} else {
			cfg.Location = loc
		}
	}
	return cfg
}

// Ledger stores one UsageLimit row per user and day.
type Ledger struct {
	db    *gorm.DB
	tiers TierResolver
	cfg   Config
	now   func() time.Time
}

func NewLedger(db *gorm.DB, tiers TierResolver, cfg Config) *Ledger {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Caps == nil {
		cfg.Caps = DefaultConfig().Caps
	}
	return &Ledger{db: db, tiers: tiers, cfg: cfg, now: time.Now}
}

// SetClock replaces time.Now.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// CapFor returns the daily cap of a tier. Unknown tiers get the free cap.
func (l *Ledger) CapFor(tier models.Tier) int64 {
	if c, ok := l.cfg.Caps[tier]; ok {
		return c
	}
	return l.cfg.Caps[models.TierFree]
}

// Today returns the current day key in the ledger's zone.
func (l *Ledger) Today() string {
	return l.now().In(l.cfg.Location).Format(dayLayout)
}

// GetOrCreateToday returns today's record for the user, creating it on first
// access. A record created under another tier is re-keyed to tier with its
// count preserved.
func (l *Ledger) GetOrCreateToday(ctx context.Context, userID uint, tier models.Tier) (*models.UsageLimit, error) {
	day := l.Today()
	limit := l.CapFor(tier)

	rec := &models.UsageLimit{UserID: userID, Day: day, Tier: tier, Count: 0, Cap: limit}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "day"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err != nil {
		return nil, fmt.Errorf("quota: create usage for user %d: %w", userID, err)
	}

	var stored models.UsageLimit
	if err := l.db.WithContext(ctx).Where("user_id = ? AND day = ?", userID, day).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("quota: load usage for user %d: %w", userID, err)
	}

	if stored.Tier != tier || stored.Cap != limit {
		res := l.db.WithContext(ctx).Model(&models.UsageLimit{}).
			Where("id = ?", stored.ID).
			Updates(map[string]interface{}{"tier": tier, "cap": limit})
		if res.Error != nil {
			return nil, fmt.Errorf("quota: rekey usage %d to %s: %w", stored.ID, tier, res.Error)
		}
		log.Infof("[Quota] Re-keyed usage of user %d for %s from %s to %s", userID, day, stored.Tier, tier)
		stored.Tier = tier
		stored.Cap = limit
	}
	return &stored, nil
}

// Increment adds one to the record unless the cap is reached. The check and
// the write are a single statement, so concurrent callers cannot overshoot.
func (l *Ledger) Increment(ctx context.Context, rec *models.UsageLimit) error {
	res := l.db.WithContext(ctx).Model(&models.UsageLimit{}).
		Where("id = ? AND (cap < 0 OR count < cap)", rec.ID).
		UpdateColumn("count", gorm.Expr("count + 1"))
	if res.Error != nil {
		return fmt.Errorf("quota: increment usage %d: %w", rec.ID, res.Error)
	}

	var fresh models.UsageLimit
	if err := l.db.WithContext(ctx).First(&fresh, rec.ID).Error; err != nil {
		return fmt.Errorf("quota: reload usage %d: %w", rec.ID, err)
	}
	*rec = fresh

	if res.RowsAffected == 0 {
		return &QuotaExceededError{
			Tier:          fresh.Tier,
			Count:         fresh.Count,
			Cap:           fresh.Cap,
			UpgradeAction: upgradeFor(fresh.Tier),
		}
	}
	return nil
}

// Consume resolves the user's tier and records one frame.
func (l *Ledger) Consume(ctx context.Context, userID uint) (*models.UsageLimit, error) {
	tier, err := l.tiers.Tier(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec, err := l.GetOrCreateToday(ctx, userID, tier)
	if err != nil {
		return nil, err
	}
	if err := l.Increment(ctx, rec); err != nil {
		var qe *QuotaExceededError
		if errors.As(err, &qe) {
			log.Infof("[Quota] User %d hit the %s cap (%d/%d)", userID, qe.Tier, qe.Count, qe.Cap)
		}
		return rec, err
	}
	return rec, nil
}

// Usage is the read-only projection shown to the user.
type Usage struct {
	Day           string      `json:"day"`
	Tier          models.Tier `json:"tier"`
	Used          int64       `json:"used"`
	Limit         int64       `json:"limit"`
	Remaining     int64       `json:"remaining"`
	Unlimited     bool        `json:"unlimited"`
	UpgradeAction string      `json:"upgrade_action,omitempty"`
}

// Usage reports today's consumption without creating a record.
func (l *Ledger) Usage(ctx context.Context, userID uint) (*Usage, error) {
	tier, err := l.tiers.Tier(ctx, userID)
	if err != nil {
		return nil, err
	}
	day := l.Today()
	limit := l.CapFor(tier)

	var used int64
	var stored models.UsageLimit
	err = l.db.WithContext(ctx).Where("user_id = ? AND day = ?", userID, day).First(&stored).Error
	switch {
	case err == nil:
		used = stored.Count
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("quota: load usage for user %d: %w", userID, err)
	}

	rec := models.UsageLimit{Tier: tier, Count: used, Cap: limit}
	return &Usage{
		Day:           day,
		Tier:          tier,
		Used:          used,
		Limit:         limit,
		Remaining:     rec.Remaining(),
		Unlimited:     rec.IsUnlimited(),
		UpgradeAction: usageAction(rec),
	}, nil
}

// upgradeFor never returns an empty path; a refused frame always names a way out.
func upgradeFor(tier models.Tier) string {
	if tier == models.TierPro {
		return TopTierAction
	}
	return UpgradeAction
}

func usageAction(rec models.UsageLimit) string {
	if rec.IsUnlimited() {
		return ""
	}
	return upgradeFor(rec.Tier)
}
