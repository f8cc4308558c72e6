package models

import "time"

// Unlimited marks a cap without an upper bound.
const Unlimited int64 = -1

// UsageLimit counts one user's rate-limited actions (frame uploads) for one
// calendar day. There is exactly one row per (user, day).
type UsageLimit struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:ux_usage_limits_user_day,priority:1" json:"user_id"`
	Day       string    `gorm:"type:varchar(10);not null;uniqueIndex:ux_usage_limits_user_day,priority:2" json:"day"`
	Tier      Tier      `gorm:"type:varchar(16);not null;default:'free'" json:"tier"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	Cap       int64     `gorm:"not null" json:"cap"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsUnlimited reports whether the record has no cap.
func (u *UsageLimit) IsUnlimited() bool {
	return u.Cap < 0
}

// Remaining returns the headroom left today, or Unlimited.
func (u *UsageLimit) Remaining() int64 {
	if u.IsUnlimited() {
		return Unlimited
	}
	if u.Count >= u.Cap {
		return 0
	}
	return u.Cap - u.Count
}
