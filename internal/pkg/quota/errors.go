package quota

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

var ErrQuotaExceeded = errors.New("quota: daily frame limit reached")

// UpgradeAction is the path a free user follows to lift the cap.
const UpgradeAction = "POST /api/v1/payments {\"package\":\"pro\"}"

// TopTierAction is offered when a pro cap is configured and reached.
const TopTierAction = "contact support to raise the pro frame limit"

// QuotaExceededError names the tier and cap that refused the increment.
type QuotaExceededError struct {
	Tier          models.Tier
	Count         int64
	Cap           int64
	UpgradeAction string
}

func (e *QuotaExceededError) Error() string {
	msg := fmt.Sprintf("quota: %s tier allows %d frames per day, %d used", e.Tier, e.Cap, e.Count)
	if e.UpgradeAction != "" {
		msg += "; upgrade via " + e.UpgradeAction
	}
	return msg
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }
