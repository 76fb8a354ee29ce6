// README: Referral link between a new passenger and their referrer.
package referral

import (
	"time"

	"okada/internal/types"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusRewarded Status = "rewarded"
)

// Referral records who brought a passenger onto the platform. One row
// per referee; the reward pays out once, when the referee finishes
// their qualifying ride.
type Referral struct {
	ID           types.ID
	ReferrerID   types.ID
	RefereeID    types.ID
	Status       Status
	RewardTripID *types.ID
	RewardedAt   *time.Time
	CreatedAt    time.Time
}
