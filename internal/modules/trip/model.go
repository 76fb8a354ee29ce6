// README: Trip aggregate, status machine, and payment method definitions.
package trip

import (
	"time"

	"okada/internal/types"
)

type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal statuses are immutable; no write path may touch a trip again
// once it reaches one of them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentWallet   PaymentMethod = "wallet"
	PaymentFreeRide PaymentMethod = "free_ride"
)

func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PaymentCash, PaymentWallet, PaymentFreeRide:
		return true
	}
	return false
}

type Trip struct {
	ID            types.ID
	RequestID     types.ID
	PassengerID   types.ID
	DriverID      types.ID
	Status        Status
	StatusVersion int
	Pickup        types.Point
	Dropoff       types.Point
	ServiceType   string
	PaymentMethod PaymentMethod
	EstimatedFare types.Money
	FinalFare     *types.Money

	// Loyalty bookkeeping snapshotted at acceptance. FreeRideCap is fixed
	// here so a later fare edit can never inflate a platform payout.
	IsFreeRide          bool
	FreeRideCap         *types.Money
	TripNumberAtBooking int

	DriverCreditProcessed bool
	PayoutPendingReview   bool

	AssignedAt   time.Time
	StartedAt    *time.Time
	PickedUpAt   *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	CancelledBy  *string
	CancelReason *string
}

// Fare returns the amount settlement should move: the final fare when one
// has been recorded, otherwise the estimate from booking.
func (t *Trip) Fare() types.Money {
	if t.FinalFare != nil {
		return *t.FinalFare
	}
	return t.EstimatedFare
}

// AllowedTransitions represents the trip state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusAssigned:   {StatusStarted, StatusCancelled},
	StatusStarted:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
