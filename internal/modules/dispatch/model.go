// README: Trip request aggregate, candidate offer lifecycle, and idempotency records.
package dispatch

import (
	"time"

	"okada/internal/modules/trip"
	"okada/internal/types"
)

type RequestStatus string

const (
	RequestSearching RequestStatus = "searching"
	RequestAssigned  RequestStatus = "assigned"
	RequestNoDrivers RequestStatus = "no_drivers"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the request can still change hands. Only a
// searching request accepts offers, rejections, or acceptance.
func (s RequestStatus) Terminal() bool {
	return s != RequestSearching
}

type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateOffered  CandidateStatus = "offered"
	CandidateAccepted CandidateStatus = "accepted"
	CandidateRejected CandidateStatus = "rejected"
)

type RejectionReason string

const (
	ReasonTimeout     RejectionReason = "timeout"
	ReasonDeclined    RejectionReason = "driver_declined"
	ReasonMaxAttempts RejectionReason = "max_attempts_reached"
	ReasonExpired     RejectionReason = "request_expired"
	ReasonCancelled   RejectionReason = "request_cancelled"
)

// countsTowardBudget distinguishes real driver rejections from the
// cleanup markers written when a request closes.
func (r RejectionReason) countsTowardBudget() bool {
	return r == ReasonTimeout || r == ReasonDeclined
}

// Service types a request may ask for.
const (
	ServiceCityRide    = "CITY_RIDE"
	ServiceBikeExpress = "BIKE_EXPRESS"
	ServiceTricycle    = "TRICYCLE"
)

func ValidServiceType(s string) bool {
	switch s {
	case ServiceCityRide, ServiceBikeExpress, ServiceTricycle:
		return true
	}
	return false
}

// Candidate is one driver in a request's ordered offer queue.
type Candidate struct {
	DriverID        types.ID
	Rank            int
	Status          CandidateStatus
	DistanceKm      float64
	OfferedAt       *time.Time
	RejectedAt      *time.Time
	RejectionReason RejectionReason
}

type TripRequest struct {
	ID            types.ID
	PassengerID   types.ID
	Pickup        types.Point
	Dropoff       types.Point
	ServiceType   string
	PaymentMethod trip.PaymentMethod
	EstimatedFare types.Money
	// FreeRideCap snapshots the payout cap at booking time for free-ride
	// requests so a later config change cannot alter the payout.
	FreeRideCap *types.Money
	// TripNumberAtBooking snapshots the passenger's loyalty counter at
	// booking time and is denormalized onto the trip on acceptance.
	TripNumberAtBooking int
	Status              RequestStatus
	AssignedDriverID    *types.ID
	Candidates          []Candidate
	CreatedAt           time.Time
	ExpiresAt           time.Time
	AssignedAt          *time.Time
	ClosedAt            *time.Time
	DeleteAfter         *time.Time
}

// NextPending returns the lowest-ranked candidate still waiting for an
// offer, or nil when the queue is exhausted.
func (r *TripRequest) NextPending() *Candidate {
	for i := range r.Candidates {
		if r.Candidates[i].Status == CandidatePending {
			return &r.Candidates[i]
		}
	}
	return nil
}

// OutstandingOffer returns the candidate currently holding an offer, if
// any. Offers are strictly sequential, so there is at most one.
func (r *TripRequest) OutstandingOffer() *Candidate {
	for i := range r.Candidates {
		if r.Candidates[i].Status == CandidateOffered {
			return &r.Candidates[i]
		}
	}
	return nil
}

func (r *TripRequest) Candidate(driverID types.ID) *Candidate {
	for i := range r.Candidates {
		if r.Candidates[i].DriverID == driverID {
			return &r.Candidates[i]
		}
	}
	return nil
}

// RejectionCount counts real rejections (timeouts and declines); cleanup
// markers written at close time do not consume the budget.
func (r *TripRequest) RejectionCount() int {
	n := 0
	for i := range r.Candidates {
		c := &r.Candidates[i]
		if c.Status == CandidateRejected && c.RejectionReason.countsTowardBudget() {
			n++
		}
	}
	return n
}

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord makes retried accept calls safe: the key admits one
// in-flight attempt, and a completed record replays its trip id instead
// of re-executing side effects.
type IdempotencyRecord struct {
	Key       string
	DriverID  types.ID
	RequestID types.ID
	Status    IdempotencyStatus
	TripID    *types.ID
	CreatedAt time.Time
	ExpiresAt time.Time
}
