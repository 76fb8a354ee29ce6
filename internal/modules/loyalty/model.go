// README: Loyalty progress model. All counter rules live on the pure
// Progress type so the settlement transaction and tests share one
// implementation.
package loyalty

import (
	"time"

	"okada/internal/types"
)

type AuditKind string

const (
	AuditIncrement AuditKind = "increment"
	AuditUnlock    AuditKind = "unlock"
	AuditRedeem    AuditKind = "redeem"
	AuditExpire    AuditKind = "expire"
)

// auditLimit bounds the embedded audit log; older events are shed.
const auditLimit = 20

type AuditEvent struct {
	At     time.Time `json:"at"`
	Kind   AuditKind `json:"kind"`
	TripID types.ID  `json:"trip_id,omitempty"`
	Count  int       `json:"count"`
}

type Progress struct {
	PassengerID       types.ID
	TripCount         int
	FreeRideAvailable bool
	FreeRideExpiresAt *time.Time
	LifetimeTrips     int
	LifetimeFreeRides int
	Audit             []AuditEvent
	UpdatedAt         time.Time
}

func NewProgress(passengerID types.ID) *Progress {
	return &Progress{PassengerID: passengerID}
}

// Update reports what a completed trip did to the passenger's loyalty
// state.
type Update struct {
	JustUnlocked bool
	Redeemed     bool
}

// Apply folds one completed trip into the progress record.
//
// A free ride redeems the entitlement and resets the counter. Any other
// trip increments the counter; the entitlement unlocks only when the
// counter crosses the threshold from below. The previous-count guard is
// what keeps a counter that somehow sits at or above the threshold from
// unlocking again on every later trip.
func (p *Progress) Apply(tripID types.ID, isFreeRide bool, threshold int, validity time.Duration, now time.Time) Update {
	p.UpdatedAt = now

	if isFreeRide {
		p.LifetimeTrips++
		p.LifetimeFreeRides++
		p.FreeRideAvailable = false
		p.FreeRideExpiresAt = nil
		p.TripCount = 0
		p.appendAudit(AuditEvent{At: now, Kind: AuditRedeem, TripID: tripID, Count: 0})
		return Update{Redeemed: true}
	}

	previous := p.TripCount
	p.TripCount++
	p.LifetimeTrips++
	p.appendAudit(AuditEvent{At: now, Kind: AuditIncrement, TripID: tripID, Count: p.TripCount})

	if previous < threshold && p.TripCount >= threshold && !p.FreeRideAvailable {
		expiry := now.Add(validity)
		p.FreeRideAvailable = true
		p.FreeRideExpiresAt = &expiry
		p.TripCount = 0
		p.appendAudit(AuditEvent{At: now, Kind: AuditUnlock, TripID: tripID, Count: 0})
		return Update{JustUnlocked: true}
	}
	return Update{}
}

// Expire clears an entitlement past its expiry. Returns false when
// there was nothing to clear.
func (p *Progress) Expire(now time.Time) bool {
	if !p.FreeRideAvailable || p.FreeRideExpiresAt == nil || now.Before(*p.FreeRideExpiresAt) {
		return false
	}
	p.FreeRideAvailable = false
	p.FreeRideExpiresAt = nil
	p.TripCount = 0
	p.UpdatedAt = now
	p.appendAudit(AuditEvent{At: now, Kind: AuditExpire, Count: 0})
	return true
}

// Eligible reports whether a free ride can be redeemed right now.
func (p *Progress) Eligible(now time.Time) bool {
	if !p.FreeRideAvailable {
		return false
	}
	return p.FreeRideExpiresAt == nil || now.Before(*p.FreeRideExpiresAt)
}

func (p *Progress) appendAudit(ev AuditEvent) {
	p.Audit = append(p.Audit, ev)
	if len(p.Audit) > auditLimit {
		p.Audit = p.Audit[len(p.Audit)-auditLimit:]
	}
}
