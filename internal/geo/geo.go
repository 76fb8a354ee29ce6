// README: Driver geo index interfaces and candidate types.
package geo

import (
	"context"
	"time"

	"okada/internal/types"
)

// DriverCandidate is one ranked result from a nearby search.
type DriverCandidate struct {
	ID         types.ID
	Position   types.Point
	DistanceKm float64
	Rating     float64
}

// DriverStatus is the metadata kept alongside a driver's position.
// A driver only surfaces as a candidate while available, verified, and
// holding an active subscription for the requested service type.
type DriverStatus struct {
	Available  bool
	Verified   bool
	Subscribed bool
	Services   []string
	Rating     float64
	UpdatedAt  time.Time
}

// Finder is the read side used by dispatch when building a candidate list.
type Finder interface {
	Nearby(ctx context.Context, pickup types.Point, serviceType string, radiusKm float64, limit int) ([]DriverCandidate, error)
}

// Availability flips a driver in and out of the offerable pool. Winning an
// acceptance marks the driver busy; completion and cancellation release them.
type Availability interface {
	MarkBusy(ctx context.Context, driverID types.ID) error
	Release(ctx context.Context, driverID types.ID) error
}

// Index is the full read/write surface, implemented by RedisIndex for
// production and MemoryIndex for tests and DSN-less development.
type Index interface {
	Finder
	Availability
	UpdateLocation(ctx context.Context, driverID types.ID, pos types.Point) error
	UpdateStatus(ctx context.Context, driverID types.ID, st DriverStatus) error
	Remove(ctx context.Context, driverID types.ID) error
}
