// README: Loyalty store interface and PostgreSQL implementation.
package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"okada/internal/types"
)

var ErrNotFound = errors.New("loyalty progress not found")

type Store interface {
	Get(ctx context.Context, passengerID types.ID) (*Progress, error)
	Upsert(ctx context.Context, p *Progress) error
	// ListExpired returns passengers holding an entitlement past its
	// expiry, for the sweeper.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, passengerID types.ID) (*Progress, error) {
	row := s.db.QueryRow(ctx, `
		SELECT passenger_id, trip_count, free_ride_available, free_ride_expires_at,
		       lifetime_trips, lifetime_free_rides, audit, updated_at
		FROM loyalty_progress
		WHERE passenger_id = $1`, string(passengerID),
	)
	return ScanProgress(row)
}

func (s *PGStore) Upsert(ctx context.Context, p *Progress) error {
	audit, err := json.Marshal(p.Audit)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, UpsertProgressSQL,
		string(p.PassengerID),
		p.TripCount,
		p.FreeRideAvailable,
		p.FreeRideExpiresAt,
		p.LifetimeTrips,
		p.LifetimeFreeRides,
		audit,
		p.UpdatedAt,
	)
	return err
}

func (s *PGStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT passenger_id FROM loyalty_progress
		WHERE free_ride_available AND free_ride_expires_at IS NOT NULL AND free_ride_expires_at <= $1
		LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertProgressSQL is shared with the settlement transaction, which
// persists loyalty changes through its own tx handle.
const UpsertProgressSQL = `
	INSERT INTO loyalty_progress (
		passenger_id, trip_count, free_ride_available, free_ride_expires_at,
		lifetime_trips, lifetime_free_rides, audit, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (passenger_id) DO UPDATE SET
		trip_count = EXCLUDED.trip_count,
		free_ride_available = EXCLUDED.free_ride_available,
		free_ride_expires_at = EXCLUDED.free_ride_expires_at,
		lifetime_trips = EXCLUDED.lifetime_trips,
		lifetime_free_rides = EXCLUDED.lifetime_free_rides,
		audit = EXCLUDED.audit,
		updated_at = EXCLUDED.updated_at`

// ScanProgress decodes one loyalty row. Shared with the settlement
// transaction's locked read.
func ScanProgress(row pgx.Row) (*Progress, error) {
	var p Progress
	var audit []byte
	err := row.Scan(
		&p.PassengerID, &p.TripCount, &p.FreeRideAvailable, &p.FreeRideExpiresAt,
		&p.LifetimeTrips, &p.LifetimeFreeRides, &audit, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(audit) > 0 {
		if err := json.Unmarshal(audit, &p.Audit); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
