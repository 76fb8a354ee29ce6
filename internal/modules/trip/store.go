// README: Trip store interface and PostgreSQL implementation.
package trip

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"okada/internal/types"
)

// Store is the persistence surface for trips. PGStore backs production;
// the in-memory implementation under internal/store/memory backs tests
// and DSN-less development.
type Store interface {
	Create(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	// UpdateStatus conditionally moves a trip between statuses. The write
	// succeeds only when both the current status and version still match,
	// which makes concurrent transitions race-safe.
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, cancelledBy, cancelReason *string) (bool, error)
	// SetCashFallback switches a non-terminal wallet trip to cash so a
	// failed wallet settlement can be retried.
	SetCashFallback(ctx context.Context, id types.ID) (bool, error)
	CountCompletedByPassenger(ctx context.Context, passengerID types.ID) (int, error)
}

var ErrNotFound = errors.New("trip not found")

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, t *Trip) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trips (
			id, request_id, passenger_id, driver_id, status, status_version,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			service_type, payment_method, estimated_fare, final_fare, currency,
			is_free_ride, free_ride_cap, trip_number_at_booking,
			driver_credit_processed, payout_pending_review, assigned_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18,
			$19, $20, $21
		)`,
		string(t.ID),
		string(t.RequestID),
		string(t.PassengerID),
		string(t.DriverID),
		string(t.Status),
		t.StatusVersion,
		t.Pickup.Lat, t.Pickup.Lng,
		t.Dropoff.Lat, t.Dropoff.Lng,
		t.ServiceType,
		string(t.PaymentMethod),
		t.EstimatedFare.Amount,
		moneyPtr(t.FinalFare),
		t.EstimatedFare.Currency,
		t.IsFreeRide,
		moneyPtr(t.FreeRideCap),
		t.TripNumberAtBooking,
		t.DriverCreditProcessed,
		t.PayoutPendingReview,
		t.AssignedAt,
	)
	return err
}

// SelectTripSQL is the canonical trip projection, kept in sync with
// ScanTrip. Settlement appends its own WHERE clause for the locked read.
const SelectTripSQL = `
	SELECT id, request_id, passenger_id, driver_id, status, status_version,
	       pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	       service_type, payment_method, estimated_fare, final_fare, currency,
	       is_free_ride, free_ride_cap, trip_number_at_booking,
	       driver_credit_processed, payout_pending_review,
	       assigned_at, started_at, picked_up_at, completed_at, cancelled_at,
	       cancelled_by, cancel_reason
	FROM trips`

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx, SelectTripSQL+` WHERE id = $1`, string(id))
	return ScanTrip(row)
}

// ScanTrip decodes one row of the SelectTripSQL projection.
func ScanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var currency string
	var finalFare, freeRideCap sql.NullInt64
	var startedAt, pickedUpAt, completedAt, cancelledAt sql.NullTime
	var cancelledBy, cancelReason sql.NullString

	err := row.Scan(
		&t.ID, &t.RequestID, &t.PassengerID, &t.DriverID, &t.Status, &t.StatusVersion,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Dropoff.Lat, &t.Dropoff.Lng,
		&t.ServiceType, &t.PaymentMethod, &t.EstimatedFare.Amount, &finalFare, &currency,
		&t.IsFreeRide, &freeRideCap, &t.TripNumberAtBooking,
		&t.DriverCreditProcessed, &t.PayoutPendingReview,
		&t.AssignedAt, &startedAt, &pickedUpAt, &completedAt, &cancelledAt,
		&cancelledBy, &cancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.EstimatedFare.Currency = currency
	if finalFare.Valid {
		m := types.Money{Amount: finalFare.Int64, Currency: currency}
		t.FinalFare = &m
	}
	if freeRideCap.Valid {
		m := types.Money{Amount: freeRideCap.Int64, Currency: currency}
		t.FreeRideCap = &m
	}
	t.StartedAt = timePtr(startedAt)
	t.PickedUpAt = timePtr(pickedUpAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	if cancelledBy.Valid {
		t.CancelledBy = &cancelledBy.String
	}
	if cancelReason.Valid {
		t.CancelReason = &cancelReason.String
	}
	return &t, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, cancelledBy, cancelReason *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET status = $1,
		    status_version = status_version + 1,
		    started_at = CASE WHEN $1 = 'started' THEN NOW() ELSE started_at END,
		    picked_up_at = CASE WHEN $1 = 'in_progress' THEN NOW() ELSE picked_up_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END,
		    cancelled_by = COALESCE($2, cancelled_by),
		    cancel_reason = COALESCE($3, cancel_reason)
		WHERE id = $4 AND status = $5 AND status_version = $6`,
		string(to),
		cancelledBy,
		cancelReason,
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) SetCashFallback(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET payment_method = 'cash'
		WHERE id = $1
		  AND payment_method = 'wallet'
		  AND status IN ('assigned', 'started', 'in_progress')`,
		string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) CountCompletedByPassenger(ctx context.Context, passengerID types.ID) (int, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM trips
		WHERE passenger_id = $1 AND status = 'completed'`,
		string(passengerID),
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func moneyPtr(m *types.Money) *int64 {
	if m == nil {
		return nil
	}
	n := m.Amount
	return &n
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
