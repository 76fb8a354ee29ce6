// README: Dispatch store interface and PostgreSQL implementation.
// All offer-protocol writes are conditional on current state so racing
// handlers and timers settle through the store, not through locks.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"okada/internal/types"
)

type Store interface {
	CreateRequest(ctx context.Context, r *TripRequest) error
	GetRequest(ctx context.Context, id types.ID) (*TripRequest, error)
	// OfferCandidate flips the driver's candidate pending→offered, but
	// only while the request is still searching and unexpired.
	OfferCandidate(ctx context.Context, requestID, driverID types.ID) (bool, error)
	// RejectCandidate flips offered→rejected. Timers and manual rejects
	// share it; the conditional guard makes a late timer harmless.
	RejectCandidate(ctx context.Context, requestID, driverID types.ID, reason RejectionReason) (bool, error)
	// CommitAcceptance is the single atomic conditional write deciding
	// the accept race: it assigns the request and accepts the candidate
	// together, succeeding for exactly one driver. The assigned row is
	// kept until deleteAfter for post-assignment reads, then swept.
	CommitAcceptance(ctx context.Context, requestID, driverID types.ID, deleteAfter time.Time) (bool, error)
	// CloseRequest transitions searching→to and marks every outstanding
	// candidate rejected with the cleanup reason. The request row is
	// hard-deleted once deleteAfter passes.
	CloseRequest(ctx context.Context, requestID types.ID, to RequestStatus, cleanup RejectionReason, deleteAfter time.Time) (bool, error)
	ListExpiredSearching(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// InsertIdempotency admits one record per key. A nil return means the
	// record was inserted; otherwise the existing record comes back.
	InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error)
	ResolveIdempotency(ctx context.Context, key string, status IdempotencyStatus, tripID *types.ID) error
	PurgeIdempotency(ctx context.Context, now time.Time) (int, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateRequest(ctx context.Context, r *TripRequest) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO trip_requests (
			id, passenger_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			service_type, payment_method, estimated_fare, currency, free_ride_cap,
			trip_number_at_booking, status, assigned_driver_id, created_at, expires_at, delete_after
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17
		)`,
		string(r.ID),
		string(r.PassengerID),
		r.Pickup.Lat, r.Pickup.Lng,
		r.Dropoff.Lat, r.Dropoff.Lng,
		r.ServiceType,
		string(r.PaymentMethod),
		r.EstimatedFare.Amount,
		r.EstimatedFare.Currency,
		moneyAmountPtr(r.FreeRideCap),
		r.TripNumberAtBooking,
		string(r.Status),
		idPtr(r.AssignedDriverID),
		r.CreatedAt,
		r.ExpiresAt,
		r.DeleteAfter,
	)
	if err != nil {
		return err
	}

	for i := range r.Candidates {
		c := &r.Candidates[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO request_candidates (
				request_id, driver_id, rank, status, distance_km
			) VALUES ($1, $2, $3, $4, $5)`,
			string(r.ID),
			string(c.DriverID),
			c.Rank,
			string(c.Status),
			c.DistanceKm,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) GetRequest(ctx context.Context, id types.ID) (*TripRequest, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, passenger_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		       service_type, payment_method, estimated_fare, currency, free_ride_cap,
		       trip_number_at_booking, status, assigned_driver_id, created_at, expires_at,
		       assigned_at, closed_at, delete_after
		FROM trip_requests
		WHERE id = $1`, string(id),
	)

	var r TripRequest
	var currency string
	var freeRideCap sql.NullInt64
	var assignedDriver sql.NullString
	var assignedAt, closedAt, deleteAfter sql.NullTime

	err := row.Scan(
		&r.ID, &r.PassengerID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&r.ServiceType, &r.PaymentMethod, &r.EstimatedFare.Amount, &currency, &freeRideCap,
		&r.TripNumberAtBooking, &r.Status, &assignedDriver, &r.CreatedAt, &r.ExpiresAt,
		&assignedAt, &closedAt, &deleteAfter,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}

	r.EstimatedFare.Currency = currency
	if freeRideCap.Valid {
		m := types.Money{Amount: freeRideCap.Int64, Currency: currency}
		r.FreeRideCap = &m
	}
	if assignedDriver.Valid {
		d := types.ID(assignedDriver.String)
		r.AssignedDriverID = &d
	}
	r.AssignedAt = nullTimePtr(assignedAt)
	r.ClosedAt = nullTimePtr(closedAt)
	r.DeleteAfter = nullTimePtr(deleteAfter)

	rows, err := s.db.Query(ctx, `
		SELECT driver_id, rank, status, distance_km, offered_at, rejected_at, rejection_reason
		FROM request_candidates
		WHERE request_id = $1
		ORDER BY rank`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c Candidate
		var offeredAt, rejectedAt sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&c.DriverID, &c.Rank, &c.Status, &c.DistanceKm, &offeredAt, &rejectedAt, &reason); err != nil {
			return nil, err
		}
		c.OfferedAt = nullTimePtr(offeredAt)
		c.RejectedAt = nullTimePtr(rejectedAt)
		if reason.Valid {
			c.RejectionReason = RejectionReason(reason.String)
		}
		r.Candidates = append(r.Candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) OfferCandidate(ctx context.Context, requestID, driverID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE request_candidates c
		SET status = 'offered', offered_at = NOW()
		FROM trip_requests r
		WHERE c.request_id = $1 AND c.driver_id = $2 AND c.status = 'pending'
		  AND r.id = c.request_id AND r.status = 'searching' AND r.expires_at > NOW()`,
		string(requestID),
		string(driverID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) RejectCandidate(ctx context.Context, requestID, driverID types.ID, reason RejectionReason) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE request_candidates
		SET status = 'rejected', rejected_at = NOW(), rejection_reason = $3
		WHERE request_id = $1 AND driver_id = $2 AND status = 'offered'`,
		string(requestID),
		string(driverID),
		string(reason),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CommitAcceptance runs one statement: the request flips to assigned and
// the candidate to accepted together, guarded on the request still
// searching, unassigned, unexpired, and this driver holding the offer.
// There is no read-then-write window for a rival to slip through.
func (s *PGStore) CommitAcceptance(ctx context.Context, requestID, driverID types.ID, deleteAfter time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		WITH won AS (
			UPDATE trip_requests
			SET status = 'assigned', assigned_driver_id = $2, assigned_at = NOW(), delete_after = $3
			WHERE id = $1
			  AND status = 'searching'
			  AND assigned_driver_id IS NULL
			  AND expires_at > NOW()
			  AND EXISTS (
				SELECT 1 FROM request_candidates
				WHERE request_id = $1 AND driver_id = $2 AND status = 'offered'
			  )
			RETURNING id
		)
		UPDATE request_candidates c
		SET status = 'accepted'
		FROM won
		WHERE c.request_id = won.id AND c.driver_id = $2`,
		string(requestID),
		string(driverID),
		deleteAfter,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) CloseRequest(ctx context.Context, requestID types.ID, to RequestStatus, cleanup RejectionReason, deleteAfter time.Time) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE trip_requests
		SET status = $2, closed_at = NOW(), delete_after = $3
		WHERE id = $1 AND status = 'searching'`,
		string(requestID),
		string(to),
		deleteAfter,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE request_candidates
		SET status = 'rejected', rejected_at = NOW(), rejection_reason = $2
		WHERE request_id = $1 AND status IN ('pending', 'offered')`,
		string(requestID),
		string(cleanup),
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PGStore) ListExpiredSearching(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM trip_requests
		WHERE status = 'searching' AND expires_at <= $1
		ORDER BY expires_at
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

func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM trip_requests
		WHERE delete_after IS NOT NULL AND delete_after <= $1`, now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_records (key, driver_id, request_id, status, trip_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key,
		string(rec.DriverID),
		string(rec.RequestID),
		string(rec.Status),
		idPtr(rec.TripID),
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	row := s.db.QueryRow(ctx, `
		SELECT key, driver_id, request_id, status, trip_id, created_at, expires_at
		FROM idempotency_records
		WHERE key = $1`, rec.Key,
	)
	var existing IdempotencyRecord
	var tripID sql.NullString
	err = row.Scan(&existing.Key, &existing.DriverID, &existing.RequestID, &existing.Status, &tripID, &existing.CreatedAt, &existing.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if tripID.Valid {
		id := types.ID(tripID.String)
		existing.TripID = &id
	}
	return &existing, nil
}

func (s *PGStore) ResolveIdempotency(ctx context.Context, key string, status IdempotencyStatus, tripID *types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $2, trip_id = $3
		WHERE key = $1 AND status = 'processing'`,
		key,
		string(status),
		idPtr(tripID),
	)
	return err
}

func (s *PGStore) PurgeIdempotency(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE expires_at <= $1`, now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func moneyAmountPtr(m *types.Money) *int64 {
	if m == nil {
		return nil
	}
	n := m.Amount
	return &n
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
