// README: Settlement store: one transaction spanning the trip flip,
// wallet movements, and the loyalty update. The engine drives a Tx; the
// store guarantees all-or-nothing.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"okada/internal/modules/loyalty"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
	"okada/internal/types"
)

type Store interface {
	// WithTx runs fn inside one transaction, rolling back on error.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the slice of storage the settlement transaction touches.
type Tx interface {
	// TripForUpdate locks the trip row for the rest of the transaction.
	TripForUpdate(ctx context.Context, tripID types.ID) (*trip.Trip, error)
	// CompleteTrip conditionally flips the locked trip to completed,
	// persisting the fare and bookkeeping flags stamped on t. False
	// means the guarded write matched nothing.
	CompleteTrip(ctx context.Context, t *trip.Trip) (bool, error)
	// AccountForUpdate locks the owner's wallet account, creating an
	// empty one first if the owner has never held a balance.
	AccountForUpdate(ctx context.Context, owner types.ID) (*wallet.Account, error)
	SetBalance(ctx context.Context, owner types.ID, balance types.Money, at time.Time) error
	InsertEntryPair(ctx context.Context, pair wallet.EntryPair) error
	// LoyaltyForUpdate locks the passenger's progress row, returning a
	// zero-valued record for first-time passengers.
	LoyaltyForUpdate(ctx context.Context, passengerID types.ID) (*loyalty.Progress, error)
	SaveLoyalty(ctx context.Context, p *loyalty.Progress) error
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(ptx pgx.Tx) error {
		return fn(&pgTx{tx: ptx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) TripForUpdate(ctx context.Context, tripID types.ID) (*trip.Trip, error) {
	row := t.tx.QueryRow(ctx, trip.SelectTripSQL+` WHERE id = $1 FOR UPDATE`, string(tripID))
	out, err := trip.ScanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trip.ErrNotFound
	}
	return out, err
}

func (t *pgTx) CompleteTrip(ctx context.Context, tr *trip.Trip) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE trips
		SET status = 'completed',
		    status_version = status_version + 1,
		    final_fare = $2,
		    driver_credit_processed = $3,
		    payout_pending_review = $4,
		    completed_at = $5
		WHERE id = $1 AND status = 'in_progress' AND status_version = $6`,
		string(tr.ID),
		tr.Fare().Amount,
		tr.DriverCreditProcessed,
		tr.PayoutPendingReview,
		tr.CompletedAt,
		tr.StatusVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AccountForUpdate(ctx context.Context, owner types.ID) (*wallet.Account, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallet_accounts (owner_id, balance, currency, updated_at)
		VALUES ($1, 0, $2, NOW())
		ON CONFLICT (owner_id) DO NOTHING`,
		string(owner), types.DefaultCurrency,
	)
	if err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx, `
		SELECT owner_id, balance, currency, updated_at
		FROM wallet_accounts WHERE owner_id = $1 FOR UPDATE`, string(owner),
	)
	var a wallet.Account
	if err := row.Scan(&a.OwnerID, &a.Balance.Amount, &a.Balance.Currency, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) SetBalance(ctx context.Context, owner types.ID, balance types.Money, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE wallet_accounts SET balance = $2, updated_at = $3
		WHERE owner_id = $1`, string(owner), balance.Amount, at,
	)
	return err
}

func (t *pgTx) InsertEntryPair(ctx context.Context, pair wallet.EntryPair) error {
	for _, e := range []wallet.Entry{pair.Debit, pair.Credit} {
		var tripID, counterpartID *string
		if e.TripID != nil {
			s := string(*e.TripID)
			tripID = &s
		}
		if e.CounterpartID != nil {
			s := string(*e.CounterpartID)
			counterpartID = &s
		}
		_, err := t.tx.Exec(ctx, `
			INSERT INTO ledger_entries (
				id, owner_id, trip_id, kind, direction, amount, currency,
				balance_before, balance_after, counterpart_id, note, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			string(e.ID),
			string(e.OwnerID),
			tripID,
			string(e.Kind),
			string(e.Direction),
			e.Amount.Amount,
			e.Amount.Currency,
			e.BalanceBefore.Amount,
			e.BalanceAfter.Amount,
			counterpartID,
			e.Note,
			e.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LoyaltyForUpdate(ctx context.Context, passengerID types.ID) (*loyalty.Progress, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT passenger_id, trip_count, free_ride_available, free_ride_expires_at,
		       lifetime_trips, lifetime_free_rides, audit, updated_at
		FROM loyalty_progress
		WHERE passenger_id = $1 FOR UPDATE`, string(passengerID),
	)
	p, err := loyalty.ScanProgress(row)
	if errors.Is(err, loyalty.ErrNotFound) {
		return loyalty.NewProgress(passengerID), nil
	}
	return p, err
}

func (t *pgTx) SaveLoyalty(ctx context.Context, p *loyalty.Progress) error {
	audit, err := json.Marshal(p.Audit)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, loyalty.UpsertProgressSQL,
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
