// README: Referral store interface and PostgreSQL implementation.
package referral

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"okada/internal/types"
)

var (
	ErrNotFound        = errors.New("referral not found")
	ErrAlreadyReferred = errors.New("passenger already has a referrer")
)

type Store interface {
	Create(ctx context.Context, r *Referral) error
	GetByReferee(ctx context.Context, refereeID types.ID) (*Referral, error)
	// MarkRewarded claims the reward: it succeeds once, flipping
	// pending to rewarded.
	MarkRewarded(ctx context.Context, id, tripID types.ID, at time.Time) (bool, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *Referral) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO referrals (id, referrer_id, referee_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(r.ID),
		string(r.ReferrerID),
		string(r.RefereeID),
		string(r.Status),
		r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyReferred
	}
	return err
}

func (s *PGStore) GetByReferee(ctx context.Context, refereeID types.ID) (*Referral, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, referrer_id, referee_id, status, reward_trip_id, rewarded_at, created_at
		FROM referrals
		WHERE referee_id = $1`, string(refereeID),
	)
	var r Referral
	var tripID sql.NullString
	var rewardedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ReferrerID, &r.RefereeID, &r.Status, &tripID, &rewardedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tripID.Valid {
		id := types.ID(tripID.String)
		r.RewardTripID = &id
	}
	if rewardedAt.Valid {
		t := rewardedAt.Time
		r.RewardedAt = &t
	}
	return &r, nil
}

func (s *PGStore) MarkRewarded(ctx context.Context, id, tripID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE referrals
		SET status = 'rewarded', reward_trip_id = $2, rewarded_at = $3
		WHERE id = $1 AND status = 'pending'`,
		string(id),
		string(tripID),
		at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
