// README: Wallet store interface and PostgreSQL implementation.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"okada/internal/types"
)

var (
	ErrAccountNotFound   = errors.New("wallet account not found")
	ErrInsufficientFunds = errors.New("insufficient balance")
)

type TransferCommand struct {
	From     types.ID
	To       types.ID
	Amount   types.Money
	FromKind EntryKind
	ToKind   EntryKind
	TripID   *types.ID
	Note     string
}

type Store interface {
	Account(ctx context.Context, owner types.ID) (*Account, error)
	// EnsureAccount creates a zero-balance account if none exists and
	// returns the current row either way.
	EnsureAccount(ctx context.Context, owner types.ID) (*Account, error)
	Entries(ctx context.Context, owner types.ID, limit int) ([]Entry, error)
	// Transfer debits From and credits To in one transaction, writing a
	// mutually referencing entry pair with balance snapshots. A short
	// From balance returns ErrInsufficientFunds and moves nothing.
	Transfer(ctx context.Context, cmd TransferCommand) (*EntryPair, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Account(ctx context.Context, owner types.ID) (*Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT owner_id, balance, currency, updated_at
		FROM wallet_accounts WHERE owner_id = $1`, string(owner),
	)
	return scanAccount(row)
}

func (s *PGStore) EnsureAccount(ctx context.Context, owner types.ID) (*Account, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallet_accounts (owner_id, balance, currency, updated_at)
		VALUES ($1, 0, $2, NOW())
		ON CONFLICT (owner_id) DO NOTHING`,
		string(owner), types.DefaultCurrency,
	)
	if err != nil {
		return nil, err
	}
	return s.Account(ctx, owner)
}

func (s *PGStore) Entries(ctx context.Context, owner types.ID, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_id, trip_id, kind, direction, amount, currency,
		       balance_before, balance_after, counterpart_id, note, created_at
		FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(owner), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PGStore) Transfer(ctx context.Context, cmd TransferCommand) (*EntryPair, error) {
	if cmd.Amount.Negative() {
		return nil, fmt.Errorf("transfer amount %s is negative", cmd.Amount)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Rows lock in owner-id order so two opposing transfers cannot
	// deadlock each other.
	first, second := cmd.From, cmd.To
	if second < first {
		first, second = second, first
	}
	balances := map[types.ID]types.Money{}
	for _, owner := range []types.ID{first, second} {
		row := tx.QueryRow(ctx, `
			SELECT balance, currency FROM wallet_accounts
			WHERE owner_id = $1 FOR UPDATE`, string(owner),
		)
		var bal types.Money
		if err := row.Scan(&bal.Amount, &bal.Currency); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, owner)
			}
			return nil, err
		}
		balances[owner] = bal
	}

	fromBefore := balances[cmd.From]
	toBefore := balances[cmd.To]
	if !fromBefore.Covers(cmd.Amount) {
		return nil, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, cmd.From, fromBefore, cmd.Amount)
	}
	fromAfter, err := fromBefore.Sub(cmd.Amount)
	if err != nil {
		return nil, err
	}
	toAfter, err := toBefore.Add(cmd.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pair := BuildPair(PairSpec{
		DebitOwner:   cmd.From,
		CreditOwner:  cmd.To,
		Amount:       cmd.Amount,
		DebitKind:    cmd.FromKind,
		CreditKind:   cmd.ToKind,
		DebitBefore:  fromBefore,
		DebitAfter:   fromAfter,
		CreditBefore: toBefore,
		CreditAfter:  toAfter,
		TripID:       cmd.TripID,
		Note:         cmd.Note,
		At:           now,
	})

	for _, upd := range []struct {
		owner types.ID
		bal   types.Money
	}{{cmd.From, fromAfter}, {cmd.To, toAfter}} {
		if _, err := tx.Exec(ctx, `
			UPDATE wallet_accounts SET balance = $2, updated_at = $3
			WHERE owner_id = $1`, string(upd.owner), upd.bal.Amount, now,
		); err != nil {
			return nil, err
		}
	}
	for _, e := range []Entry{pair.Debit, pair.Credit} {
		if err := insertEntry(ctx, tx, &e); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &pair, nil
}

// PairSpec carries everything needed to build a mutually referencing
// entry pair. Settlement reuses it inside its own transaction.
type PairSpec struct {
	DebitOwner   types.ID
	CreditOwner  types.ID
	Amount       types.Money
	DebitKind    EntryKind
	CreditKind   EntryKind
	DebitBefore  types.Money
	DebitAfter   types.Money
	CreditBefore types.Money
	CreditAfter  types.Money
	TripID       *types.ID
	Note         string
	At           time.Time
}

// BuildPair precomputes both entry ids so each side can reference the
// other without a second write.
func BuildPair(spec PairSpec) EntryPair {
	debitID := types.NewID()
	creditID := types.NewID()
	return EntryPair{
		Debit: Entry{
			ID:            debitID,
			OwnerID:       spec.DebitOwner,
			TripID:        spec.TripID,
			Kind:          spec.DebitKind,
			Direction:     DirectionDebit,
			Amount:        spec.Amount,
			BalanceBefore: spec.DebitBefore,
			BalanceAfter:  spec.DebitAfter,
			CounterpartID: &creditID,
			Note:          spec.Note,
			CreatedAt:     spec.At,
		},
		Credit: Entry{
			ID:            creditID,
			OwnerID:       spec.CreditOwner,
			TripID:        spec.TripID,
			Kind:          spec.CreditKind,
			Direction:     DirectionCredit,
			Amount:        spec.Amount,
			BalanceBefore: spec.CreditBefore,
			BalanceAfter:  spec.CreditAfter,
			CounterpartID: &debitID,
			Note:          spec.Note,
			CreatedAt:     spec.At,
		},
	}
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, owner_id, trip_id, kind, direction, amount, currency,
			balance_before, balance_after, counterpart_id, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(e.ID),
		string(e.OwnerID),
		idPtr(e.TripID),
		string(e.Kind),
		string(e.Direction),
		e.Amount.Amount,
		e.Amount.Currency,
		e.BalanceBefore.Amount,
		e.BalanceAfter.Amount,
		idPtr(e.CounterpartID),
		e.Note,
		e.CreatedAt,
	)
	return err
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.OwnerID, &a.Balance.Amount, &a.Balance.Currency, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var tripID, counterpartID *string
	err := row.Scan(
		&e.ID, &e.OwnerID, &tripID, &e.Kind, &e.Direction,
		&e.Amount.Amount, &e.Amount.Currency,
		&e.BalanceBefore.Amount, &e.BalanceAfter.Amount,
		&counterpartID, &e.Note, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.BalanceBefore.Currency = e.Amount.Currency
	e.BalanceAfter.Currency = e.Amount.Currency
	if tripID != nil {
		id := types.ID(*tripID)
		e.TripID = &id
	}
	if counterpartID != nil {
		id := types.ID(*counterpartID)
		e.CounterpartID = &id
	}
	return &e, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
