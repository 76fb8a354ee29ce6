// README: Memory store: wallet, loyalty, referral, and the settlement
// transaction. WithTx takes a snapshot and restores it on error, giving
// the same all-or-nothing behavior as the SQL transaction.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"okada/internal/modules/loyalty"
	"okada/internal/modules/referral"
	"okada/internal/modules/settlement"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
	"okada/internal/types"
)

// --- wallet.Store ---

func (s *Store) Account(ctx context.Context, owner types.ID) (*wallet.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[owner]
	if !ok {
		return nil, wallet.ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) EnsureAccount(ctx context.Context, owner types.ID) (*wallet.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.ensureAccountLocked(owner)
	return &out, nil
}

func (s *Store) Entries(ctx context.Context, owner types.ID, limit int) ([]wallet.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wallet.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].OwnerID == owner {
			out = append(out, s.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Transfer(ctx context.Context, cmd wallet.TransferCommand) (*wallet.EntryPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.accounts[cmd.From]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wallet.ErrAccountNotFound, cmd.From)
	}
	to := s.ensureAccountLocked(cmd.To)
	if !from.Balance.Covers(cmd.Amount) {
		return nil, fmt.Errorf("%w: %s has %s, needs %s", wallet.ErrInsufficientFunds, cmd.From, from.Balance, cmd.Amount)
	}
	fromAfter, err := from.Balance.Sub(cmd.Amount)
	if err != nil {
		return nil, err
	}
	toAfter, err := to.Balance.Add(cmd.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pair := wallet.BuildPair(wallet.PairSpec{
		DebitOwner:   cmd.From,
		CreditOwner:  cmd.To,
		Amount:       cmd.Amount,
		DebitKind:    cmd.FromKind,
		CreditKind:   cmd.ToKind,
		DebitBefore:  from.Balance,
		DebitAfter:   fromAfter,
		CreditBefore: to.Balance,
		CreditAfter:  toAfter,
		TripID:       cmd.TripID,
		Note:         cmd.Note,
		At:           now,
	})
	from.Balance = fromAfter
	from.UpdatedAt = now
	to.Balance = toAfter
	to.UpdatedAt = now
	s.entries = append(s.entries, pair.Debit, pair.Credit)
	return &pair, nil
}

func (s *Store) ensureAccountLocked(owner types.ID) *wallet.Account {
	a, ok := s.accounts[owner]
	if !ok {
		a = &wallet.Account{
			OwnerID:   owner,
			Balance:   types.NGN(0),
			UpdatedAt: time.Now().UTC(),
		}
		s.accounts[owner] = a
	}
	return a
}

// Fund credits an account directly, bypassing pairing. Test and
// bootstrap helper for seeding the platform float.
func (s *Store) Fund(owner types.ID, amount types.Money) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.ensureAccountLocked(owner)
	a.Balance = types.Money{Amount: a.Balance.Amount + amount.Amount, Currency: amount.Currency}
	a.UpdatedAt = time.Now().UTC()
}

// --- loyalty.Store ---

func (s *Store) GetProgress(ctx context.Context, passengerID types.ID) (*loyalty.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[passengerID]
	if !ok {
		return nil, loyalty.ErrNotFound
	}
	return cloneProgress(p), nil
}

func (s *Store) UpsertProgress(ctx context.Context, p *loyalty.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[p.PassengerID] = cloneProgress(p)
	return nil
}

func (s *Store) ListExpiredProgress(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []types.ID
	for id, p := range s.progress {
		if p.FreeRideAvailable && p.FreeRideExpiresAt != nil && !p.FreeRideExpiresAt.After(now) {
			ids = append(ids, id)
			if len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

// --- referral.Store ---

func (s *Store) CreateReferral(ctx context.Context, r *referral.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byReferee[r.RefereeID]; ok {
		return referral.ErrAlreadyReferred
	}
	stored := *r
	s.referrals[r.ID] = &stored
	s.byReferee[r.RefereeID] = r.ID
	return nil
}

func (s *Store) GetReferralByReferee(ctx context.Context, refereeID types.ID) (*referral.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byReferee[refereeID]
	if !ok {
		return nil, referral.ErrNotFound
	}
	out := *s.referrals[id]
	return &out, nil
}

func (s *Store) MarkReferralRewarded(ctx context.Context, id, tripID types.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[id]
	if !ok || r.Status != referral.StatusPending {
		return false, nil
	}
	tid := tripID
	r.Status = referral.StatusRewarded
	r.RewardTripID = &tid
	r.RewardedAt = &at
	return true, nil
}

// Loyalty exposes the loyalty.Store view of the shared store. Method
// names on Store itself carry a Progress/Referral suffix because the
// trip store already claims Get and Create.
func (s *Store) Loyalty() loyalty.Store { return loyaltyView{s} }

type loyaltyView struct{ s *Store }

func (v loyaltyView) Get(ctx context.Context, passengerID types.ID) (*loyalty.Progress, error) {
	return v.s.GetProgress(ctx, passengerID)
}

func (v loyaltyView) Upsert(ctx context.Context, p *loyalty.Progress) error {
	return v.s.UpsertProgress(ctx, p)
}

func (v loyaltyView) ListExpired(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	return v.s.ListExpiredProgress(ctx, now, limit)
}

// Referrals exposes the referral.Store view of the shared store.
func (s *Store) Referrals() referral.Store { return referralView{s} }

type referralView struct{ s *Store }

func (v referralView) Create(ctx context.Context, r *referral.Referral) error {
	return v.s.CreateReferral(ctx, r)
}

func (v referralView) GetByReferee(ctx context.Context, refereeID types.ID) (*referral.Referral, error) {
	return v.s.GetReferralByReferee(ctx, refereeID)
}

func (v referralView) MarkRewarded(ctx context.Context, id, tripID types.ID, at time.Time) (bool, error) {
	return v.s.MarkReferralRewarded(ctx, id, tripID, at)
}

// --- settlement.Store ---

type memSnapshot struct {
	trips    map[types.ID]*trip.Trip
	accounts map[types.ID]*wallet.Account
	progress map[types.ID]*loyalty.Progress
	entries  int
}

func (s *Store) WithTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memSnapshot{
		trips:    make(map[types.ID]*trip.Trip, len(s.trips)),
		accounts: make(map[types.ID]*wallet.Account, len(s.accounts)),
		progress: make(map[types.ID]*loyalty.Progress, len(s.progress)),
		entries:  len(s.entries),
	}
	for id, t := range s.trips {
		snap.trips[id] = cloneTrip(t)
	}
	for id, a := range s.accounts {
		copied := *a
		snap.accounts[id] = &copied
	}
	for id, p := range s.progress {
		snap.progress[id] = cloneProgress(p)
	}

	if err := fn(&memTx{s: s}); err != nil {
		s.trips = snap.trips
		s.accounts = snap.accounts
		s.progress = snap.progress
		s.entries = s.entries[:snap.entries]
		return err
	}
	return nil
}

// memTx runs with the store mutex already held by WithTx.
type memTx struct {
	s *Store
}

func (t *memTx) TripForUpdate(ctx context.Context, tripID types.ID) (*trip.Trip, error) {
	tr, ok := t.s.trips[tripID]
	if !ok {
		return nil, trip.ErrNotFound
	}
	return cloneTrip(tr), nil
}

func (t *memTx) CompleteTrip(ctx context.Context, tr *trip.Trip) (bool, error) {
	real, ok := t.s.trips[tr.ID]
	if !ok || real.Status != trip.StatusInProgress || real.StatusVersion != tr.StatusVersion {
		return false, nil
	}
	fare := tr.Fare()
	real.Status = trip.StatusCompleted
	real.StatusVersion++
	real.FinalFare = &fare
	real.DriverCreditProcessed = tr.DriverCreditProcessed
	real.PayoutPendingReview = tr.PayoutPendingReview
	real.CompletedAt = cloneTime(tr.CompletedAt)
	return true, nil
}

func (t *memTx) AccountForUpdate(ctx context.Context, owner types.ID) (*wallet.Account, error) {
	out := *t.s.ensureAccountLocked(owner)
	return &out, nil
}

func (t *memTx) SetBalance(ctx context.Context, owner types.ID, balance types.Money, at time.Time) error {
	a := t.s.ensureAccountLocked(owner)
	a.Balance = balance
	a.UpdatedAt = at
	return nil
}

func (t *memTx) InsertEntryPair(ctx context.Context, pair wallet.EntryPair) error {
	t.s.entries = append(t.s.entries, pair.Debit, pair.Credit)
	return nil
}

func (t *memTx) LoyaltyForUpdate(ctx context.Context, passengerID types.ID) (*loyalty.Progress, error) {
	p, ok := t.s.progress[passengerID]
	if !ok {
		return loyalty.NewProgress(passengerID), nil
	}
	return cloneProgress(p), nil
}

func (t *memTx) SaveLoyalty(ctx context.Context, p *loyalty.Progress) error {
	t.s.progress[p.PassengerID] = cloneProgress(p)
	return nil
}
