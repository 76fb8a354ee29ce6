// README: In-memory implementation of every module store behind one
// mutex. It backs tests and lets the API run without PostgreSQL; the
// conditional-write semantics match the SQL stores exactly.
package memory

import (
	"context"
	"sync"
	"time"

	"okada/internal/modules/dispatch"
	"okada/internal/modules/loyalty"
	"okada/internal/modules/referral"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
	"okada/internal/types"
)

type Store struct {
	mu sync.Mutex

	requests    map[types.ID]*dispatch.TripRequest
	idempotency map[string]*dispatch.IdempotencyRecord
	trips       map[types.ID]*trip.Trip
	accounts    map[types.ID]*wallet.Account
	entries     []wallet.Entry
	progress    map[types.ID]*loyalty.Progress
	referrals   map[types.ID]*referral.Referral
	byReferee   map[types.ID]types.ID
}

func New() *Store {
	return &Store{
		requests:    make(map[types.ID]*dispatch.TripRequest),
		idempotency: make(map[string]*dispatch.IdempotencyRecord),
		trips:       make(map[types.ID]*trip.Trip),
		accounts:    make(map[types.ID]*wallet.Account),
		progress:    make(map[types.ID]*loyalty.Progress),
		referrals:   make(map[types.ID]*referral.Referral),
		byReferee:   make(map[types.ID]types.ID),
	}
}

// --- dispatch.Store ---

func (s *Store) CreateRequest(ctx context.Context, r *dispatch.TripRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id types.ID) (*dispatch.TripRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, dispatch.ErrRequestNotFound
	}
	return cloneRequest(r), nil
}

func (s *Store) OfferCandidate(ctx context.Context, requestID, driverID types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok || r.Status != dispatch.RequestSearching || !time.Now().UTC().Before(r.ExpiresAt) {
		return false, nil
	}
	c := r.Candidate(driverID)
	if c == nil || c.Status != dispatch.CandidatePending {
		return false, nil
	}
	now := time.Now().UTC()
	c.Status = dispatch.CandidateOffered
	c.OfferedAt = &now
	return true, nil
}

func (s *Store) RejectCandidate(ctx context.Context, requestID, driverID types.ID, reason dispatch.RejectionReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return false, nil
	}
	c := r.Candidate(driverID)
	if c == nil || c.Status != dispatch.CandidateOffered {
		return false, nil
	}
	now := time.Now().UTC()
	c.Status = dispatch.CandidateRejected
	c.RejectedAt = &now
	c.RejectionReason = reason
	return true, nil
}

func (s *Store) CommitAcceptance(ctx context.Context, requestID, driverID types.ID, deleteAfter time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	if r.Status != dispatch.RequestSearching || r.AssignedDriverID != nil || !now.Before(r.ExpiresAt) {
		return false, nil
	}
	c := r.Candidate(driverID)
	if c == nil || c.Status != dispatch.CandidateOffered {
		return false, nil
	}
	driver := driverID
	r.Status = dispatch.RequestAssigned
	r.AssignedDriverID = &driver
	r.AssignedAt = &now
	r.DeleteAfter = &deleteAfter
	c.Status = dispatch.CandidateAccepted
	return true, nil
}

func (s *Store) CloseRequest(ctx context.Context, requestID types.ID, to dispatch.RequestStatus, cleanup dispatch.RejectionReason, deleteAfter time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok || r.Status != dispatch.RequestSearching {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = to
	r.ClosedAt = &now
	r.DeleteAfter = &deleteAfter
	for i := range r.Candidates {
		c := &r.Candidates[i]
		if c.Status == dispatch.CandidatePending || c.Status == dispatch.CandidateOffered {
			c.Status = dispatch.CandidateRejected
			c.RejectedAt = &now
			c.RejectionReason = cleanup
		}
	}
	return true, nil
}

func (s *Store) ListExpiredSearching(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []types.ID
	for id, r := range s.requests {
		if r.Status == dispatch.RequestSearching && !r.ExpiresAt.After(now) {
			ids = append(ids, id)
			if len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.requests {
		if r.DeleteAfter != nil && !r.DeleteAfter.After(now) {
			delete(s.requests, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertIdempotency(ctx context.Context, rec *dispatch.IdempotencyRecord) (*dispatch.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idempotency[rec.Key]; ok {
		out := *existing
		return &out, nil
	}
	stored := *rec
	s.idempotency[rec.Key] = &stored
	return nil, nil
}

func (s *Store) ResolveIdempotency(ctx context.Context, key string, status dispatch.IdempotencyStatus, tripID *types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok || rec.Status != dispatch.IdempotencyProcessing {
		return nil
	}
	rec.Status = status
	if tripID != nil {
		id := *tripID
		rec.TripID = &id
	}
	return nil
}

func (s *Store) PurgeIdempotency(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(s.idempotency, key)
			n++
		}
	}
	return n, nil
}

// --- trip.Store ---

func (s *Store) Create(ctx context.Context, t *trip.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[t.ID] = cloneTrip(t)
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, trip.ErrNotFound
	}
	return cloneTrip(t), nil
}

func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to trip.Status, version int, cancelledBy, cancelReason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok || t.Status != from || t.StatusVersion != version {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = to
	t.StatusVersion++
	switch to {
	case trip.StatusStarted:
		t.StartedAt = &now
	case trip.StatusInProgress:
		t.PickedUpAt = &now
	case trip.StatusCompleted:
		t.CompletedAt = &now
	case trip.StatusCancelled:
		t.CancelledAt = &now
	}
	if cancelledBy != nil {
		v := *cancelledBy
		t.CancelledBy = &v
	}
	if cancelReason != nil {
		v := *cancelReason
		t.CancelReason = &v
	}
	return true, nil
}

func (s *Store) SetCashFallback(ctx context.Context, id types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok || t.PaymentMethod != trip.PaymentWallet || t.Status.Terminal() {
		return false, nil
	}
	t.PaymentMethod = trip.PaymentCash
	return true, nil
}

func (s *Store) CountCompletedByPassenger(ctx context.Context, passengerID types.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.trips {
		if t.PassengerID == passengerID && t.Status == trip.StatusCompleted {
			n++
		}
	}
	return n, nil
}

// --- clone helpers ---

func cloneRequest(r *dispatch.TripRequest) *dispatch.TripRequest {
	out := *r
	out.Candidates = make([]dispatch.Candidate, len(r.Candidates))
	copy(out.Candidates, r.Candidates)
	for i := range out.Candidates {
		out.Candidates[i].OfferedAt = cloneTime(r.Candidates[i].OfferedAt)
		out.Candidates[i].RejectedAt = cloneTime(r.Candidates[i].RejectedAt)
	}
	out.FreeRideCap = cloneMoney(r.FreeRideCap)
	out.AssignedDriverID = cloneID(r.AssignedDriverID)
	out.AssignedAt = cloneTime(r.AssignedAt)
	out.ClosedAt = cloneTime(r.ClosedAt)
	out.DeleteAfter = cloneTime(r.DeleteAfter)
	return &out
}

func cloneTrip(t *trip.Trip) *trip.Trip {
	out := *t
	out.FinalFare = cloneMoney(t.FinalFare)
	out.FreeRideCap = cloneMoney(t.FreeRideCap)
	out.StartedAt = cloneTime(t.StartedAt)
	out.PickedUpAt = cloneTime(t.PickedUpAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.CancelledAt = cloneTime(t.CancelledAt)
	out.CancelledBy = cloneString(t.CancelledBy)
	out.CancelReason = cloneString(t.CancelReason)
	return &out
}

func cloneProgress(p *loyalty.Progress) *loyalty.Progress {
	out := *p
	out.FreeRideExpiresAt = cloneTime(p.FreeRideExpiresAt)
	out.Audit = make([]loyalty.AuditEvent, len(p.Audit))
	copy(out.Audit, p.Audit)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMoney(m *types.Money) *types.Money {
	if m == nil {
		return nil
	}
	v := *m
	return &v
}

func cloneID(id *types.ID) *types.ID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
