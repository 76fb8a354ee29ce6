// README: Concurrency tests for acceptance arbitration (run with -race).
package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"okada/internal/modules/dispatch"
	"okada/internal/modules/trip"
	"okada/internal/types"
)

type acceptResult struct {
	tripID types.ID
	err    error
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	const attempts = 8
	now := time.Now().UTC()
	offered := now
	req := &dispatch.TripRequest{
		ID:            types.NewID(),
		PassengerID:   passengerID,
		Pickup:        testPickup,
		Dropoff:       testDropoff,
		ServiceType:   "BIKE_EXPRESS",
		PaymentMethod: trip.PaymentWallet,
		EstimatedFare: types.NGN(150000),
		Status:        dispatch.RequestSearching,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	}
	// Every candidate holds a live offer, so all accepts reach the
	// conditional write and arbitration rests on that write alone.
	for i := 0; i < attempts; i++ {
		req.Candidates = append(req.Candidates, dispatch.Candidate{
			DriverID:  types.ID(fmt.Sprintf("%032d", i)),
			Rank:      i + 1,
			Status:    dispatch.CandidateOffered,
			OfferedAt: &offered,
		})
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan acceptResult, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		did := req.Candidates[i].DriverID
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			<-start
			id, err := e.arb.Accept(ctx, req.ID, did, "accept-"+did.String())
			results <- acceptResult{tripID: id, err: err}
		}(did)
	}
	close(start)
	wg.Wait()
	close(results)

	wins := 0
	var wonTrip types.ID
	for r := range results {
		if r.err == nil {
			wins++
			wonTrip = r.tripID
			continue
		}
		if !errors.Is(r.err, dispatch.ErrAlreadyAssigned) {
			t.Fatalf("loser error = %v, want ErrAlreadyAssigned", r.err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	final := getRequest(t, e, req.ID)
	if final.Status != dispatch.RequestAssigned {
		t.Fatalf("request status = %s, want assigned", final.Status)
	}
	if final.AssignedDriverID == nil {
		t.Fatal("assigned driver not recorded")
	}
	accepted := 0
	for _, c := range final.Candidates {
		if c.Status != dispatch.CandidateAccepted {
			continue
		}
		accepted++
		if c.DriverID != *final.AssignedDriverID {
			t.Errorf("accepted candidate %s != assigned driver %s", c.DriverID, *final.AssignedDriverID)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted candidates = %d, want 1", accepted)
	}

	tr, err := e.trips.Get(ctx, wonTrip)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if tr.PassengerID != passengerID || tr.DriverID != *final.AssignedDriverID {
		t.Errorf("trip parties = %s/%s", tr.PassengerID, tr.DriverID)
	}
	if tr.Status != trip.StatusAssigned {
		t.Errorf("trip status = %s, want assigned", tr.Status)
	}
	if tr.RequestID != req.ID {
		t.Errorf("trip request = %s, want %s", tr.RequestID, req.ID)
	}
}

func TestAcceptReplaySameKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	addDriver(t, e, driver1, testPickup)

	req := createRequest(t, e, trip.PaymentWallet)
	tripID, err := e.arb.Accept(ctx, req.ID, driver1, "retry-key")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A duplicate delivery replays the stored result.
	replayed, err := e.arb.Accept(ctx, req.ID, driver1, "retry-key")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != tripID {
		t.Errorf("replayed trip = %s, want %s", replayed, tripID)
	}

	// A genuinely new accept sees the assignment and loses.
	if _, err := e.arb.Accept(ctx, req.ID, driver1, "fresh-key"); !errors.Is(err, dispatch.ErrAlreadyAssigned) {
		t.Errorf("fresh accept = %v, want ErrAlreadyAssigned", err)
	}

	// Winning removed the driver from the offerable pool.
	found, err := e.index.Nearby(ctx, testPickup, "BIKE_EXPRESS", 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range found {
		if c.ID == driver1 {
			t.Error("winner still offerable after acceptance")
		}
	}
}

func TestConcurrentSameKeyAccepts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	addDriver(t, e, driver1, testPickup)

	req := createRequest(t, e, trip.PaymentCash)

	const attempts = 6
	var wg sync.WaitGroup
	results := make(chan acceptResult, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id, err := e.arb.Accept(ctx, req.ID, driver1, "dup-key")
			results <- acceptResult{tripID: id, err: err}
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	// The first attempt through the ledger wins; the rest either replay
	// its trip id or bounce off the in-flight record.
	var won []types.ID
	for r := range results {
		if r.err == nil {
			won = append(won, r.tripID)
			continue
		}
		if !errors.Is(r.err, dispatch.ErrAcceptInProgress) {
			t.Fatalf("duplicate error = %v, want ErrAcceptInProgress", r.err)
		}
	}
	if len(won) == 0 {
		t.Fatal("no attempt won")
	}
	for _, id := range won {
		if id != won[0] {
			t.Fatalf("winners returned different trips: %s vs %s", id, won[0])
		}
	}

	final := getRequest(t, e, req.ID)
	if final.Status != dispatch.RequestAssigned || final.AssignedDriverID == nil || *final.AssignedDriverID != driver1 {
		t.Fatalf("request not assigned to the accepting driver")
	}
}

func TestAcceptKeyBoundToDifferentAccept(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	addDriver(t, e, driver1, testPickup)
	addDriver(t, e, driver2, types.Point{Lat: testPickup.Lat + 0.002, Lng: testPickup.Lng})

	req := createRequest(t, e, trip.PaymentCash)
	if _, err := e.arb.Accept(ctx, req.ID, driver1, "shared-key"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := e.arb.Accept(ctx, req.ID, driver2, "shared-key"); !errors.Is(err, dispatch.ErrBadRequest) {
		t.Errorf("key reuse by another driver = %v, want ErrBadRequest", err)
	}
}

func TestAcceptLossClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("missing idempotency key", func(t *testing.T) {
		e := newEnv(t)
		if _, err := e.arb.Accept(ctx, types.NewID(), driver1, ""); !errors.Is(err, dispatch.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
	})

	t.Run("unknown request", func(t *testing.T) {
		e := newEnv(t)
		if _, err := e.arb.Accept(ctx, types.NewID(), driver1, "k-unknown"); !errors.Is(err, dispatch.ErrRequestNotFound) {
			t.Errorf("err = %v, want ErrRequestNotFound", err)
		}
	})

	t.Run("candidate without live offer", func(t *testing.T) {
		e := newEnv(t)
		addDriver(t, e, driver1, testPickup)
		addDriver(t, e, driver2, types.Point{Lat: testPickup.Lat + 0.002, Lng: testPickup.Lng})
		req := createRequest(t, e, trip.PaymentCash)

		// driver2 is queued behind driver1 and holds no offer yet.
		if _, err := e.arb.Accept(ctx, req.ID, driver2, "k-pending"); !errors.Is(err, dispatch.ErrNotOffered) {
			t.Errorf("err = %v, want ErrNotOffered", err)
		}
	})

	t.Run("cancelled request", func(t *testing.T) {
		e := newEnv(t)
		addDriver(t, e, driver1, testPickup)
		req := createRequest(t, e, trip.PaymentCash)
		if _, err := e.coord.Cancel(ctx, req.ID, passengerID); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		if _, err := e.arb.Accept(ctx, req.ID, driver1, "k-cancelled"); !errors.Is(err, dispatch.ErrRequestClosed) {
			t.Errorf("err = %v, want ErrRequestClosed", err)
		}
	})

	t.Run("expired request", func(t *testing.T) {
		e := newEnv(t)
		now := time.Now().UTC()
		offered := now.Add(-90 * time.Second)
		req := &dispatch.TripRequest{
			ID:            types.NewID(),
			PassengerID:   passengerID,
			Pickup:        testPickup,
			Dropoff:       testDropoff,
			ServiceType:   "BIKE_EXPRESS",
			PaymentMethod: trip.PaymentCash,
			EstimatedFare: types.NGN(150000),
			Status:        dispatch.RequestSearching,
			CreatedAt:     now.Add(-2 * time.Minute),
			ExpiresAt:     now.Add(-time.Minute),
			Candidates: []dispatch.Candidate{
				{DriverID: driver1, Rank: 1, Status: dispatch.CandidateOffered, OfferedAt: &offered},
			},
		}
		if err := e.store.CreateRequest(ctx, req); err != nil {
			t.Fatal(err)
		}

		if _, err := e.arb.Accept(ctx, req.ID, driver1, "k-expired"); !errors.Is(err, dispatch.ErrRequestExpired) {
			t.Errorf("err = %v, want ErrRequestExpired", err)
		}
		// The failed attempt is recorded; the same key cannot be replayed.
		if _, err := e.arb.Accept(ctx, req.ID, driver1, "k-expired"); !errors.Is(err, dispatch.ErrRetryAccept) {
			t.Errorf("retry on failed key = %v, want ErrRetryAccept", err)
		}
	})
}
