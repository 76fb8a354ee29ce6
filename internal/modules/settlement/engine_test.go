// README: Settlement engine tests: payment branches, transactional
// rollback, payout capping, loyalty coupling, and the referral trigger.
package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"okada/internal/config"
	"okada/internal/eventbus"
	"okada/internal/geo"
	"okada/internal/modules/loyalty"
	"okada/internal/modules/referral"
	"okada/internal/modules/settlement"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
	"okada/internal/store/memory"
	"okada/internal/types"
)

const (
	passengerID = types.ID("11111111111111111111111111111111")
	driverID    = types.ID("22222222222222222222222222222222")
	referrerID  = types.ID("33333333333333333333333333333333")
)

type env struct {
	store   *memory.Store
	index   *geo.MemoryIndex
	engine  *settlement.Engine
	wallets *wallet.Service
	cfg     *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	index := geo.NewMemoryIndex()
	log := zap.NewNop()

	cfg := &config.Config{}
	cfg.Loyalty = config.LoyaltyConfig{
		Threshold:      5,
		RewardValidity: 30 * 24 * time.Hour,
		PayoutCap:      500000,
		SweepInterval:  time.Hour,
	}
	cfg.Referral = config.ReferralConfig{RewardAmount: 50000, RequiredRides: 1}

	wallets := wallet.NewService(store, log)
	referrals := referral.NewService(store.Referrals(), wallets, cfg, eventbus.Nop{}, log)
	engine := settlement.NewEngine(store, index, eventbus.Nop{}, referrals, cfg, log)
	return &env{store: store, index: index, engine: engine, wallets: wallets, cfg: cfg}
}

// seedInProgress plants a trip that has been driven to in_progress, the
// only state completion is allowed from.
func seedInProgress(t *testing.T, store *memory.Store, method trip.PaymentMethod, fareKobo int64) *trip.Trip {
	t.Helper()
	now := time.Now().UTC()
	started := now.Add(-10 * time.Minute)
	picked := now.Add(-8 * time.Minute)
	tr := &trip.Trip{
		ID:            types.NewID(),
		RequestID:     types.NewID(),
		PassengerID:   passengerID,
		DriverID:      driverID,
		Status:        trip.StatusInProgress,
		StatusVersion: 2,
		Pickup:        types.Point{Lat: 6.6018, Lng: 3.3515},
		Dropoff:       types.Point{Lat: 6.4550, Lng: 3.3941},
		ServiceType:   "CITY_RIDE",
		PaymentMethod: method,
		EstimatedFare: types.NGN(fareKobo),
		IsFreeRide:    method == trip.PaymentFreeRide,
		AssignedAt:    now.Add(-15 * time.Minute),
		StartedAt:     &started,
		PickedUpAt:    &picked,
	}
	if tr.IsFreeRide {
		rideCap := types.NGN(500000)
		tr.FreeRideCap = &rideCap
	}
	if err := store.Create(context.Background(), tr); err != nil {
		t.Fatalf("seed trip: %v", err)
	}
	return tr
}

func balance(t *testing.T, e *env, owner types.ID) int64 {
	t.Helper()
	acct, err := e.wallets.Balance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance %s: %v", owner, err)
	}
	return acct.Balance.Amount
}

func TestCompleteWalletTrip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(passengerID, types.NGN(200000))
	tr := seedInProgress(t, e.store, trip.PaymentWallet, 150000)

	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Outcome != settlement.OutcomeSettled {
		t.Errorf("outcome = %s, want settled", res.Outcome)
	}
	if res.Trip.Status != trip.StatusCompleted || res.Trip.CompletedAt == nil {
		t.Errorf("trip = %s, completed_at=%v", res.Trip.Status, res.Trip.CompletedAt)
	}

	if got := balance(t, e, passengerID); got != 50000 {
		t.Errorf("passenger balance = %d, want 50000", got)
	}
	if got := balance(t, e, driverID); got != 150000 {
		t.Errorf("driver balance = %d, want 150000", got)
	}

	stored, err := e.store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != trip.StatusCompleted || !stored.DriverCreditProcessed {
		t.Errorf("stored trip = %s, credit=%v", stored.Status, stored.DriverCreditProcessed)
	}

	// Both ledger sides reference each other and carry balance snapshots.
	debits, _ := e.wallets.Statement(ctx, passengerID, 10)
	credits, _ := e.wallets.Statement(ctx, driverID, 10)
	if len(debits) != 1 || len(credits) != 1 {
		t.Fatalf("statements = %d/%d entries, want 1 each", len(debits), len(credits))
	}
	d, c := debits[0], credits[0]
	if d.Kind != wallet.KindWalletPayment || c.Kind != wallet.KindWalletEarning {
		t.Errorf("kinds = %s/%s", d.Kind, c.Kind)
	}
	if d.CounterpartID == nil || *d.CounterpartID != c.ID || c.CounterpartID == nil || *c.CounterpartID != d.ID {
		t.Error("ledger pair entries do not reference each other")
	}
	if d.BalanceBefore.Amount != 200000 || d.BalanceAfter.Amount != 50000 {
		t.Errorf("debit snapshots = %v → %v", d.BalanceBefore, d.BalanceAfter)
	}
	if c.BalanceBefore.Amount != 0 || c.BalanceAfter.Amount != 150000 {
		t.Errorf("credit snapshots = %v → %v", c.BalanceBefore, c.BalanceAfter)
	}
	if d.TripID == nil || *d.TripID != tr.ID {
		t.Error("debit entry missing trip reference")
	}
}

func TestCompleteWalletInsufficientFundsRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(passengerID, types.NGN(100000))
	tr := seedInProgress(t, e.store, trip.PaymentWallet, 300000)

	_, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// Nothing moved: trip, balances, ledger, and loyalty are untouched.
	stored, _ := e.store.Get(ctx, tr.ID)
	if stored.Status != trip.StatusInProgress || stored.StatusVersion != 2 {
		t.Errorf("trip = %s v%d, want in_progress v2", stored.Status, stored.StatusVersion)
	}
	if got := balance(t, e, passengerID); got != 100000 {
		t.Errorf("passenger balance = %d, want 100000", got)
	}
	entries, _ := e.wallets.Statement(ctx, passengerID, 10)
	if len(entries) != 0 {
		t.Errorf("rolled-back settlement wrote %d entries", len(entries))
	}
	if _, err := e.store.Loyalty().Get(ctx, passengerID); !errors.Is(err, loyalty.ErrNotFound) {
		t.Errorf("loyalty progress written despite rollback: %v", err)
	}

	// The passenger pays cash instead and completion succeeds.
	if ok, err := e.store.SetCashFallback(ctx, tr.ID); err != nil || !ok {
		t.Fatalf("cash fallback: ok=%v err=%v", ok, err)
	}
	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("complete after fallback: %v", err)
	}
	if res.Outcome != settlement.OutcomeSettled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if got := balance(t, e, passengerID); got != 100000 {
		t.Errorf("cash completion moved wallet balance: %d", got)
	}
}

func TestCompleteCashMovesNoBalance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr := seedInProgress(t, e.store, trip.PaymentCash, 150000)

	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Outcome != settlement.OutcomeSettled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if got := balance(t, e, passengerID); got != 0 {
		t.Errorf("passenger balance = %d, want 0", got)
	}
	if got := balance(t, e, driverID); got != 0 {
		t.Errorf("driver balance = %d, want 0", got)
	}

	// The zero-movement pair still lands in the ledger for earnings stats.
	credits, _ := e.wallets.Statement(ctx, driverID, 10)
	if len(credits) != 1 || credits[0].Kind != wallet.KindCashEarning {
		t.Fatalf("driver statement = %+v", credits)
	}
	if credits[0].Amount.Amount != 150000 {
		t.Errorf("recorded amount = %d", credits[0].Amount.Amount)
	}
	if credits[0].BalanceBefore != credits[0].BalanceAfter {
		t.Error("cash entry must not move the balance")
	}
}

func TestCompleteFreeRideCapsPayout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(wallet.PlatformAccountID, types.NGN(10000000))
	// ₦20,000 fare against the ₦5,000 cap snapshotted at booking.
	tr := seedInProgress(t, e.store, trip.PaymentFreeRide, 2000000)

	// The passenger holds the entitlement being redeemed.
	expiry := time.Now().UTC().Add(24 * time.Hour)
	if err := e.store.Loyalty().Upsert(ctx, &loyalty.Progress{
		PassengerID:       passengerID,
		FreeRideAvailable: true,
		FreeRideExpiresAt: &expiry,
		LifetimeTrips:     7,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Outcome != settlement.OutcomeSettled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.Payout == nil || res.Payout.Amount != 500000 {
		t.Fatalf("payout = %v, want exactly 500000 kobo", res.Payout)
	}
	if !res.Loyalty.Redeemed {
		t.Error("free ride should report redeemed")
	}

	if got := balance(t, e, driverID); got != 500000 {
		t.Errorf("driver balance = %d, want capped payout 500000", got)
	}
	if got := balance(t, e, wallet.PlatformAccountID); got != 9500000 {
		t.Errorf("platform balance = %d, want 9500000", got)
	}
	if got := balance(t, e, passengerID); got != 0 {
		t.Errorf("passenger balance = %d, free ride must not touch it", got)
	}

	progress, err := e.store.Loyalty().Get(ctx, passengerID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.FreeRideAvailable || progress.FreeRideExpiresAt != nil {
		t.Error("entitlement not consumed")
	}
	if progress.TripCount != 0 || progress.LifetimeFreeRides != 1 {
		t.Errorf("progress = count %d, free rides %d", progress.TripCount, progress.LifetimeFreeRides)
	}

	credits, _ := e.wallets.Statement(ctx, driverID, 10)
	if len(credits) != 1 || credits[0].Kind != wallet.KindFreeRidePayout {
		t.Fatalf("driver statement = %+v", credits)
	}
}

func TestCompleteFreeRideBelowCapPaysFare(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(wallet.PlatformAccountID, types.NGN(10000000))
	tr := seedInProgress(t, e.store, trip.PaymentFreeRide, 300000)

	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Payout == nil || res.Payout.Amount != 300000 {
		t.Errorf("payout = %v, want the full 300000 fare", res.Payout)
	}
	if got := balance(t, e, driverID); got != 300000 {
		t.Errorf("driver balance = %d", got)
	}
}

// The cap snapshotted onto the trip at booking wins over the current
// config, so a config change cannot alter an in-flight payout.
func TestCompleteFreeRideUsesSnapshottedCap(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(wallet.PlatformAccountID, types.NGN(10000000))

	rideCap := types.NGN(400000)
	tr := &trip.Trip{
		ID:            types.NewID(),
		RequestID:     types.NewID(),
		PassengerID:   passengerID,
		DriverID:      driverID,
		Status:        trip.StatusInProgress,
		StatusVersion: 2,
		ServiceType:   "CITY_RIDE",
		PaymentMethod: trip.PaymentFreeRide,
		EstimatedFare: types.NGN(2000000),
		IsFreeRide:    true,
		FreeRideCap:   &rideCap,
		AssignedAt:    time.Now().UTC(),
	}
	if err := e.store.Create(ctx, tr); err != nil {
		t.Fatal(err)
	}

	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Payout == nil || res.Payout.Amount != 400000 {
		t.Errorf("payout = %v, want snapshotted cap 400000", res.Payout)
	}
}

func TestCompleteFreeRidePlatformShortfall(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(wallet.PlatformAccountID, types.NGN(100000)) // below the 500000 payout
	tr := seedInProgress(t, e.store, trip.PaymentFreeRide, 2000000)

	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("shortfall must not fail the ride: %v", err)
	}
	if res.Outcome != settlement.OutcomePendingReview {
		t.Errorf("outcome = %s, want pending_review", res.Outcome)
	}
	if res.Payout == nil || res.Payout.Amount != 500000 {
		t.Errorf("reported payout = %v", res.Payout)
	}

	stored, _ := e.store.Get(ctx, tr.ID)
	if stored.Status != trip.StatusCompleted {
		t.Errorf("trip = %s, the passenger's ride still completes", stored.Status)
	}
	if !stored.PayoutPendingReview || stored.DriverCreditProcessed {
		t.Errorf("flags = review %v, credit %v", stored.PayoutPendingReview, stored.DriverCreditProcessed)
	}

	// No money moved and nothing hit the ledger.
	if got := balance(t, e, driverID); got != 0 {
		t.Errorf("driver balance = %d, want 0", got)
	}
	if got := balance(t, e, wallet.PlatformAccountID); got != 100000 {
		t.Errorf("platform balance = %d, want 100000", got)
	}
	credits, _ := e.wallets.Statement(ctx, driverID, 10)
	if len(credits) != 0 {
		t.Errorf("driver statement = %+v, want empty", credits)
	}
}

func TestCompleteFifthTripUnlocksFreeRide(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(passengerID, types.NGN(1000000))
	tr := seedInProgress(t, e.store, trip.PaymentWallet, 150000)

	if err := e.store.Loyalty().Upsert(ctx, &loyalty.Progress{
		PassengerID:   passengerID,
		TripCount:     4,
		LifetimeTrips: 4,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.Loyalty.JustUnlocked {
		t.Fatal("fifth trip should unlock the free ride")
	}

	progress, _ := e.store.Loyalty().Get(ctx, passengerID)
	if !progress.FreeRideAvailable || progress.FreeRideExpiresAt == nil {
		t.Error("entitlement not recorded")
	}
	if progress.TripCount != 0 {
		t.Errorf("counter = %d after unlock, want 0", progress.TripCount)
	}
	if progress.LifetimeTrips != 5 {
		t.Errorf("lifetime = %d, want 5", progress.LifetimeTrips)
	}
}

func TestCompleteGuards(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(passengerID, types.NGN(1000000))
	tr := seedInProgress(t, e.store, trip.PaymentWallet, 150000)

	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: types.NewID()}); !errors.Is(err, trip.ErrForbidden) {
		t.Errorf("wrong driver = %v, want ErrForbidden", err)
	}
	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: types.NewID(), DriverID: driverID}); !errors.Is(err, trip.ErrNotFound) {
		t.Errorf("unknown trip = %v, want ErrNotFound", err)
	}

	bad := types.NGN(-100)
	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID, FinalFare: &bad}); !errors.Is(err, trip.ErrBadRequest) {
		t.Errorf("negative final fare = %v, want ErrBadRequest", err)
	}
	usd := types.Money{Amount: 100, Currency: "USD"}
	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID, FinalFare: &usd}); !errors.Is(err, trip.ErrBadRequest) {
		t.Errorf("foreign-currency fare = %v, want ErrBadRequest", err)
	}

	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID}); !errors.Is(err, trip.ErrInvalidState) {
		t.Errorf("second complete = %v, want ErrInvalidState", err)
	}
}

func TestCompleteFromAssignedFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr := &trip.Trip{
		ID:            types.NewID(),
		RequestID:     types.NewID(),
		PassengerID:   passengerID,
		DriverID:      driverID,
		Status:        trip.StatusAssigned,
		ServiceType:   "CITY_RIDE",
		PaymentMethod: trip.PaymentCash,
		EstimatedFare: types.NGN(150000),
		AssignedAt:    time.Now().UTC(),
	}
	if err := e.store.Create(ctx, tr); err != nil {
		t.Fatal(err)
	}

	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID}); !errors.Is(err, trip.ErrInvalidState) {
		t.Errorf("complete from assigned = %v, want ErrInvalidState", err)
	}
}

func TestCompleteFinalFareOverridesEstimate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(passengerID, types.NGN(1000000))
	tr := seedInProgress(t, e.store, trip.PaymentWallet, 300000)

	final := types.NGN(350000)
	res, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID, FinalFare: &final})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Trip.FinalFare == nil || res.Trip.FinalFare.Amount != 350000 {
		t.Errorf("final fare = %v", res.Trip.FinalFare)
	}
	if got := balance(t, e, passengerID); got != 650000 {
		t.Errorf("passenger balance = %d, want 650000 (debited the final fare)", got)
	}
	if got := balance(t, e, driverID); got != 350000 {
		t.Errorf("driver balance = %d, want 350000", got)
	}

	stored, _ := e.store.Get(ctx, tr.ID)
	if stored.FinalFare == nil || stored.FinalFare.Amount != 350000 {
		t.Errorf("stored final fare = %v", stored.FinalFare)
	}
}

func TestCompleteReleasesDriver(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr := seedInProgress(t, e.store, trip.PaymentCash, 150000)

	pickup := types.Point{Lat: 6.6018, Lng: 3.3515}
	if err := e.index.UpdateLocation(ctx, driverID, pickup); err != nil {
		t.Fatal(err)
	}
	if err := e.index.UpdateStatus(ctx, driverID, geo.DriverStatus{
		Available: false, Verified: true, Subscribed: true,
		Services: []string{"CITY_RIDE"}, Rating: 4.9,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	found, err := e.index.Nearby(ctx, pickup, "CITY_RIDE", 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != driverID {
		t.Errorf("driver not offerable after settlement: %v", found)
	}
}

func TestCompleteTriggersReferralReward(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Fund(passengerID, types.NGN(200000))
	e.store.Fund(wallet.PlatformAccountID, types.NGN(1000000))
	tr := seedInProgress(t, e.store, trip.PaymentWallet, 150000)

	if err := e.store.Referrals().Create(ctx, &referral.Referral{
		ID:         types.NewID(),
		ReferrerID: referrerID,
		RefereeID:  passengerID,
		Status:     referral.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	// First completed trip: lifetime count reaches the qualifying ride.
	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: tr.ID, DriverID: driverID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if got := balance(t, e, referrerID); got != 50000 {
		t.Errorf("referrer balance = %d, want 50000", got)
	}
	r, err := e.store.Referrals().GetByReferee(ctx, passengerID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != referral.StatusRewarded {
		t.Errorf("referral = %s, want rewarded", r.Status)
	}
	if r.RewardTripID == nil || *r.RewardTripID != tr.ID {
		t.Errorf("reward trip = %v, want %s", r.RewardTripID, tr.ID)
	}

	// The next completed trip is past the qualifying count; no double pay.
	second := seedInProgress(t, e.store, trip.PaymentWallet, 50000)
	if _, err := e.engine.Complete(ctx, settlement.CompleteCommand{TripID: second.ID, DriverID: driverID}); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if got := balance(t, e, referrerID); got != 50000 {
		t.Errorf("referrer balance = %d after second trip, want 50000", got)
	}
}
