// README: Settlement engine. Trip completion, funds movement, and the
// loyalty update commit or roll back as one unit; notifications and the
// referral check run only after the commit.
package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"okada/internal/config"
	"okada/internal/eventbus"
	"okada/internal/geo"
	"okada/internal/modules/loyalty"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
	"okada/internal/observability"
	"okada/internal/types"
)

type Outcome string

const (
	OutcomeSettled       Outcome = "settled"
	OutcomePendingReview Outcome = "pending_review"
)

// ReferralTrigger is invoked best-effort after the completion commits.
// Implementations must never fail the trip.
type ReferralTrigger interface {
	OnTripCompleted(ctx context.Context, passengerID, tripID types.ID, lifetimeTrips int)
}

type Engine struct {
	store    Store
	avail    geo.Availability
	bus      eventbus.Bus
	referral ReferralTrigger
	cfg      *config.Config
	log      *zap.Logger
}

func NewEngine(store Store, avail geo.Availability, bus eventbus.Bus, referral ReferralTrigger, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		avail:    avail,
		bus:      bus,
		referral: referral,
		cfg:      cfg,
		log:      log.Named("settlement"),
	}
}

type CompleteCommand struct {
	TripID   types.ID
	DriverID types.ID
	// FinalFare overrides the booking estimate when the driver submits
	// an adjusted amount at drop-off.
	FinalFare *types.Money
}

type Result struct {
	Trip    *trip.Trip
	Outcome Outcome
	// Payout is the driver credit for free rides, after the cap.
	Payout  *types.Money
	Loyalty loyalty.Update
	Entries *wallet.EntryPair

	// lifetimeTrips carries the post-settlement count to the referral
	// trigger.
	lifetimeTrips int
}

// Complete settles a trip. The payment branch, the loyalty counter
// update, and the status flip to completed share one transaction: a
// failed debit leaves the trip in_progress so the passenger can retry
// with a cash fallback, and a lost status race changes nothing at all.
func (e *Engine) Complete(ctx context.Context, cmd CompleteCommand) (*Result, error) {
	if cmd.FinalFare != nil {
		if cmd.FinalFare.Negative() || cmd.FinalFare.Currency != types.DefaultCurrency {
			return nil, fmt.Errorf("%w: final fare must be a non-negative %s amount", trip.ErrBadRequest, types.DefaultCurrency)
		}
	}

	var res Result
	err := e.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.TripForUpdate(ctx, cmd.TripID)
		if err != nil {
			return err
		}
		if t.DriverID != cmd.DriverID {
			return trip.ErrForbidden
		}
		if !trip.CanTransition(t.Status, trip.StatusCompleted) {
			return fmt.Errorf("%w: cannot complete from %s", trip.ErrInvalidState, t.Status)
		}

		now := time.Now().UTC()
		if cmd.FinalFare != nil {
			t.FinalFare = cmd.FinalFare
		}
		fare := t.Fare()

		switch t.PaymentMethod {
		case trip.PaymentFreeRide:
			err = e.settleFreeRide(ctx, tx, t, fare, now, &res)
		case trip.PaymentWallet:
			err = e.settleWallet(ctx, tx, t, fare, now, &res)
		case trip.PaymentCash:
			err = e.settleCash(ctx, tx, t, fare, now, &res)
		default:
			err = fmt.Errorf("%w: unknown payment method %q", trip.ErrBadRequest, t.PaymentMethod)
		}
		if err != nil {
			return err
		}

		progress, err := tx.LoyaltyForUpdate(ctx, t.PassengerID)
		if err != nil {
			return fmt.Errorf("loyalty read: %w", err)
		}
		res.Loyalty = progress.Apply(t.ID, t.IsFreeRide, e.cfg.Loyalty.Threshold, e.cfg.Loyalty.RewardValidity, now)
		if err := tx.SaveLoyalty(ctx, progress); err != nil {
			return fmt.Errorf("loyalty save: %w", err)
		}
		res.lifetimeTrips = progress.LifetimeTrips

		t.CompletedAt = &now
		ok, err := tx.CompleteTrip(ctx, t)
		if err != nil {
			return fmt.Errorf("complete trip: %w", err)
		}
		if !ok {
			return trip.ErrConflict
		}
		t.Status = trip.StatusCompleted
		t.StatusVersion++
		res.Trip = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.afterCommit(ctx, &res)
	return &res, nil
}

func (e *Engine) settleFreeRide(ctx context.Context, tx Tx, t *trip.Trip, fare types.Money, now time.Time, res *Result) error {
	rideCap := types.NGN(e.cfg.Loyalty.PayoutCap)
	if t.FreeRideCap != nil {
		rideCap = *t.FreeRideCap
	}
	payout, err := types.NewPayout(fare, rideCap)
	if err != nil {
		return fmt.Errorf("payout: %w", err)
	}
	amount := payout.Amount()

	platform, driver, err := e.lockAccounts(ctx, tx, wallet.PlatformAccountID, t.DriverID)
	if err != nil {
		return err
	}
	if !platform.Balance.Covers(amount) {
		// Platform liquidity must not block the passenger: the ride
		// still completes and the payout waits for manual review.
		t.DriverCreditProcessed = false
		t.PayoutPendingReview = true
		res.Outcome = OutcomePendingReview
		res.Payout = &amount
		return nil
	}

	platformAfter, err := platform.Balance.Sub(amount)
	if err != nil {
		return err
	}
	driverAfter, err := driver.Balance.Add(amount)
	if err != nil {
		return err
	}
	pair := wallet.BuildPair(wallet.PairSpec{
		DebitOwner:   wallet.PlatformAccountID,
		CreditOwner:  t.DriverID,
		Amount:       amount,
		DebitKind:    wallet.KindFreeRidePayout,
		CreditKind:   wallet.KindFreeRidePayout,
		DebitBefore:  platform.Balance,
		DebitAfter:   platformAfter,
		CreditBefore: driver.Balance,
		CreditAfter:  driverAfter,
		TripID:       &t.ID,
		Note:         "free ride payout",
		At:           now,
	})
	if err := e.applyPair(ctx, tx, pair, platformAfter, driverAfter, now); err != nil {
		return err
	}
	t.DriverCreditProcessed = true
	res.Outcome = OutcomeSettled
	res.Payout = &amount
	res.Entries = &pair
	return nil
}

func (e *Engine) settleWallet(ctx context.Context, tx Tx, t *trip.Trip, fare types.Money, now time.Time, res *Result) error {
	passenger, driver, err := e.lockAccounts(ctx, tx, t.PassengerID, t.DriverID)
	if err != nil {
		return err
	}
	if !passenger.Balance.Covers(fare) {
		// Aborts the whole transaction; the trip stays in_progress so
		// the caller can switch to cash and complete again.
		return fmt.Errorf("%w: passenger balance %s short of fare %s",
			wallet.ErrInsufficientFunds, passenger.Balance, fare)
	}

	passengerAfter, err := passenger.Balance.Sub(fare)
	if err != nil {
		return err
	}
	driverAfter, err := driver.Balance.Add(fare)
	if err != nil {
		return err
	}
	pair := wallet.BuildPair(wallet.PairSpec{
		DebitOwner:   t.PassengerID,
		CreditOwner:  t.DriverID,
		Amount:       fare,
		DebitKind:    wallet.KindWalletPayment,
		CreditKind:   wallet.KindWalletEarning,
		DebitBefore:  passenger.Balance,
		DebitAfter:   passengerAfter,
		CreditBefore: driver.Balance,
		CreditAfter:  driverAfter,
		TripID:       &t.ID,
		Note:         "trip fare",
		At:           now,
	})
	if err := e.applyPair(ctx, tx, pair, passengerAfter, driverAfter, now); err != nil {
		return err
	}
	t.DriverCreditProcessed = true
	res.Outcome = OutcomeSettled
	res.Entries = &pair
	return nil
}

// settleCash moves no balance: the fare changed hands in the vehicle.
// The zero-movement pair still lands in the ledger so driver earnings
// statistics include cash trips.
func (e *Engine) settleCash(ctx context.Context, tx Tx, t *trip.Trip, fare types.Money, now time.Time, res *Result) error {
	passenger, driver, err := e.lockAccounts(ctx, tx, t.PassengerID, t.DriverID)
	if err != nil {
		return err
	}
	pair := wallet.BuildPair(wallet.PairSpec{
		DebitOwner:   t.PassengerID,
		CreditOwner:  t.DriverID,
		Amount:       fare,
		DebitKind:    wallet.KindCashPayment,
		CreditKind:   wallet.KindCashEarning,
		DebitBefore:  passenger.Balance,
		DebitAfter:   passenger.Balance,
		CreditBefore: driver.Balance,
		CreditAfter:  driver.Balance,
		TripID:       &t.ID,
		Note:         "cash fare collected in vehicle",
		At:           now,
	})
	if err := tx.InsertEntryPair(ctx, pair); err != nil {
		return err
	}
	t.DriverCreditProcessed = true
	res.Outcome = OutcomeSettled
	res.Entries = &pair
	return nil
}

// lockAccounts locks both accounts in owner-id order so settlements and
// wallet transfers cannot deadlock, then returns them as (a, b).
func (e *Engine) lockAccounts(ctx context.Context, tx Tx, a, b types.ID) (*wallet.Account, *wallet.Account, error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	locked := map[types.ID]*wallet.Account{}
	for _, owner := range []types.ID{first, second} {
		acct, err := tx.AccountForUpdate(ctx, owner)
		if err != nil {
			return nil, nil, fmt.Errorf("lock account %s: %w", owner, err)
		}
		locked[owner] = acct
	}
	return locked[a], locked[b], nil
}

func (e *Engine) applyPair(ctx context.Context, tx Tx, pair wallet.EntryPair, debitAfter, creditAfter types.Money, now time.Time) error {
	if err := tx.SetBalance(ctx, pair.Debit.OwnerID, debitAfter, now); err != nil {
		return err
	}
	if err := tx.SetBalance(ctx, pair.Credit.OwnerID, creditAfter, now); err != nil {
		return err
	}
	return tx.InsertEntryPair(ctx, pair)
}

// afterCommit emits metrics, notifications, and the referral check.
// Nothing here can affect the already-committed settlement.
func (e *Engine) afterCommit(ctx context.Context, res *Result) {
	t := res.Trip
	observability.SettlementsTotal.WithLabelValues(string(t.PaymentMethod), string(res.Outcome)).Inc()
	if res.Outcome == OutcomePendingReview {
		observability.PayoutsPendingReview.Inc()
		e.log.Warn("free ride payout pending manual review",
			zap.String("trip_id", t.ID.String()),
			zap.String("driver_id", t.DriverID.String()),
			zap.Int64("payout", res.Payout.Amount),
		)
	}

	e.log.Info("trip settled",
		zap.String("trip_id", t.ID.String()),
		zap.String("method", string(t.PaymentMethod)),
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("fare", t.Fare().Amount),
	)

	if err := e.avail.Release(ctx, t.DriverID); err != nil {
		e.log.Warn("release driver availability failed",
			zap.String("driver_id", t.DriverID.String()), zap.Error(err))
	}

	for _, userID := range []types.ID{t.PassengerID, t.DriverID} {
		e.bus.Publish(ctx, eventbus.Event{
			Topic:  eventbus.TopicTripUpdate,
			UserID: userID,
			Payload: map[string]any{
				"trip_id": t.ID.String(),
				"status":  string(trip.StatusCompleted),
			},
		})
		e.bus.Publish(ctx, eventbus.Event{
			Topic:  eventbus.TopicPaymentSettled,
			UserID: userID,
			Payload: map[string]any{
				"trip_id":  t.ID.String(),
				"method":   string(t.PaymentMethod),
				"outcome":  string(res.Outcome),
				"fare":     t.Fare().Amount,
				"currency": t.Fare().Currency,
			},
		})
	}

	if res.Loyalty.JustUnlocked {
		observability.LoyaltyUnlocks.Inc()
		e.bus.Publish(ctx, eventbus.Event{
			Topic:  eventbus.TopicLoyaltyReward,
			UserID: t.PassengerID,
			Payload: map[string]any{
				"status":  "unlocked",
				"trip_id": t.ID.String(),
			},
		})
	}

	if e.referral != nil {
		e.referral.OnTripCompleted(ctx, t.PassengerID, t.ID, res.lifetimeTrips)
	}
}
