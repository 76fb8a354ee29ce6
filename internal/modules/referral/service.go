// README: Referral service: registration plus the post-completion
// reward trigger. Everything here is best-effort relative to trips.
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"okada/internal/config"
	"okada/internal/eventbus"
	"okada/internal/modules/wallet"
	"okada/internal/types"
)

var ErrBadRequest = errors.New("bad request")

type Service struct {
	store   Store
	wallets *wallet.Service
	cfg     *config.Config
	bus     eventbus.Bus
	log     *zap.Logger
}

func NewService(store Store, wallets *wallet.Service, cfg *config.Config, bus eventbus.Bus, log *zap.Logger) *Service {
	return &Service{
		store:   store,
		wallets: wallets,
		cfg:     cfg,
		bus:     bus,
		log:     log.Named("referral"),
	}
}

// Register links a freshly signed-up passenger to their referrer.
func (s *Service) Register(ctx context.Context, referrerID, refereeID types.ID) (*Referral, error) {
	if referrerID == "" || refereeID == "" {
		return nil, fmt.Errorf("%w: referrer and referee ids required", ErrBadRequest)
	}
	if referrerID == refereeID {
		return nil, fmt.Errorf("%w: cannot refer yourself", ErrBadRequest)
	}
	r := &Referral{
		ID:         types.NewID(),
		ReferrerID: referrerID,
		RefereeID:  refereeID,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info("referral registered",
		zap.String("referrer_id", referrerID.String()),
		zap.String("referee_id", refereeID.String()),
	)
	return r, nil
}

// OnTripCompleted pays the referrer once the referee finishes their
// qualifying ride. It runs after the settlement transaction committed;
// any failure here is logged and absorbed, never surfaced to the trip.
func (s *Service) OnTripCompleted(ctx context.Context, passengerID, tripID types.ID, lifetimeTrips int) {
	if lifetimeTrips != s.cfg.Referral.RequiredRides {
		return
	}
	ref, err := s.store.GetByReferee(ctx, passengerID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("referral lookup failed",
			zap.String("referee_id", passengerID.String()), zap.Error(err))
		return
	}
	if ref.Status != StatusPending {
		return
	}

	// Claim before paying so a duplicate trigger cannot double-pay. A
	// transfer failure after the claim is logged with the ids needed
	// for a manual replay.
	now := time.Now().UTC()
	ok, err := s.store.MarkRewarded(ctx, ref.ID, tripID, now)
	if err != nil {
		s.log.Warn("referral claim failed", zap.String("referral_id", ref.ID.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	amount := types.NGN(s.cfg.Referral.RewardAmount)
	_, err = s.wallets.Transfer(ctx, wallet.TransferCommand{
		From:     wallet.PlatformAccountID,
		To:       ref.ReferrerID,
		Amount:   amount,
		FromKind: wallet.KindReferralReward,
		ToKind:   wallet.KindReferralReward,
		TripID:   &tripID,
		Note:     "referral reward",
	})
	if err != nil {
		s.log.Error("referral reward transfer failed",
			zap.String("referral_id", ref.ID.String()),
			zap.String("referrer_id", ref.ReferrerID.String()),
			zap.String("trip_id", tripID.String()),
			zap.Int64("amount", amount.Amount),
			zap.Error(err))
		return
	}

	s.log.Info("referral reward paid",
		zap.String("referrer_id", ref.ReferrerID.String()),
		zap.String("referee_id", ref.RefereeID.String()),
		zap.Int64("amount", amount.Amount),
	)
	s.bus.Publish(ctx, eventbus.Event{
		Topic:  eventbus.TopicReferralReward,
		UserID: ref.ReferrerID,
		Payload: map[string]any{
			"referee_id": ref.RefereeID.String(),
			"amount":     amount.Amount,
			"currency":   amount.Currency,
		},
	})
}
