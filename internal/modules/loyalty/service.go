// README: Loyalty service: read surface, dispatch eligibility view, and
// the entitlement expiry sweeper.
package loyalty

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"okada/internal/config"
	"okada/internal/eventbus"
	"okada/internal/observability"
	"okada/internal/types"
)

type Service struct {
	store Store
	cfg   *config.Config
	bus   eventbus.Bus
	log   *zap.Logger
}

func NewService(store Store, cfg *config.Config, bus eventbus.Bus, log *zap.Logger) *Service {
	return &Service{store: store, cfg: cfg, bus: bus, log: log.Named("loyalty")}
}

// Progress returns the passenger's record, zero-valued when the
// passenger has never completed a trip.
func (s *Service) Progress(ctx context.Context, passengerID types.ID) (*Progress, error) {
	p, err := s.store.Get(ctx, passengerID)
	if errors.Is(err, ErrNotFound) {
		return NewProgress(passengerID), nil
	}
	return p, err
}

// Snapshot serves dispatch: the lifetime trip count for booking
// denormalization and whether a free ride is redeemable now.
func (s *Service) Snapshot(ctx context.Context, passengerID types.ID) (int, bool, error) {
	p, err := s.Progress(ctx, passengerID)
	if err != nil {
		return 0, false, err
	}
	return p.LifetimeTrips, p.Eligible(time.Now().UTC()), nil
}

// RunExpirySweeper clears entitlements past their expiry. It blocks
// until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Loyalty.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := s.store.ListExpired(ctx, now, 100)
	if err != nil {
		s.log.Warn("loyalty sweep: list failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		p, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if !p.Expire(now) {
			continue
		}
		if err := s.store.Upsert(ctx, p); err != nil {
			s.log.Warn("loyalty sweep: upsert failed",
				zap.String("passenger_id", id.String()), zap.Error(err))
			continue
		}
		observability.SweepItemsExpired.WithLabelValues("loyalty").Inc()
		s.log.Info("free ride entitlement expired", zap.String("passenger_id", id.String()))
		s.bus.Publish(ctx, eventbus.Event{
			Topic:  eventbus.TopicLoyaltyReward,
			UserID: id,
			Payload: map[string]any{
				"status":     "expired",
				"trip_count": p.TripCount,
			},
		})
	}
}
