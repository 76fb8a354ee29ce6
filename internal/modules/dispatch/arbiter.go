// README: Acceptance arbiter: settles the accept race through one
// conditional write, fronted by an idempotency ledger so duplicate
// deliveries of the same accept never re-execute side effects.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"okada/internal/config"
	"okada/internal/eventbus"
	"okada/internal/geo"
	"okada/internal/modules/trip"
	"okada/internal/observability"
	"okada/internal/types"
)

// TripCreator is the slice of the trip module the arbiter needs.
type TripCreator interface {
	CreateFromAcceptance(ctx context.Context, cmd trip.CreateCommand) (*trip.Trip, error)
}

type Arbiter struct {
	store  Store
	trips  TripCreator
	avail  geo.Availability
	bus    eventbus.Bus
	timers *Timers
	cfg    *config.Config
	log    *zap.Logger
}

func NewArbiter(store Store, trips TripCreator, avail geo.Availability, bus eventbus.Bus, timers *Timers, cfg *config.Config, log *zap.Logger) *Arbiter {
	return &Arbiter{
		store:  store,
		trips:  trips,
		avail:  avail,
		bus:    bus,
		timers: timers,
		cfg:    cfg,
		log:    log.Named("arbiter"),
	}
}

// Accept processes a driver's acceptance. Correct under concurrent and
// duplicate invocation: the idempotency ledger admits one in-flight
// attempt per key, and the store's conditional write lets exactly one
// driver win the request regardless of how many race.
func (a *Arbiter) Accept(ctx context.Context, requestID, driverID types.ID, idempotencyKey string) (types.ID, error) {
	if idempotencyKey == "" {
		return "", fmt.Errorf("%w: idempotency key required", ErrBadRequest)
	}
	if driverID == "" || requestID == "" {
		return "", fmt.Errorf("%w: request and driver ids required", ErrBadRequest)
	}

	now := time.Now().UTC()
	existing, err := a.store.InsertIdempotency(ctx, &IdempotencyRecord{
		Key:       idempotencyKey,
		DriverID:  driverID,
		RequestID: requestID,
		Status:    IdempotencyProcessing,
		CreatedAt: now,
		ExpiresAt: now.Add(a.cfg.Dispatch.IdempotencyTTL),
	})
	if err != nil {
		return "", fmt.Errorf("idempotency insert: %w", err)
	}
	if existing != nil {
		if existing.DriverID != driverID || existing.RequestID != requestID {
			return "", fmt.Errorf("%w: idempotency key bound to a different accept", ErrBadRequest)
		}
		switch existing.Status {
		case IdempotencyCompleted:
			if existing.TripID == nil {
				return "", fmt.Errorf("idempotency record %s completed without trip id", idempotencyKey)
			}
			a.log.Info("accept replayed from idempotency ledger",
				zap.String("request_id", requestID.String()),
				zap.String("trip_id", existing.TripID.String()),
			)
			return *existing.TripID, nil
		case IdempotencyProcessing:
			return "", ErrAcceptInProgress
		default:
			return "", ErrRetryAccept
		}
	}

	deleteAfter := now.Add(a.cfg.Dispatch.GraceWindow)
	won, err := a.store.CommitAcceptance(ctx, requestID, driverID, deleteAfter)
	if err != nil {
		a.resolveFailed(ctx, idempotencyKey)
		return "", fmt.Errorf("commit acceptance: %w", err)
	}
	if !won {
		a.resolveFailed(ctx, idempotencyKey)
		observability.AcceptRejected.Inc()
		return "", a.classifyLoss(ctx, requestID, driverID)
	}

	a.timers.Cancel(requestID)
	observability.AcceptWins.Inc()

	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		// The assignment is committed but the trip is not; the record
		// stays processing and ages out with its TTL.
		a.log.Error("request read after acceptance failed",
			zap.String("request_id", requestID.String()), zap.Error(err))
		return "", fmt.Errorf("load accepted request: %w", err)
	}

	t, err := a.trips.CreateFromAcceptance(ctx, trip.CreateCommand{
		RequestID:           req.ID,
		PassengerID:         req.PassengerID,
		DriverID:            driverID,
		Pickup:              req.Pickup,
		Dropoff:             req.Dropoff,
		ServiceType:         req.ServiceType,
		PaymentMethod:       req.PaymentMethod,
		EstimatedFare:       req.EstimatedFare,
		FreeRideCap:         req.FreeRideCap,
		TripNumberAtBooking: req.TripNumberAtBooking,
	})
	if err != nil {
		a.log.Error("trip creation after acceptance failed",
			zap.String("request_id", requestID.String()), zap.Error(err))
		return "", fmt.Errorf("create trip: %w", err)
	}

	if err := a.avail.MarkBusy(ctx, driverID); err != nil {
		a.log.Warn("mark driver busy failed",
			zap.String("driver_id", driverID.String()), zap.Error(err))
	}
	if err := a.store.ResolveIdempotency(ctx, idempotencyKey, IdempotencyCompleted, &t.ID); err != nil {
		a.log.Error("idempotency resolve failed",
			zap.String("key", idempotencyKey), zap.Error(err))
	}

	a.log.Info("request assigned",
		zap.String("request_id", req.ID.String()),
		zap.String("driver_id", driverID.String()),
		zap.String("trip_id", t.ID.String()),
	)
	a.bus.Publish(ctx, eventbus.Event{
		Topic:  eventbus.TopicRequestUpdate,
		UserID: req.PassengerID,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"status":     string(RequestAssigned),
			"driver_id":  driverID.String(),
			"trip_id":    t.ID.String(),
		},
	})
	return t.ID, nil
}

// classifyLoss re-reads the request after a failed conditional write so
// the driver's client can tell apart the ways an accept can lose.
func (a *Arbiter) classifyLoss(ctx context.Context, requestID, driverID types.ID) error {
	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return ErrRequestNotFound
		}
		return fmt.Errorf("classify failed accept: %w", err)
	}
	switch {
	case req.Status == RequestAssigned:
		return ErrAlreadyAssigned
	case req.Status.Terminal():
		return ErrRequestClosed
	case !time.Now().UTC().Before(req.ExpiresAt):
		return ErrRequestExpired
	default:
		return ErrNotOffered
	}
}

func (a *Arbiter) resolveFailed(ctx context.Context, key string) {
	if err := a.store.ResolveIdempotency(ctx, key, IdempotencyFailed, nil); err != nil {
		a.log.Warn("idempotency fail-mark failed", zap.String("key", key), zap.Error(err))
	}
}
