// README: Trip lifecycle service: guarded state transitions after assignment.
package trip

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"okada/internal/eventbus"
	"okada/internal/geo"
	"okada/internal/types"
)

var (
	ErrConflict     = errors.New("trip state conflict")
	ErrInvalidState = errors.New("invalid trip state transition")
	ErrForbidden    = errors.New("actor may not perform this transition")
	ErrBadRequest   = errors.New("bad request")
)

const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
)

type Service struct {
	store Store
	avail geo.Availability
	bus   eventbus.Bus
	log   *zap.Logger
}

func NewService(store Store, avail geo.Availability, bus eventbus.Bus, log *zap.Logger) *Service {
	return &Service{store: store, avail: avail, bus: bus, log: log}
}

type CreateCommand struct {
	RequestID           types.ID
	PassengerID         types.ID
	DriverID            types.ID
	Pickup              types.Point
	Dropoff             types.Point
	ServiceType         string
	PaymentMethod       PaymentMethod
	EstimatedFare       types.Money
	FreeRideCap         *types.Money
	TripNumberAtBooking int
}

type StartCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type PickupCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	TripID    types.ID
	ActorID   types.ID
	ActorRole string
	Reason    string
}

type CashFallbackCommand struct {
	TripID  types.ID
	ActorID types.ID
}

// CreateFromAcceptance persists the trip born from a won acceptance. The
// caller has already decided the race; this only denormalizes and stores.
func (s *Service) CreateFromAcceptance(ctx context.Context, cmd CreateCommand) (*Trip, error) {
	t := &Trip{
		ID:                  types.NewID(),
		RequestID:           cmd.RequestID,
		PassengerID:         cmd.PassengerID,
		DriverID:            cmd.DriverID,
		Status:              StatusAssigned,
		Pickup:              cmd.Pickup,
		Dropoff:             cmd.Dropoff,
		ServiceType:         cmd.ServiceType,
		PaymentMethod:       cmd.PaymentMethod,
		EstimatedFare:       cmd.EstimatedFare,
		IsFreeRide:          cmd.PaymentMethod == PaymentFreeRide,
		FreeRideCap:         cmd.FreeRideCap,
		TripNumberAtBooking: cmd.TripNumberAtBooking,
		AssignedAt:          time.Now().UTC(),
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, t)
	return t, nil
}

// Start moves assigned→started. Only the assigned driver may start.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Trip, error) {
	return s.driverTransition(ctx, cmd.TripID, cmd.DriverID, StatusStarted)
}

// Pickup moves started→in_progress once the passenger is on board.
func (s *Service) Pickup(ctx context.Context, cmd PickupCommand) (*Trip, error) {
	return s.driverTransition(ctx, cmd.TripID, cmd.DriverID, StatusInProgress)
}

func (s *Service) driverTransition(ctx context.Context, tripID, driverID types.ID, to Status) (*Trip, error) {
	t, err := s.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != driverID {
		return nil, ErrForbidden
	}
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, t.ID, t.Status, to, t.StatusVersion, nil, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	t, err = s.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, t)
	return t, nil
}

// Cancel ends a non-terminal trip. Either party may cancel; the driver is
// released back into the offerable pool. A free-ride trip keeps the
// passenger's entitlement: redemption happens only at completion, so
// there is nothing to restore here.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Trip, error) {
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	switch cmd.ActorRole {
	case ActorPassenger:
		if t.PassengerID != cmd.ActorID {
			return nil, ErrForbidden
		}
	case ActorDriver:
		if t.DriverID != cmd.ActorID {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrBadRequest
	}
	if !CanTransition(t.Status, StatusCancelled) {
		return nil, ErrInvalidState
	}

	reason := cmd.Reason
	ok, err := s.store.UpdateStatus(ctx, t.ID, t.Status, StatusCancelled, t.StatusVersion, &cmd.ActorRole, &reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	if err := s.avail.Release(ctx, t.DriverID); err != nil {
		s.log.Warn("release driver after cancel failed",
			zap.String("trip_id", string(t.ID)),
			zap.String("driver_id", string(t.DriverID)),
			zap.Error(err))
	}

	t, err = s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, t)
	return t, nil
}

// CashFallback switches a wallet trip to cash after an insufficient-funds
// settlement attempt so completion can be retried.
func (s *Service) CashFallback(ctx context.Context, cmd CashFallbackCommand) (*Trip, error) {
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if t.PassengerID != cmd.ActorID && t.DriverID != cmd.ActorID {
		return nil, ErrForbidden
	}
	ok, err := s.store.SetCashFallback(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}
	return s.store.Get(ctx, cmd.TripID)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) publishUpdate(ctx context.Context, t *Trip) {
	payload := map[string]any{
		"trip_id": t.ID,
		"status":  t.Status,
	}
	s.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicTripUpdate, UserID: t.PassengerID, Payload: payload})
	s.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicTripUpdate, UserID: t.DriverID, Payload: payload})
}
