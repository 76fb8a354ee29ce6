// README: Dispatch coordinator: creates trip requests and walks the
// candidate queue one offer at a time until a driver accepts or the
// queue is exhausted.
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

// LoyaltyView is the slice of the loyalty module dispatch needs: the
// passenger's current counter and whether a free ride is redeemable.
type LoyaltyView interface {
	Snapshot(ctx context.Context, passengerID types.ID) (tripCount int, freeRideAvailable bool, err error)
}

// Quoter prices a route before dispatch.
type Quoter interface {
	Estimate(ctx context.Context, pickup, dropoff types.Point, serviceType string) (types.Money, error)
}

type Coordinator struct {
	store   Store
	finder  geo.Finder
	loyalty LoyaltyView
	quoter  Quoter
	bus     eventbus.Bus
	timers  *Timers
	cfg     *config.Config
	log     *zap.Logger
}

func NewCoordinator(store Store, finder geo.Finder, loyalty LoyaltyView, quoter Quoter, bus eventbus.Bus, timers *Timers, cfg *config.Config, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		finder:  finder,
		loyalty: loyalty,
		quoter:  quoter,
		bus:     bus,
		timers:  timers,
		cfg:     cfg,
		log:     log.Named("dispatch"),
	}
}

type CreateRequestCommand struct {
	PassengerID   types.ID
	Pickup        types.Point
	Dropoff       types.Point
	ServiceType   string
	PaymentMethod trip.PaymentMethod
}

// CreateRequest validates the booking, snapshots loyalty state, ranks
// nearby drivers, and starts the offer chain. A search that finds no
// candidates is persisted as no_drivers immediately so the passenger
// gets a definitive answer rather than a silent timeout.
func (c *Coordinator) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (*TripRequest, error) {
	if cmd.PassengerID == "" {
		return nil, fmt.Errorf("%w: passenger id required", ErrBadRequest)
	}
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pickup: %v", ErrBadRequest, err)
	}
	if err := cmd.Dropoff.Validate(); err != nil {
		return nil, fmt.Errorf("%w: dropoff: %v", ErrBadRequest, err)
	}
	if !ValidServiceType(cmd.ServiceType) {
		return nil, fmt.Errorf("%w: unknown service type %q", ErrBadRequest, cmd.ServiceType)
	}
	if !trip.ValidPaymentMethod(cmd.PaymentMethod) {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrBadRequest, cmd.PaymentMethod)
	}

	tripCount, freeRideOK, err := c.loyalty.Snapshot(ctx, cmd.PassengerID)
	if err != nil {
		if cmd.PaymentMethod == trip.PaymentFreeRide {
			return nil, fmt.Errorf("loyalty snapshot: %w", err)
		}
		c.log.Warn("loyalty snapshot failed, booking without counter",
			zap.String("passenger_id", cmd.PassengerID.String()), zap.Error(err))
		tripCount = 0
	}
	var rideCap *types.Money
	if cmd.PaymentMethod == trip.PaymentFreeRide {
		if !freeRideOK {
			return nil, ErrNotEligible
		}
		m := types.NGN(c.cfg.Loyalty.PayoutCap)
		rideCap = &m
	}

	fare, err := c.quoter.Estimate(ctx, cmd.Pickup, cmd.Dropoff, cmd.ServiceType)
	if err != nil {
		return nil, fmt.Errorf("fare estimate: %w", err)
	}

	found, err := c.finder.Nearby(ctx, cmd.Pickup, cmd.ServiceType, c.cfg.Dispatch.SearchRadiusKm, c.cfg.Dispatch.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}

	now := time.Now().UTC()
	req := &TripRequest{
		ID:                  types.NewID(),
		PassengerID:         cmd.PassengerID,
		Pickup:              cmd.Pickup,
		Dropoff:             cmd.Dropoff,
		ServiceType:         cmd.ServiceType,
		PaymentMethod:       cmd.PaymentMethod,
		EstimatedFare:       fare,
		FreeRideCap:         rideCap,
		TripNumberAtBooking: tripCount,
		Status:              RequestSearching,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.cfg.Dispatch.SearchTTL),
	}
	for i, d := range found {
		req.Candidates = append(req.Candidates, Candidate{
			DriverID:   d.ID,
			Rank:       i + 1,
			Status:     CandidatePending,
			DistanceKm: d.DistanceKm,
		})
	}
	if len(found) == 0 {
		req.Status = RequestNoDrivers
		closed := now
		deleteAfter := now.Add(c.cfg.Dispatch.GraceWindow)
		req.ClosedAt = &closed
		req.DeleteAfter = &deleteAfter
	}

	if err := c.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	observability.RequestsCreated.Inc()
	c.log.Info("trip request created",
		zap.String("request_id", req.ID.String()),
		zap.String("passenger_id", req.PassengerID.String()),
		zap.String("service_type", req.ServiceType),
		zap.Int("candidates", len(req.Candidates)),
	)

	if req.Status == RequestNoDrivers {
		observability.NoDriversTotal.Inc()
		c.publishRequestStatus(ctx, req.PassengerID, req.ID, RequestNoDrivers)
		return req, nil
	}

	c.publishRequestStatus(ctx, req.PassengerID, req.ID, RequestSearching)
	if err := c.OfferNext(ctx, req.ID); err != nil {
		// The request stays searching; the sweeper expires it if the
		// chain never recovers.
		c.log.Warn("initial offer failed", zap.String("request_id", req.ID.String()), zap.Error(err))
	}
	return req, nil
}

func (c *Coordinator) GetRequest(ctx context.Context, requestID, callerID types.ID) (*TripRequest, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.PassengerID != callerID && req.Candidate(callerID) == nil {
		return nil, ErrForbidden
	}
	return req, nil
}

// OfferNext advances the request to its next pending candidate. It is
// safe to call redundantly: terminal requests are a no-op, and an
// outstanding offer only gets its timer re-armed, which makes the
// method double as crash recovery.
func (c *Coordinator) OfferNext(ctx context.Context, requestID types.ID) error {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			c.timers.Cancel(requestID)
			return nil
		}
		return err
	}
	if req.Status.Terminal() {
		c.timers.Cancel(requestID)
		return nil
	}

	now := time.Now().UTC()
	if !now.Before(req.ExpiresAt) {
		return c.closeSearch(ctx, req, ReasonExpired)
	}
	if req.RejectionCount() >= c.cfg.Dispatch.MaxRejections {
		return c.closeSearch(ctx, req, ReasonMaxAttempts)
	}

	if out := req.OutstandingOffer(); out != nil {
		remaining := c.cfg.Dispatch.OfferTimeout
		if out.OfferedAt != nil {
			remaining = time.Until(out.OfferedAt.Add(c.cfg.Dispatch.OfferTimeout))
			if remaining < 0 {
				remaining = 0
			}
		}
		c.armOfferTimer(req.ID, out.DriverID, remaining)
		return nil
	}

	next := req.NextPending()
	if next == nil {
		return c.closeSearch(ctx, req, ReasonMaxAttempts)
	}

	ok, err := c.store.OfferCandidate(ctx, req.ID, next.DriverID)
	if err != nil {
		return fmt.Errorf("offer candidate: %w", err)
	}
	if !ok {
		// The request moved under us (accepted, cancelled, or expired);
		// whichever path moved it owns the follow-up.
		return nil
	}

	observability.OffersTotal.Inc()
	c.log.Info("offer extended",
		zap.String("request_id", req.ID.String()),
		zap.String("driver_id", next.DriverID.String()),
		zap.Int("rank", next.Rank),
	)
	c.bus.Publish(ctx, eventbus.Event{
		Topic:  eventbus.TopicOfferCreated,
		UserID: next.DriverID,
		Payload: map[string]any{
			"request_id":      req.ID.String(),
			"pickup_lat":      req.Pickup.Lat,
			"pickup_lng":      req.Pickup.Lng,
			"dropoff_lat":     req.Dropoff.Lat,
			"dropoff_lng":     req.Dropoff.Lng,
			"service_type":    req.ServiceType,
			"payment_method":  string(req.PaymentMethod),
			"estimated_fare":  req.EstimatedFare.Amount,
			"currency":        req.EstimatedFare.Currency,
			"distance_km":     next.DistanceKm,
			"timeout_seconds": int(c.cfg.Dispatch.OfferTimeout.Seconds()),
		},
	})
	c.armOfferTimer(req.ID, next.DriverID, c.cfg.Dispatch.OfferTimeout)
	return nil
}

func (c *Coordinator) armOfferTimer(requestID, driverID types.ID, d time.Duration) {
	c.timers.Arm(requestID, d, func() {
		c.handleOfferTimeout(requestID, driverID)
	})
}

// handleOfferTimeout runs on the timer goroutine after the offer window
// lapses. The conditional reject re-checks persisted state, so a timer
// firing after an accept or cancel resolves to a no-op.
func (c *Coordinator) handleOfferTimeout(requestID, driverID types.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := c.store.RejectCandidate(ctx, requestID, driverID, ReasonTimeout)
	if err != nil {
		c.log.Warn("offer timeout reject failed",
			zap.String("request_id", requestID.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	observability.OfferTimeouts.Inc()
	c.log.Info("offer timed out",
		zap.String("request_id", requestID.String()),
		zap.String("driver_id", driverID.String()),
	)
	c.bus.Publish(ctx, eventbus.Event{
		Topic:  eventbus.TopicOfferCreated,
		UserID: driverID,
		Payload: map[string]any{
			"request_id": requestID.String(),
			"status":     "offer_expired",
		},
	})
	if err := c.OfferNext(ctx, requestID); err != nil {
		c.log.Warn("offer chain stalled after timeout",
			zap.String("request_id", requestID.String()), zap.Error(err))
	}
}

// Reject records a driver's manual decline and immediately moves on to
// the next candidate.
func (c *Coordinator) Reject(ctx context.Context, requestID, driverID types.ID) error {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return ErrRequestClosed
	}
	cand := req.Candidate(driverID)
	if cand == nil || cand.Status != CandidateOffered {
		return ErrNotOffered
	}

	ok, err := c.store.RejectCandidate(ctx, requestID, driverID, ReasonDeclined)
	if err != nil {
		return fmt.Errorf("reject candidate: %w", err)
	}
	if !ok {
		// The timer beat us to it; either way the offer is resolved.
		return ErrNotOffered
	}
	c.timers.Cancel(requestID)
	c.log.Info("offer declined",
		zap.String("request_id", requestID.String()),
		zap.String("driver_id", driverID.String()),
	)
	if err := c.OfferNext(ctx, requestID); err != nil {
		c.log.Warn("offer chain stalled after decline",
			zap.String("request_id", requestID.String()), zap.Error(err))
	}
	return nil
}

// Cancel lets the passenger abandon a search. Only searching requests
// can be cancelled here; once assigned, cancellation belongs to the
// trip lifecycle.
func (c *Coordinator) Cancel(ctx context.Context, requestID, passengerID types.ID) (*TripRequest, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.PassengerID != passengerID {
		return nil, ErrForbidden
	}
	if req.Status.Terminal() {
		return nil, ErrRequestClosed
	}

	outstanding := req.OutstandingOffer()
	deleteAfter := time.Now().UTC().Add(c.cfg.Dispatch.GraceWindow)
	ok, err := c.store.CloseRequest(ctx, requestID, RequestCancelled, ReasonCancelled, deleteAfter)
	if err != nil {
		return nil, fmt.Errorf("close request: %w", err)
	}
	if !ok {
		return nil, ErrRequestClosed
	}
	c.timers.Cancel(requestID)
	c.log.Info("request cancelled by passenger", zap.String("request_id", requestID.String()))

	c.publishRequestStatus(ctx, passengerID, requestID, RequestCancelled)
	if outstanding != nil {
		c.bus.Publish(ctx, eventbus.Event{
			Topic:  eventbus.TopicOfferCreated,
			UserID: outstanding.DriverID,
			Payload: map[string]any{
				"request_id": requestID.String(),
				"status":     "request_cancelled",
			},
		})
	}
	return c.store.GetRequest(ctx, requestID)
}

// closeSearch moves a still-searching request to no_drivers, clears any
// outstanding offer, and schedules the row for deletion.
func (c *Coordinator) closeSearch(ctx context.Context, req *TripRequest, cleanup RejectionReason) error {
	outstanding := req.OutstandingOffer()
	deleteAfter := time.Now().UTC().Add(c.cfg.Dispatch.GraceWindow)
	ok, err := c.store.CloseRequest(ctx, req.ID, RequestNoDrivers, cleanup, deleteAfter)
	if err != nil {
		return fmt.Errorf("close request: %w", err)
	}
	if !ok {
		return nil
	}
	c.timers.Cancel(req.ID)
	observability.NoDriversTotal.Inc()
	c.log.Info("search exhausted",
		zap.String("request_id", req.ID.String()),
		zap.String("reason", string(cleanup)),
	)
	c.publishRequestStatus(ctx, req.PassengerID, req.ID, RequestNoDrivers)
	if outstanding != nil {
		c.bus.Publish(ctx, eventbus.Event{
			Topic:  eventbus.TopicOfferCreated,
			UserID: outstanding.DriverID,
			Payload: map[string]any{
				"request_id": req.ID.String(),
				"status":     "offer_expired",
			},
		})
	}
	return nil
}

func (c *Coordinator) publishRequestStatus(ctx context.Context, passengerID, requestID types.ID, status RequestStatus) {
	c.bus.Publish(ctx, eventbus.Event{
		Topic:  eventbus.TopicRequestUpdate,
		UserID: passengerID,
		Payload: map[string]any{
			"request_id": requestID.String(),
			"status":     string(status),
		},
	})
}

// RunSweeper expires overdue searches, hard-deletes requests past their
// grace window, and purges stale idempotency keys. It blocks until ctx
// is done.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Dispatch.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := time.Now().UTC()

	ids, err := c.store.ListExpiredSearching(ctx, now, 100)
	if err != nil {
		c.log.Warn("sweep: list expired searches failed", zap.Error(err))
	}
	for _, id := range ids {
		req, err := c.store.GetRequest(ctx, id)
		if err != nil {
			continue
		}
		if err := c.closeSearch(ctx, req, ReasonExpired); err != nil {
			c.log.Warn("sweep: expire request failed",
				zap.String("request_id", id.String()), zap.Error(err))
			continue
		}
		observability.SweepItemsExpired.WithLabelValues("search").Inc()
	}

	if n, err := c.store.DeleteExpired(ctx, now); err != nil {
		c.log.Warn("sweep: delete closed requests failed", zap.Error(err))
	} else if n > 0 {
		observability.SweepItemsExpired.WithLabelValues("request").Add(float64(n))
		c.log.Debug("sweep: deleted closed requests", zap.Int("count", n))
	}

	if n, err := c.store.PurgeIdempotency(ctx, now); err != nil {
		c.log.Warn("sweep: purge idempotency failed", zap.Error(err))
	} else if n > 0 {
		observability.SweepItemsExpired.WithLabelValues("idempotency").Add(float64(n))
	}
}
