// README: Trip lifecycle handlers: start, pickup, complete, cancel,
// cash fallback, and inspection.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"okada/internal/http/middleware"
	"okada/internal/modules/settlement"
	"okada/internal/modules/trip"
	"okada/internal/types"
)

type TripHandler struct {
	trips      *trip.Service
	settlement *settlement.Engine
}

func NewTripHandler(trips *trip.Service, engine *settlement.Engine) *TripHandler {
	return &TripHandler{trips: trips, settlement: engine}
}

func (h *TripHandler) Get(c *gin.Context) {
	t, ok := h.loadOwnTrip(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tripResponse(t))
}

func (h *TripHandler) Start(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid trip id")
		return
	}
	t, err := h.trips.Start(c.Request.Context(), trip.StartCommand{
		TripID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripResponse(t))
}

func (h *TripHandler) Pickup(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid trip id")
		return
	}
	t, err := h.trips.Pickup(c.Request.Context(), trip.PickupCommand{
		TripID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripResponse(t))
}

type completeTripReq struct {
	// FinalFareKobo lets the driver submit an adjusted fare at drop-off.
	// Zero or absent keeps the booking estimate.
	FinalFareKobo int64 `json:"final_fare_kobo"`
}

func (h *TripHandler) Complete(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid trip id")
		return
	}
	var req completeTripReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}
	}
	cmd := settlement.CompleteCommand{
		TripID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
	}
	if req.FinalFareKobo > 0 {
		fare := types.NGN(req.FinalFareKobo)
		cmd.FinalFare = &fare
	}
	res, err := h.settlement.Complete(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	payment := gin.H{
		"method":  string(res.Trip.PaymentMethod),
		"outcome": string(res.Outcome),
		"fare":    res.Trip.Fare().Amount,
	}
	if res.Payout != nil {
		payment["driver_payout"] = res.Payout.Amount
	}
	c.JSON(http.StatusOK, gin.H{
		"trip":    tripResponse(res.Trip),
		"payment": payment,
		"loyalty": gin.H{
			"just_unlocked": res.Loyalty.JustUnlocked,
			"redeemed":      res.Loyalty.Redeemed,
		},
	})
}

type cancelTripReq struct {
	Reason string `json:"reason"`
}

func (h *TripHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid trip id")
		return
	}
	var req cancelTripReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}
	}
	role := trip.ActorPassenger
	if middleware.CallerRole(c) == middleware.RoleDriver {
		role = trip.ActorDriver
	}
	t, err := h.trips.Cancel(c.Request.Context(), trip.CancelCommand{
		TripID:    types.ID(id),
		ActorID:   types.ID(middleware.CallerUID(c)),
		ActorRole: role,
		Reason:    req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripResponse(t))
}

// CashFallback switches a wallet trip to cash after an insufficient
// funds completion attempt, so the driver can complete again.
func (h *TripHandler) CashFallback(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid trip id")
		return
	}
	t, err := h.trips.CashFallback(c.Request.Context(), trip.CashFallbackCommand{
		TripID:  types.ID(id),
		ActorID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripResponse(t))
}

func (h *TripHandler) loadOwnTrip(c *gin.Context) (*trip.Trip, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid trip id")
		return nil, false
	}
	t, err := h.trips.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return nil, false
	}
	caller := types.ID(middleware.CallerUID(c))
	if t.PassengerID != caller && t.DriverID != caller {
		writeError(c, http.StatusForbidden, "forbidden", "not your trip")
		return nil, false
	}
	return t, true
}

func tripResponse(t *trip.Trip) gin.H {
	resp := gin.H{
		"trip_id":        t.ID.String(),
		"request_id":     t.RequestID.String(),
		"passenger_id":   t.PassengerID.String(),
		"driver_id":      t.DriverID.String(),
		"status":         string(t.Status),
		"service_type":   t.ServiceType,
		"payment_method": string(t.PaymentMethod),
		"estimated_fare": t.EstimatedFare.Amount,
		"currency":       t.EstimatedFare.Currency,
		"is_free_ride":   t.IsFreeRide,
		"assigned_at":    t.AssignedAt,
	}
	if t.FinalFare != nil {
		resp["final_fare"] = t.FinalFare.Amount
	}
	if t.CompletedAt != nil {
		resp["completed_at"] = *t.CompletedAt
	}
	if t.CancelledAt != nil {
		resp["cancelled_at"] = *t.CancelledAt
		if t.CancelReason != nil {
			resp["cancel_reason"] = *t.CancelReason
		}
	}
	return resp
}
