// README: Trip request handlers: booking, inspection, the driver's
// accept/reject, and passenger cancellation.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"okada/internal/http/middleware"
	"okada/internal/modules/dispatch"
	"okada/internal/modules/trip"
	"okada/internal/types"
)

type RequestHandler struct {
	coordinator *dispatch.Coordinator
	arbiter     *dispatch.Arbiter
}

func NewRequestHandler(coordinator *dispatch.Coordinator, arbiter *dispatch.Arbiter) *RequestHandler {
	return &RequestHandler{coordinator: coordinator, arbiter: arbiter}
}

type createRequestReq struct {
	PickupLat     float64 `json:"pickup_lat"`
	PickupLng     float64 `json:"pickup_lng"`
	DropoffLat    float64 `json:"dropoff_lat"`
	DropoffLng    float64 `json:"dropoff_lng"`
	ServiceType   string  `json:"service_type"`
	PaymentMethod string  `json:"payment_method"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	r, err := h.coordinator.CreateRequest(c.Request.Context(), dispatch.CreateRequestCommand{
		PassengerID:   types.ID(middleware.CallerUID(c)),
		Pickup:        types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		Dropoff:       types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng},
		ServiceType:   req.ServiceType,
		PaymentMethod: trip.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, requestResponse(r))
}

func (h *RequestHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request id")
		return
	}
	r, err := h.coordinator.GetRequest(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, requestResponse(r))
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request id")
		return
	}
	r, err := h.coordinator.Cancel(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, requestResponse(r))
}

func (h *RequestHandler) Accept(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request id")
		return
	}
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "Idempotency-Key header required")
		return
	}
	tripID, err := h.arbiter.Accept(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c)), key)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": id,
		"trip_id":    tripID.String(),
		"status":     string(dispatch.RequestAssigned),
	})
}

func (h *RequestHandler) Reject(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request id")
		return
	}
	if err := h.coordinator.Reject(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c))); err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id, "status": "rejected"})
}

func requestResponse(r *dispatch.TripRequest) gin.H {
	resp := gin.H{
		"request_id":     r.ID.String(),
		"status":         string(r.Status),
		"service_type":   r.ServiceType,
		"payment_method": string(r.PaymentMethod),
		"estimated_fare": r.EstimatedFare.Amount,
		"currency":       r.EstimatedFare.Currency,
		"created_at":     r.CreatedAt,
		"expires_at":     r.ExpiresAt,
		"candidates":     len(r.Candidates),
		"rejections":     r.RejectionCount(),
	}
	if r.AssignedDriverID != nil {
		resp["driver_id"] = r.AssignedDriverID.String()
	}
	return resp
}
