// README: Driver-side handlers: availability toggle and location ping.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"okada/internal/geo"
	"okada/internal/http/middleware"
	"okada/internal/modules/dispatch"
	"okada/internal/types"
)

type DriverHandler struct {
	index geo.Index
}

func NewDriverHandler(index geo.Index) *DriverHandler {
	return &DriverHandler{index: index}
}

type availabilityReq struct {
	Available  bool     `json:"available"`
	Verified   bool     `json:"verified"`
	Subscribed bool     `json:"subscribed"`
	Services   []string `json:"services"`
	Rating     float64  `json:"rating"`
}

// SetAvailability writes the driver's dispatch eligibility flags. In
// production verification and subscription come from onboarding; the
// endpoint accepts them so ops tooling can correct a record.
func (h *DriverHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	for _, svc := range req.Services {
		if !dispatch.ValidServiceType(svc) {
			writeError(c, http.StatusBadRequest, "bad_request", "unknown service type "+svc)
			return
		}
	}
	err := h.index.UpdateStatus(c.Request.Context(), types.ID(middleware.CallerUID(c)), geo.DriverStatus{
		Available:  req.Available,
		Verified:   req.Verified,
		Subscribed: req.Subscribed,
		Services:   req.Services,
		Rating:     req.Rating,
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": req.Available})
}

type locationReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// UpdateLocation records a position ping. High-volume deployments feed
// pings through the Kafka ingest instead; this is the direct path.
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	pos := types.Point{Lat: req.Lat, Lng: req.Lng}
	if err := pos.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.index.UpdateLocation(c.Request.Context(), types.ID(middleware.CallerUID(c)), pos); err != nil {
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
