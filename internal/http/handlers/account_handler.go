// README: Passenger/driver account reads: wallet balance and statement,
// loyalty progress, and referral registration.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"okada/internal/http/middleware"
	"okada/internal/modules/loyalty"
	"okada/internal/modules/referral"
	"okada/internal/modules/wallet"
	"okada/internal/types"
)

type AccountHandler struct {
	wallets   *wallet.Service
	loyalty   *loyalty.Service
	referrals *referral.Service
}

func NewAccountHandler(wallets *wallet.Service, loyaltySvc *loyalty.Service, referrals *referral.Service) *AccountHandler {
	return &AccountHandler{wallets: wallets, loyalty: loyaltySvc, referrals: referrals}
}

func (h *AccountHandler) Wallet(c *gin.Context) {
	owner := types.ID(middleware.CallerUID(c))
	acct, err := h.wallets.Balance(c.Request.Context(), owner)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	entries, err := h.wallets.Statement(c.Request.Context(), owner, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		item := gin.H{
			"id":             e.ID.String(),
			"kind":           string(e.Kind),
			"direction":      string(e.Direction),
			"amount":         e.Amount.Amount,
			"balance_before": e.BalanceBefore.Amount,
			"balance_after":  e.BalanceAfter.Amount,
			"created_at":     e.CreatedAt,
		}
		if e.TripID != nil {
			item["trip_id"] = e.TripID.String()
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":  acct.Balance.Amount,
		"currency": acct.Balance.Currency,
		"entries":  out,
	})
}

func (h *AccountHandler) Loyalty(c *gin.Context) {
	p, err := h.loyalty.Progress(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	resp := gin.H{
		"trip_count":          p.TripCount,
		"free_ride_available": p.Eligible(time.Now().UTC()),
		"lifetime_trips":      p.LifetimeTrips,
		"lifetime_free_rides": p.LifetimeFreeRides,
	}
	if p.FreeRideExpiresAt != nil {
		resp["free_ride_expires_at"] = *p.FreeRideExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

type registerReferralReq struct {
	ReferrerID string `json:"referrer_id"`
}

// RegisterReferral links the authenticated passenger to the referrer
// whose code they signed up with.
func (h *AccountHandler) RegisterReferral(c *gin.Context) {
	var req registerReferralReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if !isValidID(req.ReferrerID) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid referrer id")
		return
	}
	r, err := h.referrals.Register(c.Request.Context(), types.ID(req.ReferrerID), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"referral_id": r.ID.String(),
		"status":      string(r.Status),
	})
}
