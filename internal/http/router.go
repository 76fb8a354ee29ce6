// README: HTTP route registration for the public API.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"okada/internal/eventbus"
	"okada/internal/geo"
	"okada/internal/http/handlers"
	"okada/internal/http/middleware"
	"okada/internal/infra"
	"okada/internal/modules/dispatch"
	"okada/internal/modules/loyalty"
	"okada/internal/modules/referral"
	"okada/internal/modules/settlement"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
)

// RouterDeps carries everything the route table needs. All fields are
// required except Hub; without a hub the websocket endpoint is not mounted.
type RouterDeps struct {
	Log      *zap.Logger
	Verifier infra.TokenVerifier

	Coordinator *dispatch.Coordinator
	Arbiter     *dispatch.Arbiter
	Trips       *trip.Service
	Settlement  *settlement.Engine
	Wallets     *wallet.Service
	Loyalty     *loyalty.Service
	Referrals   *referral.Service
	GeoIndex    geo.Index
	Hub         *eventbus.Hub
}

func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logging(deps.Log),
		middleware.Metrics(),
		middleware.Recovery(deps.Log),
	)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requestHandler := handlers.NewRequestHandler(deps.Coordinator, deps.Arbiter)
	tripHandler := handlers.NewTripHandler(deps.Trips, deps.Settlement)
	accountHandler := handlers.NewAccountHandler(deps.Wallets, deps.Loyalty, deps.Referrals)
	driverHandler := handlers.NewDriverHandler(deps.GeoIndex)

	driverOnly := middleware.RequireRole(middleware.RoleDriver)
	passengerOnly := middleware.RequireRole(middleware.RolePassenger)

	api := r.Group("/api/v1", middleware.Auth(deps.Verifier))
	{
		api.POST("/requests", passengerOnly, requestHandler.Create)
		api.GET("/requests/:id", requestHandler.Get)
		api.POST("/requests/:id/cancel", passengerOnly, requestHandler.Cancel)
		api.POST("/requests/:id/accept", driverOnly, requestHandler.Accept)
		api.POST("/requests/:id/reject", driverOnly, requestHandler.Reject)

		api.GET("/trips/:id", tripHandler.Get)
		api.POST("/trips/:id/start", driverOnly, tripHandler.Start)
		api.POST("/trips/:id/pickup", driverOnly, tripHandler.Pickup)
		api.POST("/trips/:id/complete", driverOnly, tripHandler.Complete)
		api.POST("/trips/:id/cancel", tripHandler.Cancel)
		api.POST("/trips/:id/payment/cash-fallback", driverOnly, tripHandler.CashFallback)

		api.GET("/wallet/me", accountHandler.Wallet)
		api.GET("/loyalty/me", accountHandler.Loyalty)
		api.POST("/referrals", passengerOnly, accountHandler.RegisterReferral)

		api.PUT("/drivers/me/availability", driverOnly, driverHandler.SetAvailability)
		api.PUT("/drivers/me/location", driverOnly, driverHandler.UpdateLocation)
	}

	if deps.Hub != nil {
		wsHandler := handlers.NewWSHandler(deps.Hub, deps.Log)
		r.GET("/ws", middleware.Auth(deps.Verifier), wsHandler.Serve)
	}

	return r
}
