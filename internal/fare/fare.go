// README: Fare estimation: a per-service tariff table applied to a
// routed distance and duration, with a straight-line fallback when no
// routing backend is reachable.
package fare

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"okada/internal/geo"
	"okada/internal/types"
)

// RouteEstimate is the routed distance and drive time for one leg.
type RouteEstimate struct {
	DistanceKm  float64
	DurationMin float64
}

// RouteEstimator produces a RouteEstimate for a pickup/dropoff pair.
type RouteEstimator interface {
	Route(ctx context.Context, pickup, dropoff types.Point) (RouteEstimate, error)
}

// Rate is the tariff for one service class, all amounts in kobo.
type Rate struct {
	Base    int64
	PerKm   int64
	PerMin  int64
	Minimum int64
}

var tariffs = map[string]Rate{
	"CITY_RIDE":    {Base: 50000, PerKm: 12000, PerMin: 1500, Minimum: 70000},
	"BIKE_EXPRESS": {Base: 30000, PerKm: 8000, PerMin: 1000, Minimum: 40000},
	"TRICYCLE":     {Base: 20000, PerKm: 6000, PerMin: 800, Minimum: 30000},
}

const (
	// roadDetourFactor stretches the straight-line distance toward a
	// plausible road distance for the fallback path.
	roadDetourFactor = 1.4
	// citySpeedKmh is the assumed average speed in Lagos traffic.
	citySpeedKmh = 22.0
	// roundingStepKobo snaps quotes to the next ₦50.
	roundingStepKobo = 5000
)

// Quote prices a route against the tariff table. Pure so tests can pin
// exact amounts.
func Quote(serviceType string, route RouteEstimate) (types.Money, error) {
	rate, ok := tariffs[serviceType]
	if !ok {
		return types.Money{}, fmt.Errorf("no tariff for service type %q", serviceType)
	}
	amount := rate.Base
	amount += int64(math.Ceil(route.DistanceKm * float64(rate.PerKm)))
	amount += int64(math.Ceil(route.DurationMin)) * rate.PerMin
	if amount < rate.Minimum {
		amount = rate.Minimum
	}
	if rem := amount % roundingStepKobo; rem != 0 {
		amount += roundingStepKobo - rem
	}
	return types.NGN(amount), nil
}

// FallbackRoute approximates a route from geometry alone.
func FallbackRoute(pickup, dropoff types.Point) RouteEstimate {
	km := geo.HaversineKm(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng) * roadDetourFactor
	return RouteEstimate{
		DistanceKm:  km,
		DurationMin: km / citySpeedKmh * 60,
	}
}

// Calculator is the quoting entrypoint dispatch uses. A routing failure
// degrades to the geometric fallback rather than blocking a booking.
type Calculator struct {
	routes RouteEstimator
	log    *zap.Logger
}

func NewCalculator(routes RouteEstimator, log *zap.Logger) *Calculator {
	return &Calculator{routes: routes, log: log.Named("fare")}
}

func (c *Calculator) Estimate(ctx context.Context, pickup, dropoff types.Point, serviceType string) (types.Money, error) {
	route, err := c.routes.Route(ctx, pickup, dropoff)
	if err != nil {
		c.log.Warn("route estimate failed, using straight-line fallback", zap.Error(err))
		route = FallbackRoute(pickup, dropoff)
	}
	return Quote(serviceType, route)
}

// StaticRoutes serves estimates without any external routing service.
type StaticRoutes struct{}

func (StaticRoutes) Route(_ context.Context, pickup, dropoff types.Point) (RouteEstimate, error) {
	return FallbackRoute(pickup, dropoff), nil
}
