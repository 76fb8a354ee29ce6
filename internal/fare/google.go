// README: Google Maps Directions adapter for fare routing.
package fare

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"okada/internal/types"
)

type GoogleRoutes struct {
	client *maps.Client
}

func NewGoogleRoutes(apiKey string) (*GoogleRoutes, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleRoutes{client: client}, nil
}

func (g *GoogleRoutes) Route(ctx context.Context, pickup, dropoff types.Point) (RouteEstimate, error) {
	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", pickup.Lat, pickup.Lng),
		Destination: fmt.Sprintf("%f,%f", dropoff.Lat, dropoff.Lng),
		Mode:        maps.TravelModeDriving,
		Region:      "NG",
	}
	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return RouteEstimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return RouteEstimate{}, fmt.Errorf("no route found")
	}
	leg := routes[0].Legs[0]
	return RouteEstimate{
		DistanceKm:  float64(leg.Distance.Meters) / 1000,
		DurationMin: leg.Duration.Minutes(),
	}, nil
}
