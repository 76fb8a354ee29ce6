// README: Redis-backed driver geo index (GEO set + metadata hashes).
package geo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"okada/internal/types"
)

const (
	driverGeoKey  = "geo:drivers"
	metaKeyPrefix = "driver:meta:"
	// Metadata outlives position updates so a briefly offline driver keeps
	// their verification and subscription flags.
	metaTTL = 7 * 24 * time.Hour
)

type RedisIndex struct {
	redis *redis.Client
}

func NewRedisIndex(redis *redis.Client) *RedisIndex {
	return &RedisIndex{redis: redis}
}

func (s *RedisIndex) UpdateLocation(ctx context.Context, driverID types.ID, pos types.Point) error {
	return s.redis.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *RedisIndex) UpdateStatus(ctx context.Context, driverID types.ID, st DriverStatus) error {
	pipe := s.redis.Pipeline()
	key := metaKey(driverID)
	pipe.HSet(ctx, key, map[string]interface{}{
		"available":  strconv.FormatBool(st.Available),
		"verified":   strconv.FormatBool(st.Verified),
		"subscribed": strconv.FormatBool(st.Subscribed),
		"services":   strings.Join(st.Services, ","),
		"rating":     strconv.FormatFloat(st.Rating, 'f', 2, 64),
		"updated":    time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, metaTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisIndex) MarkBusy(ctx context.Context, driverID types.ID) error {
	return s.redis.HSet(ctx, metaKey(driverID), "available", "false").Err()
}

func (s *RedisIndex) Release(ctx context.Context, driverID types.ID) error {
	return s.redis.HSet(ctx, metaKey(driverID), "available", "true").Err()
}

func (s *RedisIndex) Remove(ctx context.Context, driverID types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.ZRem(ctx, driverGeoKey, string(driverID))
	pipe.Del(ctx, metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby returns up to limit drivers around pickup, closest first, keeping
// only those whose metadata passes the eligibility flags for serviceType.
// The GEO query overfetches because filtering happens after ranking.
func (s *RedisIndex) Nearby(ctx context.Context, pickup types.Point, serviceType string, radiusKm float64, limit int) ([]DriverCandidate, error) {
	locs, err := s.redis.GeoSearchLocation(ctx, driverGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  pickup.Lng,
			Latitude:   pickup.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit * 4,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DriverCandidate, 0, limit)
	for _, loc := range locs {
		if len(out) == limit {
			break
		}
		meta, err := s.redis.HGetAll(ctx, metaKeyPrefix+loc.Name).Result()
		if err != nil {
			return nil, err
		}
		if !eligible(meta, serviceType) {
			continue
		}
		rating, _ := strconv.ParseFloat(meta["rating"], 64)
		out = append(out, DriverCandidate{
			ID:         types.ID(loc.Name),
			Position:   types.Point{Lat: loc.Latitude, Lng: loc.Longitude},
			DistanceKm: loc.Dist,
			Rating:     rating,
		})
	}
	return out, nil
}

func eligible(meta map[string]string, serviceType string) bool {
	if meta["available"] != "true" || meta["verified"] != "true" || meta["subscribed"] != "true" {
		return false
	}
	for _, svc := range strings.Split(meta["services"], ",") {
		if svc == serviceType {
			return true
		}
	}
	return false
}

func metaKey(driverID types.ID) string {
	return metaKeyPrefix + string(driverID)
}
