// README: In-memory driver geo index for tests and DSN-less development.
package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"okada/internal/types"
)

type memoryDriver struct {
	pos    types.Point
	status DriverStatus
}

type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[types.ID]*memoryDriver
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[types.ID]*memoryDriver)}
}

func (s *MemoryIndex) UpdateLocation(_ context.Context, driverID types.ID, pos types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.ensure(driverID)
	d.pos = pos
	d.status.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryIndex) UpdateStatus(_ context.Context, driverID types.ID, st DriverStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now()
	s.ensure(driverID).status = st
	return nil
}

func (s *MemoryIndex) MarkBusy(_ context.Context, driverID types.ID) error {
	return s.setAvailable(driverID, false)
}

func (s *MemoryIndex) Release(_ context.Context, driverID types.ID) error {
	return s.setAvailable(driverID, true)
}

func (s *MemoryIndex) Remove(_ context.Context, driverID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drivers, driverID)
	return nil
}

func (s *MemoryIndex) Nearby(_ context.Context, pickup types.Point, serviceType string, radiusKm float64, limit int) ([]DriverCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DriverCandidate, 0, limit)
	for id, d := range s.drivers {
		if !d.status.Available || !d.status.Verified || !d.status.Subscribed {
			continue
		}
		if !serves(d.status.Services, serviceType) {
			continue
		}
		dist := HaversineKm(pickup.Lat, pickup.Lng, d.pos.Lat, d.pos.Lng)
		if dist > radiusKm {
			continue
		}
		out = append(out, DriverCandidate{ID: id, Position: d.pos, DistanceKm: dist, Rating: d.status.Rating})
	}
	sortByDistance(out, func(c DriverCandidate) float64 { return c.DistanceKm })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryIndex) ensure(driverID types.ID) *memoryDriver {
	d, ok := s.drivers[driverID]
	if !ok {
		d = &memoryDriver{}
		s.drivers[driverID] = d
	}
	return d
}

func (s *MemoryIndex) setAvailable(driverID types.ID, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(driverID).status.Available = v
	return nil
}

func serves(services []string, serviceType string) bool {
	for _, svc := range services {
		if svc == serviceType {
			return true
		}
	}
	return false
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// sortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
