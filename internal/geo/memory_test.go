package geo

import (
	"context"
	"math"
	"testing"

	"okada/internal/types"
)

func seedDriver(t *testing.T, idx *MemoryIndex, id string, lat, lng float64, st DriverStatus) {
	t.Helper()
	ctx := context.Background()
	if err := idx.UpdateLocation(ctx, types.ID(id), types.Point{Lat: lat, Lng: lng}); err != nil {
		t.Fatalf("UpdateLocation(%s): %v", id, err)
	}
	if err := idx.UpdateStatus(ctx, types.ID(id), st); err != nil {
		t.Fatalf("UpdateStatus(%s): %v", id, err)
	}
}

func cityRideDriver() DriverStatus {
	return DriverStatus{Available: true, Verified: true, Subscribed: true, Services: []string{"CITY_RIDE"}, Rating: 4.5}
}

func TestNearbyRanksByDistance(t *testing.T) {
	idx := NewMemoryIndex()
	// Lagos Island pickup; drivers at increasing distance northwards.
	seedDriver(t, idx, "far", 6.60, 3.38, cityRideDriver())
	seedDriver(t, idx, "near", 6.525, 3.38, cityRideDriver())
	seedDriver(t, idx, "mid", 6.55, 3.38, cityRideDriver())

	got, err := idx.Nearby(context.Background(), types.Point{Lat: 6.52, Lng: 3.38}, "CITY_RIDE", 20, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "mid" || got[2].ID != "far" {
		t.Errorf("unexpected order: %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestNearbyFiltersIneligible(t *testing.T) {
	base := cityRideDriver()

	busy := base
	busy.Available = false
	unverified := base
	unverified.Verified = false
	lapsed := base
	lapsed.Subscribed = false
	bikeOnly := base
	bikeOnly.Services = []string{"BIKE_EXPRESS"}

	idx := NewMemoryIndex()
	seedDriver(t, idx, "ok", 6.521, 3.381, base)
	seedDriver(t, idx, "busy", 6.521, 3.381, busy)
	seedDriver(t, idx, "unverified", 6.521, 3.381, unverified)
	seedDriver(t, idx, "lapsed", 6.521, 3.381, lapsed)
	seedDriver(t, idx, "bike-only", 6.521, 3.381, bikeOnly)

	got, err := idx.Nearby(context.Background(), types.Point{Lat: 6.52, Lng: 3.38}, "CITY_RIDE", 20, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ok" {
		t.Errorf("got %v, want only driver ok", got)
	}
}

func TestNearbyRespectsRadiusAndLimit(t *testing.T) {
	idx := NewMemoryIndex()
	seedDriver(t, idx, "inside", 6.525, 3.38, cityRideDriver())
	seedDriver(t, idx, "outside", 7.50, 3.38, cityRideDriver())

	got, err := idx.Nearby(context.Background(), types.Point{Lat: 6.52, Lng: 3.38}, "CITY_RIDE", 5, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 1 || got[0].ID != "inside" {
		t.Errorf("radius filter failed: %v", got)
	}

	for i := 0; i < 5; i++ {
		seedDriver(t, idx, string(rune('a'+i)), 6.521, 3.381, cityRideDriver())
	}
	got, err = idx.Nearby(context.Background(), types.Point{Lat: 6.52, Lng: 3.38}, "CITY_RIDE", 5, 3)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("limit not applied: got %d candidates", len(got))
	}
}

func TestMarkBusyAndRelease(t *testing.T) {
	idx := NewMemoryIndex()
	seedDriver(t, idx, "d1", 6.521, 3.381, cityRideDriver())
	ctx := context.Background()
	pickup := types.Point{Lat: 6.52, Lng: 3.38}

	if err := idx.MarkBusy(ctx, "d1"); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}
	got, _ := idx.Nearby(ctx, pickup, "CITY_RIDE", 20, 10)
	if len(got) != 0 {
		t.Errorf("busy driver still surfaced: %v", got)
	}

	if err := idx.Release(ctx, "d1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ = idx.Nearby(ctx, pickup, "CITY_RIDE", 20, 10)
	if len(got) != 1 {
		t.Errorf("released driver missing: %v", got)
	}
}

func TestHaversineKmKnownDistance(t *testing.T) {
	// Lagos Island to Ikeja is roughly 17km.
	got := HaversineKm(6.4541, 3.3947, 6.6018, 3.3515)
	if math.Abs(got-17) > 2 {
		t.Errorf("HaversineKm = %f, want ~17", got)
	}
	if d := HaversineKm(6.45, 3.39, 6.45, 3.39); d != 0 {
		t.Errorf("zero distance = %f", d)
	}
}
