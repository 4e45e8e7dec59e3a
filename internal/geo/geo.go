package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/models"
)

// Index is the driver position and availability index used by the matcher
// and handlers.
//
// Availability writes are synchronous on every implementation: once
// SetAvailability(id, false) returns, no later QueryNearby will return id.
type Index interface {
	UpsertPosition(ctx context.Context, driverID string, loc models.Coord) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	QueryNearby(ctx context.Context, origin models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error)
}

type entry struct {
	loc       models.Coord
	hasPos    bool
	available bool
	updated   time.Time
}

type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]entry)}
}

func (g *MemoryIndex) UpsertPosition(_ context.Context, driverID string, loc models.Coord) error {
	if driverID == "" {
		return models.Invalid("driverId", "required")
	}
	if !loc.Valid() {
		return models.Invalid("location", "coordinates out of range")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.drivers[driverID]
	e.loc = loc
	e.hasPos = true
	e.updated = time.Now()
	g.drivers[driverID] = e
	return nil
}

func (g *MemoryIndex) SetAvailability(_ context.Context, driverID string, available bool) error {
	if driverID == "" {
		return models.Invalid("driverId", "required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.drivers[driverID]
	e.available = available
	g.drivers[driverID] = e
	return nil
}

// naive scan; fine for a single process, use RedisIndex when sharing state
func (g *MemoryIndex) QueryNearby(_ context.Context, origin models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	if err := validateQuery(origin, radiusMeters, limit); err != nil {
		return nil, err
	}
	g.mu.RLock()
	out := make([]models.NearbyDriver, 0, limit)
	for id, e := range g.drivers {
		if !e.available || !e.hasPos {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, e.loc.Lat, e.loc.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, models.NearbyDriver{ID: id, Loc: e.loc, DistanceMeters: dist})
	}
	g.mu.RUnlock()

	return nearestFirst(out, limit), nil
}

func validateQuery(origin models.Coord, radiusMeters float64, limit int) error {
	if !origin.Valid() {
		return models.Invalid("origin", "coordinates out of range")
	}
	if !(radiusMeters > 0) || math.IsInf(radiusMeters, 0) {
		return models.Invalid("radius", "must be positive")
	}
	if limit <= 0 {
		return models.Invalid("limit", "must be positive")
	}
	return nil
}

// nearestFirst orders by distance, then id, and truncates to limit.
func nearestFirst(in []models.NearbyDriver, limit int) []models.NearbyDriver {
	sort.Slice(in, func(i, j int) bool {
		if in[i].DistanceMeters != in[j].DistanceMeters {
			return in[i].DistanceMeters < in[j].DistanceMeters
		}
		return in[i].ID < in[j].ID
	})
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
