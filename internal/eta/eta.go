package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/models"
)

type Route struct {
	DistanceMeters  float64 `json:"distanceMeters"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Router is the routing collaborator used for trip distance and duration.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedRouter serves repeated lookups from the cache and only stores
// successful routes.
type CachedRouter struct {
	next  Router
	cache *Cache
}

func WithCache(next Router, ttl time.Duration) *CachedRouter {
	return &CachedRouter{next: next, cache: NewCache(ttl)}
}

func (c *CachedRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if v, ok := c.cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.cache.Set(from, to, v)
	return v, nil
}

// HaversineRouter is the straight-line fallback used when no routing engine
// is configured.
type HaversineRouter struct {
	SpeedMps float64
}

func (h HaversineRouter) Route(_ context.Context, from, to models.Coord) (Route, error) {
	if !from.Valid() || !to.Valid() {
		return Route{}, models.Invalid("location", "coordinates out of range")
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: EstimateSeconds(from, to, h.SpeedMps)}, nil
}

// Naive ETA: distance / speed_mps. Used for pickup ETAs on offers.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}
