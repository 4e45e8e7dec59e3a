package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-hailing/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index using Redis GEO commands. Positions live in the
// GEO sorted set at key; available driver ids in the set key+":available".
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = "drivers:geo"
	}
	return &RedisIndex{client: client, key: key}
}

func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func (r *RedisIndex) availableKey() string { return r.key + ":available" }

func metaKey(id string) string { return "driver:meta:" + id }

func (r *RedisIndex) UpsertPosition(ctx context.Context, driverID string, loc models.Coord) error {
	if driverID == "" {
		return models.Invalid("driverId", "required")
	}
	if !loc.Valid() {
		return models.Invalid("location", "coordinates out of range")
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
		p.HSet(ctx, metaKey(driverID), "updated", time.Now().UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if driverID == "" {
		return models.Invalid("driverId", "required")
	}
	var err error
	if available {
		err = r.client.SAdd(ctx, r.availableKey(), driverID).Err()
	} else {
		err = r.client.SRem(ctx, r.availableKey(), driverID).Err()
	}
	if err != nil {
		return fmt.Errorf("redis availability %s: %w", driverID, err)
	}
	return nil
}

// QueryNearby searches the radius without a COUNT so that unavailable drivers
// cannot crowd out available ones, then filters and truncates.
func (r *RedisIndex) QueryNearby(ctx context.Context, origin models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	if err := validateQuery(origin, radiusMeters, limit); err != nil {
		return nil, err
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	if len(res) == 0 {
		return []models.NearbyDriver{}, nil
	}

	names := make([]interface{}, len(res))
	for i, g := range res {
		names[i] = g.Name
	}
	avail, err := r.client.SMIsMember(ctx, r.availableKey(), names...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smismember: %w", err)
	}

	out := make([]models.NearbyDriver, 0, limit)
	for i, g := range res {
		if i >= len(avail) || !avail[i] {
			continue
		}
		out = append(out, models.NearbyDriver{
			ID:             g.Name,
			Loc:            models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	return nearestFirst(out, limit), nil
}

// Ping is used by readiness checks.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
