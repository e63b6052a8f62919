package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// redisSlack widens the GEOSEARCH radius: Redis uses a slightly larger Earth
// radius, so results are re-filtered with Within to keep the boundary exact.
const redisSlack = 1.01

// RedisGeo implements Index using Redis GEO commands.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, key)
}

func NewRedisGeoFromClient(c redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, loc models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: id}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", id, err)
	}
	return r.client.HSet(ctx, metaKey(id), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", id, err)
	}
	return r.client.Del(ctx, metaKey(id)).Err()
}

func (r *RedisGeo) Query(ctx context.Context, center models.Coord, radiusKm float64) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm * redisSlack,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		loc := models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		if !Within(center, loc, radiusKm) {
			continue
		}
		out = append(out, Candidate{ID: g.Name, Loc: loc, DistanceKm: DistanceKm(center, loc)})
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func metaKey(id string) string { return "captain:meta:" + id }
