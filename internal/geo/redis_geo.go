package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-dispatch/internal/models"
)

// RedisGeo implements Positions using Redis GEO commands.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, p models.Point) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: id}).Err()
	if err != nil {
		return fmt.Errorf("geo upsert %s: %w", id, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Point, radius float64) ([]Hit, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:   radius,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{ID: g.Name, Distance: g.Dist})
	}
	return out, nil
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("geo remove %s: %w", id, err)
	}
	return nil
}

var (
	_ Positions = (*RedisGeo)(nil)
	_ Remover   = (*RedisGeo)(nil)
	_ Positions = (*Index)(nil)
	_ Remover   = (*Index)(nil)
)
