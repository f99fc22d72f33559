package cache

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/go-redis/redis"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
)

const redisKeyPrefix = "saved-results:"

// Redis persists partitions as JSON arrays under one key per owner, so
// the cache survives process restarts.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Read(ctx context.Context, ownerKey string) ([]v1.SavedResult, error) {
	payload, err := r.client.WithContext(ctx).Get(redisKeyPrefix + ownerKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't read cached results for %s: %w", ownerKey, err)
	}

	var results []v1.SavedResult
	if err := json.Unmarshal([]byte(payload), &results); err != nil {
		return nil, fmt.Errorf("couldn't decode cached results for %s: %w", ownerKey, err)
	}
	return results, nil
}

func (r *Redis) Write(ctx context.Context, ownerKey string, results []v1.SavedResult) error {
	if results == nil {
		results = []v1.SavedResult{}
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("couldn't encode results for %s: %w", ownerKey, err)
	}
	if err := r.client.WithContext(ctx).Set(redisKeyPrefix+ownerKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("couldn't write cached results for %s: %w", ownerKey, err)
	}
	return nil
}

type Options struct {
	redisAddress  string
	redisPassword string
	redisDB       int
}

func (o *Options) Bind(fs *flag.FlagSet) {
	fs.StringVar(&o.redisAddress, "redis-address", "", "Redis address (host:port); empty runs the cache in memory only")
	fs.StringVar(&o.redisPassword, "redis-password", "", "Redis password (falls back to REDIS_PASSWORD)")
	fs.IntVar(&o.redisDB, "redis-db", 0, "Redis database index")
}

func (o *Options) password() string {
	if o.redisPassword != "" {
		return o.redisPassword
	}
	return os.Getenv("REDIS_PASSWORD")
}

// New builds the configured cache: redis-backed when an address was
// given, in-memory otherwise.
func (o *Options) New() (Cache, error) {
	if o.redisAddress == "" {
		return NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     o.redisAddress,
		Password: o.password(),
		DB:       o.redisDB,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("couldn't reach redis at %s: %w", o.redisAddress, err)
	}
	return NewRedis(client), nil
}
