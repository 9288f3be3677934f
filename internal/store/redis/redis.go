package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// ActiveZSetKey scores each device id by the unix time of its last
// successful vendor call.
const ActiveZSetKey = "tuya_proxy:active_devices"

type Store struct {
	rdb *redis.Client
	l   zerolog.Logger
}

type Config struct {
	Addr string
	DB   int
}

func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Store{rdb: rdb, l: logger}, nil
}

func (s *Store) Close() { _ = s.rdb.Close() }

func (s *Store) TouchActive(ctx context.Context, deviceID string, ts int64) error {
	return s.rdb.ZAdd(ctx, ActiveZSetKey, &redis.Z{
		Score:  float64(ts),
		Member: deviceID,
	}).Err()
}

// GetActive returns devices seen within ttlSeconds of now and prunes older
// entries.
func (s *Store) GetActive(ctx context.Context, now int64, ttlSeconds int64) ([]string, error) {
	min := now - ttlSeconds
	if err := s.rdb.ZRemRangeByScore(ctx, ActiveZSetKey, "0", strconv.FormatInt(min-1, 10)).Err(); err != nil {
		s.l.Warn().Err(err).Msg("prune active devices failed")
	}

	return s.rdb.ZRangeByScore(ctx, ActiveZSetKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: strconv.FormatInt(now, 10),
	}).Result()
}
