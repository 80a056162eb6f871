package timing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cc-executor/cc-executor/internal/common/config"
	"github.com/cc-executor/cc-executor/internal/common/logger"
)

const keyPrefix = "cc-executor:timing:"

// redisBackend persists duration history as a bounded Redis list per
// fingerprint, refreshed with a TTL on every write.
type redisBackend struct {
	client  *redis.Client
	ttl     time.Duration
	cap     int
	timeout time.Duration
	logger  *logger.Logger
}

func newRedisBackend(cfg config.TimingConfig, log *logger.Logger) (*redisBackend, error) {
	opts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid timing store DSN: %w", err)
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &redisBackend{
		client:  redis.NewClient(opts),
		ttl:     cfg.HistoryTTL(),
		cap:     cfg.SamplesCap,
		timeout: timeout,
		logger:  log,
	}, nil
}

func (r *redisBackend) samples(ctx context.Context, fingerprint string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	values, err := r.client.LRange(ctx, keyPrefix+fingerprint, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(values))
	for _, v := range values {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *redisBackend) append(ctx context.Context, fingerprint string, durationS float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := keyPrefix + fingerprint
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, strconv.FormatFloat(durationS, 'f', 3, 64))
	pipe.LTrim(ctx, key, 0, int64(r.cap-1))
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisBackend) close() error {
	return r.client.Close()
}
