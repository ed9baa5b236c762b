package keylock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared between processes. Each lock is a lease: SET NX PX
// with a random token, released only by its holder.
type Redis struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedis builds a lease locker. lease must outlive the longest critical
// section it guards.
func NewRedis(client *redis.Client, lease time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: "calsync:lock:",
		lease:  lease,
		retry:  50 * time.Millisecond,
		logger: logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	fullKey := r.prefix + key

	for {
		acquired, err := r.client.SetNX(ctx, fullKey, token, r.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if acquired {
			break
		}
		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err(); err != nil {
			r.logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
