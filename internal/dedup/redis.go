package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces dedup keys in Redis.
const keyPrefix = "dmarc:seen:"

const (
	valuePending = "pending"
	valueDone    = "done"
)

// only delete claims that were not committed in the meantime
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis shares the fingerprint table between several pipeline instances.
// Key expiry takes care of the retention window.
type Redis struct {
	rdb  *redis.Client
	opts Options
}

func NewRedis(rdb *redis.Client, opts Options) *Redis {
	return &Redis{
		rdb:  rdb,
		opts: opts.WithDefaults(),
	}
}

func (r *Redis) CheckAndMark(ctx context.Context, fingerprint string) (Status, error) {
	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := r.rdb.SetNX(ctx, keyPrefix+fingerprint, valuePending, r.opts.Lease).Result()
	if err != nil {
		return New, fmt.Errorf("dedup SETNX: %w", err)
	}
	if !set {
		return Duplicate, nil
	}
	return New, nil
}

func (r *Redis) Commit(ctx context.Context, fingerprint string) error {
	if err := r.rdb.Set(ctx, keyPrefix+fingerprint, valueDone, r.opts.Retention).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, fingerprint string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{keyPrefix + fingerprint}, valuePending).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
