// Package redisq is a jobs.Backend shared by several processes through Redis.
//
// Ids wait in two lists, <prefix>:queue:high and <prefix>:queue:normal, and
// BLPOP on both in that order gives high priority precedence. Admission takes
// <prefix>:lock:<id> with SET NX and a TTL; release deletes the lock only when
// this backend still owns it.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix     = "anidub"
	defaultLockTTL    = 6 * time.Hour
	defaultPopTimeout = time.Second
)

var _ jobs.Backend = (*Backend)(nil)

// releaseScript deletes KEYS[1] only if it holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	Prefix  string
	LockTTL time.Duration
	// PopTimeout bounds one BLPOP round trip so Pop notices cancellation.
	PopTimeout time.Duration
}

type Backend struct {
	client     redis.UniversalClient
	prefix     string
	lockTTL    time.Duration
	popTimeout time.Duration
	owner      string
}

func New(client redis.UniversalClient, opts Options) *Backend {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = defaultPopTimeout
	}
	return &Backend{
		client:     client,
		prefix:     opts.Prefix,
		lockTTL:    opts.LockTTL,
		popTimeout: opts.PopTimeout,
		owner:      uuid.NewString(),
	}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Backend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return New(client, opts), nil
}

func (b *Backend) highKey() string   { return b.prefix + ":queue:high" }
func (b *Backend) normalKey() string { return b.prefix + ":queue:normal" }

func (b *Backend) lockKey(id string) string { return b.prefix + ":lock:" + id }

func (b *Backend) Push(ctx context.Context, id string, priority int) error {
	key := b.normalKey()
	if priority >= jobs.PriorityHigh {
		key = b.highKey()
	}
	return b.client.RPush(ctx, key, id).Err()
}

func (b *Backend) Pop(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := b.client.BLPop(ctx, b.popTimeout, b.highKey(), b.normalKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		// res is [key, value]
		return res[1], nil
	}
}

func (b *Backend) Acquire(ctx context.Context, id string) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.lockKey(id), b.owner, b.lockTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug("Job %s is locked by another worker", id)
	}
	return ok, nil
}

func (b *Backend) Release(ctx context.Context, id string) error {
	return releaseScript.Run(ctx, b.client, []string{b.lockKey(id)}, b.owner).Err()
}

// Held reports whether any process holds the lock of id.
func (b *Backend) Held(ctx context.Context, id string) (bool, error) {
	n, err := b.client.Exists(ctx, b.lockKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Len reports how many ids wait in each priority list.
func (b *Backend) Len(ctx context.Context) (high, normal int64, err error) {
	high, err = b.client.LLen(ctx, b.highKey()).Result()
	if err != nil {
		return 0, 0, err
	}
	normal, err = b.client.LLen(ctx, b.normalKey()).Result()
	return high, normal, err
}

func (b *Backend) Close() error {
	return b.client.Close()
}
