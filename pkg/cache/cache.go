// Package cache implements the Job Cache: a process-external key-value
// store memoizing terminal job responses and providing per-job mutual
// exclusion via leased locks. Backed by Redis, using the go-redis/redis/v8
// client's `SET key value NX PX ttl` primitive for lock acquisition.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/blobkit/proxy/pkg/breaker"
	"github.com/blobkit/proxy/pkg/types"
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Store is the Job Cache: terminal-response memoization plus leased
// mutual exclusion.
type Store struct {
	rdb     *redis.Client
	breaker *breaker.Breaker
	logger  *log.Logger
}

// New constructs a Store over a Redis connection URL, guarded by the
// cache-store circuit breaker (br may be nil in tests).
func New(redisURL string, br *breaker.Breaker, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[JobCache] ", log.LstdFlags)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	return &Store{rdb: rdb, breaker: br, logger: logger}, nil
}

// allow checks the cache-store breaker, if one was configured, before
// issuing a Redis call.
func (s *Store) allow() error {
	if s.breaker == nil {
		return nil
	}
	if !s.breaker.Allow() {
		return fmt.Errorf("cache-store breaker open")
	}
	return nil
}

// record reports the outcome of a Redis call to the cache-store
// breaker, if one was configured.
func (s *Store) record(err error) {
	if s.breaker == nil {
		return
	}
	if err != nil {
		s.breaker.RecordFailure()
	} else {
		s.breaker.RecordSuccess()
	}
}

// Health pings the Redis connection.
func (s *Store) Health(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func resultKey(jobID string) string { return "blobkit:result:" + jobID }
func lockKey(jobID string) string   { return "blobkit:lock:" + jobID }

// Get returns the memoized terminal response for jobId, or nil if none
// has been written yet.
func (s *Store) Get(ctx context.Context, jobID string) (*types.WriteResponse, error) {
	if err := s.allow(); err != nil {
		return nil, err
	}

	raw, err := s.rdb.Get(ctx, resultKey(jobID)).Bytes()
	if err == redis.Nil {
		s.record(nil)
		return nil, nil
	}
	if err != nil {
		s.record(err)
		return nil, fmt.Errorf("cache get: %w", err)
	}
	s.record(nil)

	var resp types.WriteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &resp, nil
}

// Set writes the terminal response for jobId. Called only after terminal
// success; immutable once written by convention (callers must not Set
// twice for the same jobId).
func (s *Store) Set(ctx context.Context, jobID string, resp *types.WriteResponse, ttl time.Duration) error {
	if err := s.allow(); err != nil {
		return err
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	err = s.rdb.Set(ctx, resultKey(jobID), raw, ttl).Err()
	s.record(err)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// AcquireLock attempts to take the jobId's lease with SET key token NX PX
// ttl, returning the token on success or "" if another worker holds it.
func (s *Store) AcquireLock(ctx context.Context, jobID string, ttl time.Duration) (string, error) {
	if err := s.allow(); err != nil {
		return "", err
	}

	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, lockKey(jobID), token, ttl).Result()
	s.record(err)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases jobId's lease only if token matches the holder,
// using a Lua compare-then-delete so a lock never releases a lease it
// does not own (e.g. after its own TTL expired and another worker
// acquired a fresh one). Always attempted regardless of breaker state:
// a caller releasing its own lease must not be short-circuited.
func (s *Store) ReleaseLock(ctx context.Context, jobID, token string) error {
	if err := s.rdb.Eval(ctx, unlockScript, []string{lockKey(jobID)}, token).Err(); err != nil && err != redis.Nil {
		s.record(err)
		return fmt.Errorf("release lock: %w", err)
	}
	s.record(nil)
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
