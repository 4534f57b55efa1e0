package security

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so that a pause or blacklist issued
// through one worker is seen by every worker on its next evaluation.
//
// Layout (all under prefix):
//
//	paused            string "1" / "0"
//	blacklist         set of agent addresses
//	defaults          hash max_per_call, rate_limit, window_ms
//	session:<id>      hash max_per_call, rate_limit
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	fallback Limits
}

// NewRedisStore creates a store. fallback is used until defaults are
// written to Redis.
func NewRedisStore(client redis.UniversalClient, prefix string, fallback Limits) *RedisStore {
	if prefix == "" {
		prefix = "helmpay:policy:"
	}
	return &RedisStore{client: client, prefix: prefix, fallback: fallback}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStore) Paused(ctx context.Context) (bool, error) {
	v, err := s.client.Get(ctx, s.key("paused")).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis policy: read pause flag: %w", err)
	}
	return v == "1", nil
}

func (s *RedisStore) SetPaused(ctx context.Context, paused bool) error {
	v := "0"
	if paused {
		v = "1"
	}
	return s.client.Set(ctx, s.key("paused"), v, 0).Err()
}

func (s *RedisStore) IsBlacklisted(ctx context.Context, agent string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("blacklist"), agent).Result()
	if err != nil {
		return false, fmt.Errorf("redis policy: read blacklist: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) SetBlacklisted(ctx context.Context, agent string, blacklisted bool) error {
	if blacklisted {
		return s.client.SAdd(ctx, s.key("blacklist"), agent).Err()
	}
	return s.client.SRem(ctx, s.key("blacklist"), agent).Err()
}

func (s *RedisStore) Blacklist(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key("blacklist")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) Defaults(ctx context.Context) (Limits, error) {
	h, err := s.client.HGetAll(ctx, s.key("defaults")).Result()
	if err != nil {
		return Limits{}, fmt.Errorf("redis policy: read defaults: %w", err)
	}
	l := s.fallback
	if v, ok := h["max_per_call"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Limits{}, fmt.Errorf("redis policy: bad max_per_call %q: %w", v, err)
		}
		l.MaxPerCall = finance.Amount(n)
	}
	if v, ok := h["rate_limit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Limits{}, fmt.Errorf("redis policy: bad rate_limit %q: %w", v, err)
		}
		l.RateLimit = n
	}
	if v, ok := h["window_ms"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Limits{}, fmt.Errorf("redis policy: bad window_ms %q: %w", v, err)
		}
		l.Window = time.Duration(n) * time.Millisecond
	}
	return l, nil
}

func (s *RedisStore) SetDefaults(ctx context.Context, limits Limits) error {
	return s.client.HSet(ctx, s.key("defaults"),
		"max_per_call", int64(limits.MaxPerCall),
		"rate_limit", limits.RateLimit,
		"window_ms", limits.Window.Milliseconds(),
	).Err()
}

func (s *RedisStore) Override(ctx context.Context, sessionID string) (Override, error) {
	h, err := s.client.HGetAll(ctx, s.key("session", sessionID)).Result()
	if err != nil {
		return Override{}, fmt.Errorf("redis policy: read override: %w", err)
	}
	var o Override
	if v, ok := h["max_per_call"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Override{}, fmt.Errorf("redis policy: bad override max_per_call %q: %w", v, err)
		}
		a := finance.Amount(n)
		o.MaxPerCall = &a
	}
	if v, ok := h["rate_limit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Override{}, fmt.Errorf("redis policy: bad override rate_limit %q: %w", v, err)
		}
		o.RateLimit = &n
	}
	return o, nil
}

func (s *RedisStore) SetOverride(ctx context.Context, sessionID string, o Override) error {
	key := s.key("session", sessionID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if o.MaxPerCall != nil {
		pipe.HSet(ctx, key, "max_per_call", int64(*o.MaxPerCall))
	}
	if o.RateLimit != nil {
		pipe.HSet(ctx, key, "rate_limit", *o.RateLimit)
	}
	_, err := pipe.Exec(ctx)
	return err
}
