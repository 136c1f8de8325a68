package lookup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// DefaultKeyPrefix namespaces every key the organism reads.
const DefaultKeyPrefix = "organism"

// RedisStore serves kill switches and trust scores from Redis:
//
//	<prefix>:killswitch:global          "active" | "inactive"
//	<prefix>:killswitch:tenant:<id>     "active" | "inactive"
//	<prefix>:trust                      hash of cell id -> score in [0,1]
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient opens a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisStore) globalKey() string { return s.prefix + ":killswitch:global" }

func (s *RedisStore) tenantKey(tenantID string) string {
	return s.prefix + ":killswitch:tenant:" + tenantID
}

func (s *RedisStore) trustKey() string { return s.prefix + ":trust" }

// KillSwitch reads both switches in one round trip. A missing key is
// inactive; an unrecognised value is an error.
func (s *RedisStore) KillSwitch(ctx context.Context, tenantID string) (contracts.KillSwitchStatus, error) {
	keys := []string{s.globalKey()}
	if tenantID != "" {
		keys = append(keys, s.tenantKey(tenantID))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return contracts.KillSwitchStatus{}, fmt.Errorf("redis mget: %w", err)
	}

	status := contracts.KillSwitchStatus{Global: contracts.KillSwitchInactive, Tenant: contracts.KillSwitchInactive}
	for i, v := range vals {
		state, err := parseSwitch(v)
		if err != nil {
			return contracts.KillSwitchStatus{}, fmt.Errorf("%s: %w", keys[i], err)
		}
		if i == 0 {
			status.Global = state
		} else {
			status.Tenant = state
		}
	}
	return status, nil
}

func parseSwitch(v any) (contracts.KillSwitchState, error) {
	if v == nil {
		return contracts.KillSwitchInactive, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrBadValue, v)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "on", "1", "true":
		return contracts.KillSwitchActive, nil
	case "inactive", "off", "0", "false", "":
		return contracts.KillSwitchInactive, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadValue, s)
}

// SetKillSwitch engages or releases a switch. An empty tenant targets the
// global switch.
func (s *RedisStore) SetKillSwitch(ctx context.Context, tenantID string, state contracts.KillSwitchState) error {
	key := s.globalKey()
	if tenantID != "" {
		key = s.tenantKey(tenantID)
	}
	return s.client.Set(ctx, key, string(state), 0).Err()
}

// Trust returns the trust score of cellID.
func (s *RedisStore) Trust(ctx context.Context, cellID string) (float64, error) {
	raw, err := s.client.HGet(ctx, s.trustKey(), cellID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("trust for %s: %w", cellID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget: %w", err)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > 1 {
		return 0, fmt.Errorf("%w: trust %q for %s", ErrBadValue, raw, cellID)
	}
	return f, nil
}

// SetTrust records a trust score.
func (s *RedisStore) SetTrust(ctx context.Context, cellID string, score float64) error {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return fmt.Errorf("%w: trust %v", ErrBadValue, score)
	}
	return s.client.HSet(ctx, s.trustKey(), cellID, strconv.FormatFloat(score, 'f', -1, 64)).Err()
}
