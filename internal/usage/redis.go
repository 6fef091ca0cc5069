package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares usage across gateway instances. Each series is a sorted
// set scored by unix nanoseconds.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "steward:usage"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

func (s *RedisStore) add(ctx context.Context, key string, at time.Time, member string) error {
	cutoff := at.Add(-s.retention).UnixNano()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("usage redis write %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) members(ctx context.Context, key string, since time.Time) ([]string, error) {
	out, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("usage redis read %s: %w", key, err)
	}
	return out, nil
}

func (s *RedisStore) RecordCall(ctx context.Context, tenantID, agentID, capability string, at time.Time) error {
	return s.add(ctx, s.key("calls", callKey(tenantID, agentID, capability)), at, uuid.NewString())
}

func (s *RedisStore) CallCount(ctx context.Context, tenantID, agentID, capability string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.key("calls", callKey(tenantID, agentID, capability)),
		strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("usage redis count: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) RecordOutcome(ctx context.Context, tenantID, capability string, success bool, at time.Time) error {
	flag := "0"
	if success {
		flag = "1"
	}
	return s.add(ctx, s.key("outcomes", outcomeKey(tenantID, capability)), at, uuid.NewString()+":"+flag)
}

func (s *RedisStore) Outcomes(ctx context.Context, tenantID, capability string, since time.Time) (OutcomeCounts, error) {
	members, err := s.members(ctx, s.key("outcomes", outcomeKey(tenantID, capability)), since)
	if err != nil {
		return OutcomeCounts{}, err
	}
	var counts OutcomeCounts
	for _, m := range members {
		counts.Total++
		if strings.HasSuffix(m, ":0") {
			counts.Failures++
		}
	}
	return counts, nil
}

func (s *RedisStore) RecordSpend(ctx context.Context, tenantID, agentID string, amount float64, at time.Time) error {
	if amount == 0 {
		return nil
	}
	member := uuid.NewString() + ":" + strconv.FormatFloat(amount, 'f', -1, 64)
	if err := s.add(ctx, s.key("spend", spendKey(tenantID, "")), at, member); err != nil {
		return err
	}
	if agentID == "" {
		return nil
	}
	return s.add(ctx, s.key("spend", spendKey(tenantID, agentID)), at, member)
}

func (s *RedisStore) Spend(ctx context.Context, tenantID, agentID string, since time.Time) (float64, error) {
	members, err := s.members(ctx, s.key("spend", spendKey(tenantID, agentID)), since)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, m := range members {
		idx := strings.LastIndexByte(m, ':')
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseFloat(m[idx+1:], 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}
