package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	rds "github.com/chrisgadekar/maharera-scraper/internal/platform/redis"
)

// RedisStore shares tracker state between independent worker processes.
// Claims ride on SETNX with a TTL (atomic check-and-set); done/failed are
// sets; the durable append-only log mirrors every outcome as a JSON entry in
// a list, replayable by external tooling.
type RedisStore struct {
	r        *rds.Service
	ns       string
	workerID string
	claimTTL time.Duration
}

// DefaultClaimTTL bounds how long a crashed worker can hold a unit hostage
// before it becomes claimable again.
const DefaultClaimTTL = 10 * time.Minute

func NewRedisStore(r *rds.Service, namespace, workerID string, claimTTL time.Duration) *RedisStore {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &RedisStore{r: r, ns: namespace, workerID: workerID, claimTTL: claimTTL}
}

func (s *RedisStore) key(parts ...string) string {
	k := "tracker:" + s.ns
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) IsDone(ctx context.Context, unitID string) (bool, error) {
	return s.r.Client().SIsMember(ctx, s.key("done"), unitID).Result()
}

func (s *RedisStore) IsFailed(ctx context.Context, unitID string) (bool, error) {
	return s.r.Client().SIsMember(ctx, s.key("failed"), unitID).Result()
}

func (s *RedisStore) Claim(ctx context.Context, unitID string) (bool, error) {
	done, err := s.IsDone(ctx, unitID)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}
	failed, err := s.IsFailed(ctx, unitID)
	if err != nil {
		return false, err
	}
	if failed {
		return false, nil
	}
	return s.r.Client().SetNX(ctx, s.key("claim", unitID), s.workerID, s.claimTTL).Result()
}

func (s *RedisStore) Release(ctx context.Context, unitID string) error {
	return s.r.Client().Del(ctx, s.key("claim", unitID)).Err()
}

// markFailedScript commits a failed outcome only if the unit is not done.
// Done is final: a straggler whose claim TTL expired must not contradict a
// completion another worker already committed.
var markFailedScript = redisv8.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
	redis.call("DEL", KEYS[4])
	return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("RPUSH", KEYS[3], ARGV[2])
redis.call("DEL", KEYS[4])
return 1
`)

func (s *RedisStore) commit(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if e.Outcome == OutcomeFailed {
		keys := []string{s.key("done"), s.key("failed"), s.key("log"), s.key("claim", e.UnitID)}
		if err := markFailedScript.Run(ctx, s.r.Client(), keys, e.UnitID, b).Err(); err != nil {
			return fmt.Errorf("tracker commit %s/%s: %w", e.UnitID, e.Outcome, err)
		}
		return nil
	}
	pipe := s.r.Client().TxPipeline()
	switch e.Outcome {
	case OutcomeDone:
		pipe.SAdd(ctx, s.key("done"), e.UnitID)
		pipe.SRem(ctx, s.key("failed"), e.UnitID)
	case OutcomeReset:
		pipe.SRem(ctx, s.key("failed"), e.UnitID)
	}
	pipe.RPush(ctx, s.key("log"), b)
	pipe.Del(ctx, s.key("claim", e.UnitID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tracker commit %s/%s: %w", e.UnitID, e.Outcome, err)
	}
	return nil
}

func (s *RedisStore) MarkDone(ctx context.Context, unitID string) error {
	return s.commit(ctx, Entry{UnitID: unitID, Outcome: OutcomeDone, At: time.Now().UTC()})
}

func (s *RedisStore) MarkFailed(ctx context.Context, unitID string, reason string) error {
	return s.commit(ctx, Entry{UnitID: unitID, Outcome: OutcomeFailed, Reason: reason, At: time.Now().UTC()})
}

func (s *RedisStore) ResetFailed(ctx context.Context, unitID string) error {
	return s.commit(ctx, Entry{UnitID: unitID, Outcome: OutcomeReset, At: time.Now().UTC()})
}

func (s *RedisStore) IncrAttempts(ctx context.Context, unitID string) (int, error) {
	n, err := s.r.Client().HIncrBy(ctx, s.key("attempts"), unitID, 1).Result()
	return int(n), err
}

func (s *RedisStore) Attempts(ctx context.Context, unitID string) (int, error) {
	n, err := s.r.Client().HGet(ctx, s.key("attempts"), unitID).Int()
	if errors.Is(err, redisv8.Nil) {
		return 0, nil // missing hash field means zero attempts
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close is a no-op; the underlying redis client is shared.
func (s *RedisStore) Close() error { return nil }
