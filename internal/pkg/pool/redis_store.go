package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis key layout
const (
	// IndexKey is a set of every pool key ever populated.
	IndexKey = "pool:index"
	// memberPrefix + account id is a set of the pools holding that account.
	memberPrefix = "pool:member:"
)

// updateScore rewrites the member's score in every pool that still holds it
// and prunes stale entries from its reverse index.
var updateScore = redis.NewScript(`
local pools = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, key in ipairs(pools) do
	if redis.call("ZSCORE", key, ARGV[1]) then
		redis.call("ZADD", key, ARGV[2], ARGV[1])
		n = n + 1
	else
		redis.call("SREM", KEYS[1], key)
	end
end
return n
`)

var removeMember = redis.NewScript(`
local pools = redis.call("SMEMBERS", KEYS[1])
for _, key in ipairs(pools) do
	redis.call("ZREM", key, ARGV[1])
end
redis.call("DEL", KEYS[1])
return #pools
`)

// RedisStore keeps each pool as a sorted set scored by balance.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func memberKey(accountID uint) string {
	return memberPrefix + strconv.FormatUint(uint64(accountID), 10)
}

func memberName(accountID uint) string {
	return strconv.FormatUint(uint64(accountID), 10)
}

func (s *RedisStore) PopMax(ctx context.Context, key string) (Member, bool, error) {
	res, err := s.client.ZPopMax(ctx, key, 1).Result()
	if err != nil {
		return Member{}, false, fmt.Errorf("pop %s: %w", key, err)
	}
	if len(res) == 0 {
		return Member{}, false, nil
	}

	name, _ := res[0].Member.(string)
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return Member{}, false, fmt.Errorf("pool %s holds invalid member %q", key, name)
	}
	if err := s.client.SRem(ctx, memberKey(uint(id)), key).Err(); err != nil {
		return Member{}, false, fmt.Errorf("unindex member %d: %w", id, err)
	}
	return Member{AccountID: uint(id), Score: res[0].Score}, true, nil
}

func (s *RedisStore) Add(ctx context.Context, key string, members ...Member) error {
	if len(members) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.write(ctx, pipe, key, members)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add to %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, key string, members []Member) {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: memberName(m.AccountID)}
		pipe.SAdd(ctx, memberKey(m.AccountID), key)
	}
	pipe.ZAdd(ctx, key, zs...)
	pipe.SAdd(ctx, IndexKey, key)
}

func (s *RedisStore) Replace(ctx context.Context, key string, members []Member) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(members) > 0 {
			s.write(ctx, pipe, key, members)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Size(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("size of %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) UpdateScore(ctx context.Context, accountID uint, score float64) error {
	err := updateScore.Run(ctx, s.client, []string{memberKey(accountID)}, memberName(accountID), score).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("update score of %d: %w", accountID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, accountID uint) error {
	err := removeMember.Run(ctx, s.client, []string{memberKey(accountID)}, memberName(accountID)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove %d: %w", accountID, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, IndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) SweepEmpty(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		size, err := s.Size(ctx, key)
		if err != nil {
			return n, err
		}
		if size > 0 {
			continue
		}
		if err := s.client.SRem(ctx, IndexKey, key).Err(); err != nil {
			return n, fmt.Errorf("sweep %s: %w", key, err)
		}
		n++
	}
	return n, nil
}
