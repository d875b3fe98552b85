package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Reply Budget / Dedup (Redis)
// =============================================================================

const (
	replyBudgetKeyPrefix = "autoreply:budget:"
	replyDedupKeyPrefix  = "autoreply:dedup:"
)

// RedisReplyBudget implements out.ReplyBudget with a per-day INCR counter.
// 키는 사용자와 날짜로 구성되고 이틀 뒤 만료되므로 자정 경계에서 카운터가
// 자연스럽게 0에서 다시 시작합니다.
type RedisReplyBudget struct {
	client *redis.Client
}

func NewRedisReplyBudget(client *redis.Client) *RedisReplyBudget {
	return &RedisReplyBudget{client: client}
}

func replyBudgetKey(userID uuid.UUID, day time.Time) string {
	return replyBudgetKeyPrefix + userID.String() + ":" + day.Format("2006-01-02")
}

func (b *RedisReplyBudget) RepliesSentToday(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	n, err := b.client.Get(ctx, replyBudgetKey(userID, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read reply budget: %w", err)
	}
	return n, nil
}

func (b *RedisReplyBudget) RecordReply(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	key := replyBudgetKey(userID, day)

	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record reply: %w", err)
	}
	return int(incr.Val()), nil
}

// =============================================================================

// RedisReplyDeduper implements out.ReplyDeduper with SETNX claims.
type RedisReplyDeduper struct {
	client *redis.Client
}

func NewRedisReplyDeduper(client *redis.Client) *RedisReplyDeduper {
	return &RedisReplyDeduper{client: client}
}

// Claim returns true exactly once per key until the TTL lapses or the key is
// released.
func (d *RedisReplyDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, replyDedupKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedup key %q: %w", key, err)
	}
	return ok, nil
}

// Release frees a claim after a failed send so the retry can go through.
func (d *RedisReplyDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, replyDedupKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release dedup key %q: %w", key, err)
	}
	return nil
}
