package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
	"mailhub_server/pkg/cache"
)

// CachedSettingsAdapter wraps AutomationSettingsAdapter with Redis caching.
// 파이프라인이 스윕마다 사용자 설정을 읽으므로 짧게 캐싱합니다.
type CachedSettingsAdapter struct {
	delegate *AutomationSettingsAdapter
	cache    *cache.RedisCache
	ttl      time.Duration
}

func NewCachedSettingsAdapter(delegate *AutomationSettingsAdapter, redisCache *cache.RedisCache) *CachedSettingsAdapter {
	return &CachedSettingsAdapter{
		delegate: delegate,
		cache:    redisCache,
		ttl:      5 * time.Minute,
	}
}

func settingsCacheKey(userID uuid.UUID) string {
	return fmt.Sprintf("automation:settings:%s", userID.String())
}

// GetByUserID returns stored settings, or defaults when none exist.
func (a *CachedSettingsAdapter) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.AutomationSettings, error) {
	key := settingsCacheKey(userID)

	var settings domain.AutomationSettings
	found, err := a.cache.GetJSON(ctx, key, &settings)
	if err == nil && found {
		return &settings, nil
	}

	result, err := a.delegate.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	_ = a.cache.SetJSON(ctx, key, result, a.ttl)
	return result, nil
}

// Invalidate drops the cached settings for a user. 설정 변경 API가 호출합니다.
func (a *CachedSettingsAdapter) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return a.cache.Delete(ctx, settingsCacheKey(userID))
}
