package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/repository"
)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string // Redis key 前缀，方便多环境共用一个实例
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "cc:" // 默认前缀 "cc:" (collab-canvas)
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---

func (r *RedisStateRepository) roomSnapshotKey(roomID uint) string {
	return fmt.Sprintf("%sroom:%d:snapshot", r.keyPrefix, roomID)
}

// --- StateRepository Interface Implementation ---

// GetRoomSnapshot 尝试从缓存读取房间的对象列表。
func (r *RedisStateRepository) GetRoomSnapshot(ctx context.Context, roomID uint) ([]domain.CanvasObject, error) {
	key := r.roomSnapshotKey(roomID)
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 映射为仓库定义的未命中错误
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis: failed to get snapshot for room %d from %s: %w", roomID, key, err)
	}
	var objects []domain.CanvasObject
	if err := json.Unmarshal([]byte(raw), &objects); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal snapshot for room %d from %s: %w", roomID, key, err)
	}
	return objects, nil
}

// SetRoomSnapshot 将房间的对象列表写入缓存。
func (r *RedisStateRepository) SetRoomSnapshot(ctx context.Context, roomID uint, objects []domain.CanvasObject, ttl time.Duration) error {
	key := r.roomSnapshotKey(roomID)
	raw, err := json.Marshal(objects)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal snapshot for room %d: %w", roomID, err)
	}
	// ttl 为 0 表示永不过期
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set snapshot for room %d on key %s: %w", roomID, key, err)
	}
	return nil
}

// InvalidateRoomSnapshot 删除房间的缓存快照。
func (r *RedisStateRepository) InvalidateRoomSnapshot(ctx context.Context, roomID uint) error {
	key := r.roomSnapshotKey(roomID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: failed to invalidate snapshot for room %d on key %s: %w", roomID, key, err)
	}
	return nil
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	// 使用 Pipeline 减少网络往返；INCR 本身是原子的
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, r.keyPrefix+key)
	pipe.Expire(ctx, r.keyPrefix+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", key, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", key, err)
	}
	return count > int64(limit), nil
}
