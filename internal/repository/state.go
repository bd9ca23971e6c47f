package repository

import (
	"context"
	"time"

	"collab-canvas/internal/domain"
)

// StateRepository 定义与房间临时状态相关的操作，由 Redis 实现。
type StateRepository interface {
	// === Snapshot Cache ===

	// GetRoomSnapshot 尝试从缓存读取房间的对象列表（按插入顺序）。
	// 缓存未命中时返回 repository.ErrNotFound。
	GetRoomSnapshot(ctx context.Context, roomID uint) ([]domain.CanvasObject, error)

	// SetRoomSnapshot 将房间的对象列表写入缓存。
	// 在房间被驱逐时调用，供下一次冷启动避免数据库往返。
	SetRoomSnapshot(ctx context.Context, roomID uint, objects []domain.CanvasObject, ttl time.Duration) error

	// InvalidateRoomSnapshot 删除房间的缓存快照。
	// RoomHub 在一轮热会话接受第一个变更前调用，保证缓存不会领先于数据库。
	InvalidateRoomSnapshot(ctx context.Context, roomID uint) error

	// === Rate Limiting ===

	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 表示超限。
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
