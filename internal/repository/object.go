package repository

import (
	"context"

	"collab-canvas/internal/domain"
)

// ObjectStore 定义画布对象的持久化操作，是房间的持久数据源。
// RoomHub 在冷启动时 Load，每次接受变更后 Upsert/Delete。
// 同一房间的写操作由 RoomHub 串行发起，不会乱序到达；
// 不同房间的写操作可以并发。
type ObjectStore interface {
	// Load 按插入顺序返回房间的全部对象。房间不存在时返回空列表。
	Load(ctx context.Context, roomID uint) ([]domain.CanvasObject, error)

	// Upsert 写入或覆盖一条对象记录，按 (roomID, objectID) 定位。
	Upsert(ctx context.Context, obj *domain.CanvasObject) error

	// Delete 删除一条对象记录。记录不存在时不报错（删除是幂等的）。
	Delete(ctx context.Context, roomID uint, objectID string) error

	// DeleteRoom 删除房间的全部对象记录，供周期清理任务使用。
	DeleteRoom(ctx context.Context, roomID uint) error
}
