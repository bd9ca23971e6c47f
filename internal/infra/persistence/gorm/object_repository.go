package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collab-canvas/internal/domain"
)

// GormObjectStore 是 ObjectStore 接口的 GORM 实现。
// 每条记录按 (room_id, object_id) 唯一；代理主键保证加载顺序即插入顺序。
type GormObjectStore struct {
	db *gorm.DB
}

// NewGormObjectStore 创建 GormObjectStore 实例
func NewGormObjectStore(db *gorm.DB) *GormObjectStore {
	if db == nil {
		panic("database connection cannot be nil for GormObjectStore")
	}
	return &GormObjectStore{db: db}
}

// Load 实现按插入顺序加载房间的全部对象
func (r *GormObjectStore) Load(ctx context.Context, roomID uint) ([]domain.CanvasObject, error) {
	var objects []domain.CanvasObject
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id asc").
		Find(&objects).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: load objects for room %d: %w", roomID, err)
	}
	return objects, nil
}

// Upsert 实现写入或覆盖一条对象记录。
// 使用 ON CONFLICT / ON DUPLICATE KEY UPDATE，同一 (room_id, object_id)
// 的后写覆盖前写；首次写入时代理主键自增，保持插入顺序。
func (r *GormObjectStore) Upsert(ctx context.Context, obj *domain.CanvasObject) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "room_id"}, {Name: "object_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"kind", "properties", "revision", "last_writer_id", "updated_at",
			}),
		}).
		Create(obj).Error
	if err != nil {
		return fmt.Errorf("gorm: upsert object %q in room %d: %w", obj.ObjectID, obj.RoomID, err)
	}
	return nil
}

// Delete 实现删除一条对象记录（幂等，记录不存在时不报错）
func (r *GormObjectStore) Delete(ctx context.Context, roomID uint, objectID string) error {
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND object_id = ?", roomID, objectID).
		Delete(&domain.CanvasObject{}).Error
	if err != nil {
		return fmt.Errorf("gorm: delete object %q in room %d: %w", objectID, roomID, err)
	}
	return nil
}

// DeleteRoom 实现删除房间的全部对象记录
func (r *GormObjectStore) DeleteRoom(ctx context.Context, roomID uint) error {
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Delete(&domain.CanvasObject{}).Error
	if err != nil {
		return fmt.Errorf("gorm: delete objects for room %d: %w", roomID, err)
	}
	return nil
}
