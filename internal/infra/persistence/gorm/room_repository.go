package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// FindByID 实现根据房间 ID 查找房间
func (r *GormRoomRepository) FindByID(ctx context.Context, id uint) (*domain.Room, error) {
	var roomData domain.Room
	err := r.db.WithContext(ctx).First(&roomData, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by id %d: %w", id, err)
	}
	return &roomData, nil
}

// FindByInviteCode 实现根据邀请码查找房间
func (r *GormRoomRepository) FindByInviteCode(ctx context.Context, code string) (*domain.Room, error) {
	var roomData domain.Room
	err := r.db.WithContext(ctx).Where("invite_code = ?", code).First(&roomData).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by invite code '%s': %w", code, err)
	}
	return &roomData, nil
}

// Save 实现保存房间信息（创建或更新）
func (r *GormRoomRepository) Save(ctx context.Context, roomData *domain.Room) error {
	result := r.db.WithContext(ctx).Save(roomData)
	err := result.Error
	if err != nil {
		// 唯一约束检查 (MySQL 错误码 1062)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room (id: %d, invite_code: %s): %w", roomData.ID, roomData.InviteCode, err)
	}
	return nil
}

// IsInviteCodeExists 实现检查邀请码是否存在
func (r *GormRoomRepository) IsInviteCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Room{}).Where("invite_code = ?", code).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: count rooms by invite code '%s': %w", code, err)
	}
	return count > 0, nil
}

// Touch 实现更新房间的最后活跃时间
func (r *GormRoomRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&domain.Room{}).
		Where("id = ?", id).
		Update("last_active", at).Error
	if err != nil {
		return fmt.Errorf("gorm: touch room %d: %w", id, err)
	}
	return nil
}

// DeleteInactiveBefore 实现删除长期不活跃的房间并返回其 ID 列表
func (r *GormRoomRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&domain.Room{}).
		Where("last_active < ?", cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list inactive rooms before %v: %w", cutoff, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := r.db.WithContext(ctx).Delete(&domain.Room{}, ids).Error; err != nil {
		return nil, fmt.Errorf("gorm: delete inactive rooms: %w", err)
	}
	return ids, nil
}
