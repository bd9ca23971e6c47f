package repository

import (
	"context"
	"time"

	"collab-canvas/internal/domain"
)

// RoomRepository 定义了房间数据的存储和检索操作。
type RoomRepository interface {
	// FindByID 根据房间 ID 查找房间。
	// 如果房间不存在，返回 repository.ErrRoomNotFound。
	FindByID(ctx context.Context, id uint) (*domain.Room, error)

	// FindByInviteCode 根据邀请码查找房间。
	// 如果房间不存在，返回 repository.ErrRoomNotFound。
	FindByInviteCode(ctx context.Context, code string) (*domain.Room, error)

	// Save 保存房间信息。
	// 如果房间已存在 (基于 ID)，则更新；否则创建新房间。
	Save(ctx context.Context, room *domain.Room) error

	// IsInviteCodeExists 检查邀请码是否已存在。
	IsInviteCodeExists(ctx context.Context, code string) (bool, error)

	// Touch 更新房间的最后活跃时间。
	Touch(ctx context.Context, id uint, at time.Time) error

	// DeleteInactiveBefore 删除最后活跃时间早于 cutoff 的房间，
	// 返回被删除的房间 ID 列表，供调用方清理关联数据。
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]uint, error)
}
