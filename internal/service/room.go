package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/repository"
)

// RoomService 负责房间管理相关的业务逻辑。
type RoomService struct {
	roomRepo repository.RoomRepository
	logger   *logrus.Logger
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(roomRepo repository.RoomRepository, logger *logrus.Logger) *RoomService {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	if logger == nil {
		panic("logger cannot be nil for RoomService")
	}
	return &RoomService{roomRepo: roomRepo, logger: logger}
}

// CreateRoom 创建一个新房间并生成唯一邀请码。
func (s *RoomService) CreateRoom(ctx context.Context, creatorID uint) (*domain.Room, error) {
	logCtx := s.logger.WithField("creator_id", creatorID)

	inviteCode, err := s.generateUniqueInviteCode(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Failed to generate unique invite code")
		return nil, ErrInternalServer
	}
	logCtx = logCtx.WithField("invite_code", inviteCode)

	room := &domain.Room{
		CreatorID:  creatorID,
		InviteCode: inviteCode,
		LastActive: time.Now(),
	}
	if err := s.roomRepo.Save(ctx, room); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			// 唯一性检查刚通过又撞码，概率极低，视为内部错误
			logCtx.WithError(err).Error("Failed to save new room due to invite code conflict")
			return nil, ErrInternalServer
		}
		logCtx.WithError(err).Error("Failed to save new room to database")
		return nil, ErrInternalServer
	}

	logCtx.WithField("room_id", room.ID).Info("Room created successfully")
	return room, nil
}

// JoinRoom 处理用户通过邀请码加入房间，并刷新房间活跃时间。
func (s *RoomService) JoinRoom(ctx context.Context, userID uint, inviteCode string) (*domain.Room, error) {
	logCtx := s.logger.WithFields(logrus.Fields{"user_id": userID, "invite_code": inviteCode})

	room, err := s.roomRepo.FindByInviteCode(ctx, inviteCode)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.Warn("Failed to find room by invite code: Not found")
			return nil, ErrInvalidInviteCode
		}
		logCtx.WithError(err).Warn("Failed to find room by invite code: Repository error")
		return nil, ErrInternalServer
	}
	if room == nil {
		return nil, ErrInvalidInviteCode
	}
	logCtx = logCtx.WithField("room_id", room.ID)

	// 活跃时间只影响清理策略，更新失败不阻断加入
	if err := s.roomRepo.Touch(ctx, room.ID, time.Now()); err != nil {
		logCtx.WithError(err).Warn("Failed to refresh room last active time")
	}

	logCtx.Info("User joined room successfully")
	return room, nil
}

// FindRoomByID 供 WebSocket Handler 在升级连接前校验房间存在。
func (s *RoomService) FindRoomByID(ctx context.Context, roomID uint) (*domain.Room, error) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		s.logger.WithError(err).WithField("room_id", roomID).Error("FindRoomByID: Repository error")
		return nil, ErrInternalServer
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// --- 私有辅助函数 ---

// generateUniqueInviteCode 生成 6 位邀请码，带碰撞重试。
func (s *RoomService) generateUniqueInviteCode(ctx context.Context) (string, error) {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const codeLength = 6
	const maxAttempts = 10

	b := make([]byte, codeLength)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for i := range b {
			b[i] = letters[int(b[i])%len(letters)]
		}
		code := string(b)

		exists, err := s.roomRepo.IsInviteCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("database error checking invite code: %w", err)
		}
		if !exists {
			return code, nil
		}
		s.logger.WithField("invite_code", code).Warnf("Generated invite code already exists, retrying (attempt %d)...", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique invite code after %d attempts", maxAttempts)
}
