// Package mocks 提供 repository 接口的 testify mock 实现，供单元测试使用。
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"collab-canvas/internal/domain"
)

// UserRepository 是 repository.UserRepository 的 mock。
type UserRepository struct {
	mock.Mock
}

func (m *UserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if user, ok := args.Get(0).(*domain.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *UserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	args := m.Called(ctx, id)
	if user, ok := args.Get(0).(*domain.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *UserRepository) Save(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

// RoomRepository 是 repository.RoomRepository 的 mock。
type RoomRepository struct {
	mock.Mock
}

func (m *RoomRepository) FindByID(ctx context.Context, id uint) (*domain.Room, error) {
	args := m.Called(ctx, id)
	if room, ok := args.Get(0).(*domain.Room); ok {
		return room, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RoomRepository) FindByInviteCode(ctx context.Context, code string) (*domain.Room, error) {
	args := m.Called(ctx, code)
	if room, ok := args.Get(0).(*domain.Room); ok {
		return room, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *RoomRepository) IsInviteCodeExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *RoomRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *RoomRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]uint, error) {
	args := m.Called(ctx, cutoff)
	if ids, ok := args.Get(0).([]uint); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
