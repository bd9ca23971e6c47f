package hub

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/repository"
)

// RegistryConfig 控制房间生命周期参数。
type RegistryConfig struct {
	// EvictionGrace 是最后一个订阅者离开后保留房间的宽限期，
	// 期间有人重新加入则取消驱逐。
	EvictionGrace time.Duration
	// SnapshotTTL 是干净驱逐时写入 Redis 快照的过期时间。
	SnapshotTTL time.Duration
}

func (c *RegistryConfig) applyDefaults() {
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = 30 * time.Second
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 10 * time.Minute
	}
}

// slot 是一个房间在注册中心里的占位。
// joining 统计正在执行 Join 但尚未完成的连接数，
// 驱逐复核时 joining > 0 说明有新订阅者在路上，必须放弃驱逐。
type slot struct {
	hub     *RoomHub
	joining int
	evict   *time.Timer
}

// Registry 维护 roomID 到 RoomHub 的映射，保证任一时刻
// 每个房间至多只有一个存活的权威实例。
type Registry struct {
	mu     sync.Mutex
	rooms  map[uint]*slot
	closed bool

	store  repository.ObjectStore
	state  repository.StateRepository
	retry  RetryEnqueuer
	logger *logrus.Logger
	cfg    RegistryConfig
}

// NewRegistry 创建 Registry 实例。state 与 retry 可以为 nil（测试场景）。
func NewRegistry(store repository.ObjectStore, state repository.StateRepository, retry RetryEnqueuer, cfg RegistryConfig, logger *logrus.Logger) *Registry {
	if store == nil {
		panic("object store cannot be nil for Registry")
	}
	if logger == nil {
		panic("logger cannot be nil for Registry")
	}
	cfg.applyDefaults()
	return &Registry{
		rooms:  make(map[uint]*slot),
		store:  store,
		state:  state,
		retry:  retry,
		logger: logger,
		cfg:    cfg,
	}
}

// Join 找到或创建房间并注册订阅者，返回可直接提交变更的房间句柄。
// 并发的首次加入只会创建一个房间实例；加入会取消待执行的驱逐。
func (r *Registry) Join(ctx context.Context, roomID uint, sub subscriber) (*RoomHub, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		s, ok := r.rooms[roomID]
		if !ok {
			s = &slot{hub: r.newHub(roomID)}
			r.rooms[roomID] = s
		}
		if s.evict != nil {
			// 有人回来了，取消待执行的驱逐
			s.evict.Stop()
			s.evict = nil
		}
		s.joining++
		h := s.hub
		r.mu.Unlock()

		err := h.Join(ctx, sub)

		// 加入失败时回收占位：撞上已停止的实例直接清掉残留映射，
		// 冷启动失败且房间空置时连实例一起停掉，
		// 否则失败的房间会一直挂在映射里
		var orphan *RoomHub
		r.mu.Lock()
		if cur, ok := r.rooms[roomID]; ok && cur.hub == h {
			cur.joining--
			if err == ErrRoomClosed || (err != nil && cur.joining == 0 && h.Subscribers() == 0) {
				delete(r.rooms, roomID)
				if cur.evict != nil {
					cur.evict.Stop()
				}
				orphan = h
			}
		}
		r.mu.Unlock()
		if orphan != nil {
			orphan.Stop()
		}

		if err == nil {
			return h, nil
		}
		if err == ErrRoomClosed {
			// 撞上了刚停掉的实例，映射已清理，重试会建新房间
			continue
		}
		return nil, err
	}
}

// Lookup 返回房间的存活实例，不存在时返回 nil。
func (r *Registry) Lookup(roomID uint) *RoomHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.rooms[roomID]; ok {
		return s.hub
	}
	return nil
}

// Len 返回当前存活的房间数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown 停止所有房间并写出最终快照，用于进程优雅退出。
// 之后的 Join 一律返回 ErrRegistryClosed。
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	slots := make(map[uint]*slot, len(r.rooms))
	for id, s := range r.rooms {
		if s.evict != nil {
			s.evict.Stop()
		}
		slots[id] = s
	}
	r.rooms = make(map[uint]*slot)
	r.mu.Unlock()

	for id, s := range slots {
		final := s.hub.Stop()
		r.writeSnapshot(ctx, id, final)
	}
	r.logger.WithField("rooms", len(slots)).Info("Hub registry shut down")
}

func (r *Registry) newHub(roomID uint) *RoomHub {
	r.logger.WithField("room_id", roomID).Info("Creating room hub")
	return NewRoomHub(roomID, r.store, r.state, r.retry, r.onRoomEmpty, r.logger)
}

// onRoomEmpty 由房间事件循环在最后一个订阅者离开时回调。
// 只安排计时器、不做清理，避免与 Join 的锁序冲突。
func (r *Registry) onRoomEmpty(roomID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[roomID]
	if !ok || s.joining > 0 {
		return
	}
	if s.evict != nil {
		s.evict.Stop()
	}
	h := s.hub
	s.evict = time.AfterFunc(r.cfg.EvictionGrace, func() {
		r.tryEvict(roomID, h)
	})
}

// tryEvict 在宽限期后复核并驱逐房间。
// 复核必须同时满足：映射里仍是同一个实例、没有进行中的 Join、
// 订阅者数为零。Stop 在锁外调用，避免与事件循环的回调死锁。
func (r *Registry) tryEvict(roomID uint, h *RoomHub) {
	r.mu.Lock()
	s, ok := r.rooms[roomID]
	if !ok || s.hub != h || s.joining > 0 || h.Subscribers() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	final := h.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	r.writeSnapshot(ctx, roomID, final)
	r.logger.WithFields(logrus.Fields{
		"room_id": roomID,
		"objects": len(final),
	}).Info("Room hub evicted after grace period")
}

// writeSnapshot 在干净停机/驱逐后把最终状态写入 Redis，
// 下次冷启动可以直接命中缓存而不用回源数据库。
func (r *Registry) writeSnapshot(ctx context.Context, roomID uint, final []domain.CanvasObject) {
	if r.state == nil || final == nil {
		return
	}
	if err := r.state.SetRoomSnapshot(ctx, roomID, final, r.cfg.SnapshotTTL); err != nil {
		r.logger.WithFields(logrus.Fields{
			"room_id": roomID,
			"error":   err.Error(),
		}).Warn("Failed to write room snapshot on eviction")
	}
}
