package hub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/dto"
	"collab-canvas/internal/repository"
)

// subscriber 是房间事件的接收方，由 websocket 层的 Client 实现。
// Deliver 必须是非阻塞的（把事件放入有界出站队列），返回 false 表示
// 该连接的队列已关闭，房间会在下一次循环里将其剔除。
type subscriber interface {
	ConnID() string
	UserID() uint
	DisplayName() string
	Deliver(event *dto.ServerEvent) bool
}

// RetryEnqueuer 把持久化失败的写操作放入重试队列。
// 由 worker 包的 asynq 实现满足，接口定义在这里避免循环依赖。
type RetryEnqueuer interface {
	EnqueueUpsert(obj *domain.CanvasObject) error
	EnqueueDelete(roomID uint, objectID string) error
}

// 持久化调用的单次超时。仓库内部的 context 控制写操作的上限，
// 超时后转入异步重试队列，不长期阻塞房间循环。
const persistTimeout = 5 * time.Second

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
	cmdAdd
	cmdUpdate
	cmdRemove
	cmdCursor
)

// command 是发往房间事件循环的一条指令。
// 除 join 外都是发后即忘：错误通过发起方的出站队列送回客户端。
type command struct {
	kind     cmdKind
	sub      subscriber // join
	connID   string
	object   *dto.ObjectPayload // add
	objectID string             // update / remove
	changes  domain.Properties  // update
	x, y     float64            // cursor
	reply    chan error         // join
}

// RoomHub 是单个房间的变更权威：所有对象变更、在场更新都
// 经过它的事件循环串行处理，由它分配版本号并决定广播顺序。
type RoomHub struct {
	roomID uint
	store  repository.ObjectStore
	state  repository.StateRepository
	retry  RetryEnqueuer
	logger *logrus.Logger

	cmds  chan command
	stops chan chan []domain.CanvasObject
	done  chan struct{}

	// onEmpty 在最后一个订阅者离开时回调（注册中心用它启动驱逐计时器）
	onEmpty func(roomID uint)

	// 以下字段只在 run 循环内访问，无需加锁
	subscribers map[string]subscriber
	objects     map[string]*domain.CanvasObject
	order       []string // objectID 按插入顺序，保证快照顺序稳定
	presence    *presenceSet
	seq         uint64
	loaded      bool
	cacheStale  bool // 内存状态领先于 Redis 快照，驱逐前需要重写

	subCount atomic.Int64
}

// NewRoomHub 创建房间并启动其事件循环。
func NewRoomHub(roomID uint, store repository.ObjectStore, state repository.StateRepository, retry RetryEnqueuer, onEmpty func(roomID uint), logger *logrus.Logger) *RoomHub {
	if store == nil {
		panic("object store cannot be nil for RoomHub")
	}
	if logger == nil {
		panic("logger cannot be nil for RoomHub")
	}
	h := &RoomHub{
		roomID:      roomID,
		store:       store,
		state:       state,
		retry:       retry,
		logger:      logger,
		cmds:        make(chan command, 64),
		stops:       make(chan chan []domain.CanvasObject),
		done:        make(chan struct{}),
		onEmpty:     onEmpty,
		subscribers: make(map[string]subscriber),
		objects:     make(map[string]*domain.CanvasObject),
		presence:    newPresenceSet(),
	}
	go h.run()
	return h
}

func (h *RoomHub) RoomID() uint { return h.roomID }

// Subscribers 返回当前订阅者数量，注册中心在驱逐复核时调用。
func (h *RoomHub) Subscribers() int { return int(h.subCount.Load()) }

// --- 公开入口：把调用转成指令投入事件循环 ---

// Join 注册订阅者并通过其出站队列送出房间快照。
// 房间已停止时返回 ErrRoomClosed，注册中心会重建房间。
func (h *RoomHub) Join(ctx context.Context, sub subscriber) error {
	reply := make(chan error, 1)
	cmd := command{kind: cmdJoin, sub: sub, reply: reply}
	select {
	case h.cmds <- cmd:
	case <-h.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// cmds 有缓冲：指令可能在循环退出后才入队，等待回执时
	// 必须同时监听 done，否则会对着已停止的房间永远阻塞
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrRoomClosed
	case <-ctx.Done():
		// 指令可能已被处理，补偿性 leave 撤销幽灵订阅（幂等）
		h.Leave(sub.ConnID())
		return ctx.Err()
	}
}

// Leave 注销订阅者，重复调用是无害的空操作。
func (h *RoomHub) Leave(connID string) {
	h.send(command{kind: cmdLeave, connID: connID})
}

// AddObject 提交新增对象操作，错误经出站队列送回发起方。
func (h *RoomHub) AddObject(connID string, object *dto.ObjectPayload) {
	h.send(command{kind: cmdAdd, connID: connID, object: object})
}

// UpdateObject 提交属性变更操作。
func (h *RoomHub) UpdateObject(connID string, objectID string, changes domain.Properties) {
	h.send(command{kind: cmdUpdate, connID: connID, objectID: objectID, changes: changes})
}

// RemoveObject 提交删除对象操作。
func (h *RoomHub) RemoveObject(connID string, objectID string) {
	h.send(command{kind: cmdRemove, connID: connID, objectID: objectID})
}

// CursorMove 提交光标移动，纯瞬时广播，不持久化。
func (h *RoomHub) CursorMove(connID string, x, y float64) {
	h.send(command{kind: cmdCursor, connID: connID, x: x, y: y})
}

func (h *RoomHub) send(cmd command) {
	select {
	case h.cmds <- cmd:
	case <-h.done:
	}
}

// Stop 终止事件循环并返回最终的对象列表（按插入顺序），
// 供注册中心在干净驱逐时写入快照缓存。幂等。
func (h *RoomHub) Stop() []domain.CanvasObject {
	reply := make(chan []domain.CanvasObject, 1)
	select {
	case h.stops <- reply:
		return <-reply
	case <-h.done:
		return nil
	}
}

// --- 事件循环 ---

func (h *RoomHub) run() {
	log := h.logger.WithFields(logrus.Fields{
		"component": "room_hub",
		"room_id":   h.roomID,
	})
	log.Info("Room hub started")
	for {
		select {
		case cmd := <-h.cmds:
			switch cmd.kind {
			case cmdJoin:
				cmd.reply <- h.handleJoin(cmd.sub)
			case cmdLeave:
				h.handleLeave(cmd.connID)
			case cmdAdd:
				h.handleAdd(cmd.connID, cmd.object)
			case cmdUpdate:
				h.handleUpdate(cmd.connID, cmd.objectID, cmd.changes)
			case cmdRemove:
				h.handleRemove(cmd.connID, cmd.objectID)
			case cmdCursor:
				h.handleCursor(cmd.connID, cmd.x, cmd.y)
			}
		case reply := <-h.stops:
			close(h.done)
			// 给积压的 join 指令回执，调用方不会悬挂
		drain:
			for {
				select {
				case cmd := <-h.cmds:
					if cmd.kind == cmdJoin {
						cmd.reply <- ErrRoomClosed
					}
				default:
					break drain
				}
			}
			// 冷启动从未成功的房间没有可信状态，不产出快照
			var final []domain.CanvasObject
			if h.loaded {
				final = h.objectList()
			}
			log.WithField("objects", len(final)).Info("Room hub stopped")
			reply <- final
			return
		}
	}
}

func (h *RoomHub) handleJoin(sub subscriber) error {
	if err := h.ensureLoaded(); err != nil {
		return err
	}

	connID := sub.ConnID()
	h.subscribers[connID] = sub
	h.subCount.Store(int64(len(h.subscribers)))
	entry := h.presence.add(connID, sub.UserID(), sub.DisplayName())

	// 先向既有订阅者广播加入事件，再给新订阅者发快照，
	// 保证新订阅者不会收到关于自己的 presence-joined
	joined := dto.PresenceFromDomain(entry)
	h.broadcast(&dto.ServerEvent{
		Type:     dto.EventPresenceJoined,
		Presence: &joined,
	}, connID)

	snapshot := &dto.ServerEvent{
		Type:    dto.EventRoomSnapshot,
		Objects: make([]dto.ObjectPayload, 0, len(h.order)),
	}
	for _, obj := range h.objectRefs() {
		snapshot.Objects = append(snapshot.Objects, dto.ObjectFromDomain(obj))
	}
	presences := h.presence.list()
	snapshot.Presences = make([]dto.PresenceInfo, 0, len(presences))
	for i := range presences {
		snapshot.Presences = append(snapshot.Presences, dto.PresenceFromDomain(&presences[i]))
	}
	sub.Deliver(snapshot)

	h.logger.WithFields(logrus.Fields{
		"room_id":     h.roomID,
		"conn_id":     connID,
		"user_id":     sub.UserID(),
		"subscribers": len(h.subscribers),
	}).Info("Subscriber joined room")
	return nil
}

func (h *RoomHub) handleLeave(connID string) {
	if _, ok := h.subscribers[connID]; !ok {
		return
	}
	delete(h.subscribers, connID)
	h.subCount.Store(int64(len(h.subscribers)))

	if entry := h.presence.remove(connID); entry != nil {
		left := dto.PresenceFromDomain(entry)
		h.broadcast(&dto.ServerEvent{
			Type:     dto.EventPresenceLeft,
			Presence: &left,
		}, connID)
	}

	h.logger.WithFields(logrus.Fields{
		"room_id":     h.roomID,
		"conn_id":     connID,
		"subscribers": len(h.subscribers),
	}).Info("Subscriber left room")

	if len(h.subscribers) == 0 && h.onEmpty != nil {
		h.onEmpty(h.roomID)
	}
}

func (h *RoomHub) handleAdd(connID string, payload *dto.ObjectPayload) {
	if payload == nil || payload.ID == "" {
		h.rejectTo(connID, fmt.Errorf("%w: missing object id", ErrInvalidObject))
		return
	}
	kind := domain.ObjectKind(payload.Kind)
	if err := domain.ValidateProperties(kind, payload.Properties); err != nil {
		h.rejectTo(connID, fmt.Errorf("%w: %v", ErrInvalidObject, err))
		return
	}
	if _, exists := h.objects[payload.ID]; exists {
		h.rejectTo(connID, fmt.Errorf("%w: %s", ErrDuplicateID, payload.ID))
		return
	}

	obj := &domain.CanvasObject{
		RoomID:       h.roomID,
		ObjectID:     payload.ID,
		Kind:         kind,
		Properties:   payload.Properties.Clone(),
		Revision:     1,
		LastWriterID: connID,
	}
	h.objects[obj.ObjectID] = obj
	h.order = append(h.order, obj.ObjectID)
	h.markCacheStale()
	h.persistUpsert(obj)

	wire := dto.ObjectFromDomain(obj)
	h.seq++
	h.broadcast(&dto.ServerEvent{
		Type:   dto.EventObjectAdded,
		Seq:    h.seq,
		Object: &wire,
	}, connID)
}

func (h *RoomHub) handleUpdate(connID string, objectID string, changes domain.Properties) {
	if err := domain.ValidateChanges(changes); err != nil {
		h.rejectTo(connID, fmt.Errorf("%w: %v", ErrInvalidObject, err))
		return
	}
	obj, exists := h.objects[objectID]
	if !exists {
		h.rejectTo(connID, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID))
		return
	}

	// 浅合并：changes 里的键覆盖现值，未提及的键保留（属性级 LWW）。
	// 不校验客户端见到的版本号，迟到的编辑静默后写覆盖。
	obj.Properties = obj.Properties.Merge(changes)
	obj.Revision++
	obj.LastWriterID = connID
	h.markCacheStale()
	h.persistUpsert(obj)

	h.seq++
	h.broadcast(&dto.ServerEvent{
		Type:     dto.EventObjectUpdated,
		Seq:      h.seq,
		ObjectID: objectID,
		Changes:  changes,
		Revision: obj.Revision,
	}, connID)
}

func (h *RoomHub) handleRemove(connID string, objectID string) {
	if _, exists := h.objects[objectID]; !exists {
		// 删除不存在的对象是幂等空操作（重连重放安全）
		return
	}
	delete(h.objects, objectID)
	for i, id := range h.order {
		if id == objectID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.markCacheStale()
	h.persistDelete(objectID)

	h.seq++
	h.broadcast(&dto.ServerEvent{
		Type:     dto.EventObjectRemoved,
		Seq:      h.seq,
		ObjectID: objectID,
	}, connID)
}

func (h *RoomHub) handleCursor(connID string, x, y float64) {
	entry := h.presence.move(connID, x, y)
	if entry == nil {
		return
	}
	moved := dto.PresenceFromDomain(entry)
	h.broadcast(&dto.ServerEvent{
		Type:     dto.EventCursorMoved,
		Presence: &moved,
	}, connID)
}

// --- 内部工具 ---

// ensureLoaded 在首个订阅者加入时做冷启动：优先读 Redis 快照，
// 未命中再回源数据库。后续加入者直接复用内存缓存。
func (h *RoomHub) ensureLoaded() error {
	if h.loaded {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var objects []domain.CanvasObject
	var fromCache bool
	if h.state != nil {
		cached, err := h.state.GetRoomSnapshot(ctx, h.roomID)
		if err == nil {
			objects = cached
			fromCache = true
		} else if !errors.Is(err, repository.ErrNotFound) {
			h.logger.WithFields(logrus.Fields{
				"room_id": h.roomID,
				"error":   err.Error(),
			}).Warn("Snapshot cache read failed, falling back to store")
		}
	}
	if !fromCache {
		loaded, err := h.store.Load(ctx, h.roomID)
		if err != nil {
			return fmt.Errorf("hub: load room %d: %w", h.roomID, err)
		}
		objects = loaded
	}

	for i := range objects {
		obj := objects[i]
		h.objects[obj.ObjectID] = &obj
		h.order = append(h.order, obj.ObjectID)
	}
	h.loaded = true
	h.logger.WithFields(logrus.Fields{
		"room_id":    h.roomID,
		"objects":    len(objects),
		"from_cache": fromCache,
	}).Info("Room state loaded")
	return nil
}

// markCacheStale 在本会话的首次变更前删掉 Redis 快照，
// 这样进程崩溃也不会让下次冷启动读到过期缓存。
func (h *RoomHub) markCacheStale() {
	if h.cacheStale || h.state == nil {
		return
	}
	h.cacheStale = true
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.state.InvalidateRoomSnapshot(ctx, h.roomID); err != nil {
		h.logger.WithFields(logrus.Fields{
			"room_id": h.roomID,
			"error":   err.Error(),
		}).Warn("Failed to invalidate room snapshot cache")
	}
}

// persistUpsert 同步等待持久化完成再广播（房间内变更严格按应用顺序落库）。
// 失败时不回滚内存状态：记日志并转入异步重试，房间继续用内存缓存服务。
func (h *RoomHub) persistUpsert(obj *domain.CanvasObject) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	record := *obj
	if err := h.store.Upsert(ctx, &record); err != nil {
		h.logger.WithFields(logrus.Fields{
			"room_id":   h.roomID,
			"object_id": obj.ObjectID,
			"revision":  obj.Revision,
			"error":     err.Error(),
		}).Error("Object upsert failed, enqueueing retry")
		h.enqueueUpsertRetry(obj)
		return
	}
	// 主键回填到缓存，后续 Save 走更新路径
	obj.ID = record.ID
}

func (h *RoomHub) persistDelete(objectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.store.Delete(ctx, h.roomID, objectID); err != nil {
		h.logger.WithFields(logrus.Fields{
			"room_id":   h.roomID,
			"object_id": objectID,
			"error":     err.Error(),
		}).Error("Object delete failed, enqueueing retry")
		if h.retry != nil {
			if enqErr := h.retry.EnqueueDelete(h.roomID, objectID); enqErr != nil {
				h.logger.WithFields(logrus.Fields{
					"room_id":   h.roomID,
					"object_id": objectID,
					"error":     enqErr.Error(),
				}).Error("Failed to enqueue delete retry task")
			}
		}
	}
}

func (h *RoomHub) enqueueUpsertRetry(obj *domain.CanvasObject) {
	if h.retry == nil {
		return
	}
	record := *obj
	record.Properties = obj.Properties.Clone()
	if err := h.retry.EnqueueUpsert(&record); err != nil {
		h.logger.WithFields(logrus.Fields{
			"room_id":   h.roomID,
			"object_id": obj.ObjectID,
			"error":     err.Error(),
		}).Error("Failed to enqueue upsert retry task")
	}
}

// broadcast 把事件推入除 exclude 外所有订阅者的出站队列。
// 推送是非阻塞的，慢订阅者只堵自己的队列，不影响房间循环。
func (h *RoomHub) broadcast(event *dto.ServerEvent, exclude string) {
	var dead []string
	for connID, sub := range h.subscribers {
		if connID == exclude {
			continue
		}
		if !sub.Deliver(event) {
			dead = append(dead, connID)
		}
	}
	for _, connID := range dead {
		h.logger.WithFields(logrus.Fields{
			"room_id": h.roomID,
			"conn_id": connID,
		}).Warn("Dropping subscriber with closed outbound queue")
		h.handleLeave(connID)
	}
}

// rejectTo 把业务错误作为 error 事件送回发起方
func (h *RoomHub) rejectTo(connID string, err error) {
	sub, ok := h.subscribers[connID]
	if !ok {
		return
	}
	sub.Deliver(&dto.ServerEvent{
		Type:    dto.EventError,
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

func (h *RoomHub) objectRefs() []*domain.CanvasObject {
	out := make([]*domain.CanvasObject, 0, len(h.order))
	for _, id := range h.order {
		if obj, ok := h.objects[id]; ok {
			out = append(out, obj)
		}
	}
	return out
}

func (h *RoomHub) objectList() []domain.CanvasObject {
	out := make([]domain.CanvasObject, 0, len(h.order))
	for _, obj := range h.objectRefs() {
		out = append(out, *obj)
	}
	return out
}
