package hub

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/dto"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeStore 是内存版的 ObjectStore，可注入读写失败。
type fakeStore struct {
	mu         sync.Mutex
	objects    map[string]domain.CanvasObject // key: roomID/objectID
	order      []string
	failWrites bool
	failLoad   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]domain.CanvasObject)}
}

func (s *fakeStore) key(roomID uint, objectID string) string {
	return fmt.Sprintf("%d/%s", roomID, objectID)
}

func (s *fakeStore) Load(ctx context.Context, roomID uint) ([]domain.CanvasObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoad {
		return nil, fmt.Errorf("store unavailable")
	}
	var out []domain.CanvasObject
	for _, k := range s.order {
		obj, ok := s.objects[k]
		if ok && obj.RoomID == roomID {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, obj *domain.CanvasObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return fmt.Errorf("store unavailable")
	}
	k := s.key(obj.RoomID, obj.ObjectID)
	if _, exists := s.objects[k]; !exists {
		s.order = append(s.order, k)
	}
	s.objects[k] = *obj
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, roomID uint, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return fmt.Errorf("store unavailable")
	}
	delete(s.objects, s.key(roomID, objectID))
	return nil
}

func (s *fakeStore) DeleteRoom(ctx context.Context, roomID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, obj := range s.objects {
		if obj.RoomID == roomID {
			delete(s.objects, k)
		}
	}
	return nil
}

func (s *fakeStore) get(roomID uint, objectID string) (domain.CanvasObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[s.key(roomID, objectID)]
	return obj, ok
}

func (s *fakeStore) setFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

func (s *fakeStore) setFailLoad(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLoad = fail
}

// fakeRetry 记录重试入队调用。
type fakeRetry struct {
	mu      sync.Mutex
	upserts []domain.CanvasObject
	deletes []string
}

func (r *fakeRetry) EnqueueUpsert(obj *domain.CanvasObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, *obj)
	return nil
}

func (r *fakeRetry) EnqueueDelete(roomID uint, objectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, objectID)
	return nil
}

func (r *fakeRetry) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upserts)
}

// fakeSub 是同步记录事件的订阅者。
type fakeSub struct {
	id     string
	userID uint
	name   string

	mu     sync.Mutex
	events []*dto.ServerEvent
}

func newFakeSub(id string, userID uint) *fakeSub {
	return &fakeSub{id: id, userID: userID, name: "user-" + id}
}

func (s *fakeSub) ConnID() string      { return s.id }
func (s *fakeSub) UserID() uint        { return s.userID }
func (s *fakeSub) DisplayName() string { return s.name }

func (s *fakeSub) Deliver(event *dto.ServerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

func (s *fakeSub) eventsOfType(eventType string) []*dto.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dto.ServerEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSub) lastSnapshot() *dto.ServerEvent {
	events := s.eventsOfType(dto.EventRoomSnapshot)
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func newTestHub(t *testing.T, store *fakeStore, retry RetryEnqueuer) *RoomHub {
	t.Helper()
	h := NewRoomHub(42, store, nil, retry, nil, testLogger())
	t.Cleanup(func() { h.Stop() })
	return h
}

func rectPayload(id string, x, y float64) *dto.ObjectPayload {
	return &dto.ObjectPayload{
		ID:   id,
		Kind: string(domain.KindRectangle),
		Properties: domain.Properties{
			"x": x, "y": y, "width": 100.0, "height": 50.0,
		},
	}
}

func TestRoomHub_JoinDeliversSnapshotAndPresence(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	require.NoError(t, h.Join(context.Background(), sub1))

	snap := sub1.lastSnapshot()
	require.NotNil(t, snap, "加入后应立即收到快照")
	assert.Empty(t, snap.Objects)
	require.Len(t, snap.Presences, 1)
	assert.Equal(t, "c1", snap.Presences[0].ConnID)

	// 第二个订阅者加入：老订阅者收到 presence-joined，新订阅者的快照含两人
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub2))

	require.Eventually(t, func() bool {
		return len(sub1.eventsOfType(dto.EventPresenceJoined)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "c2", sub1.eventsOfType(dto.EventPresenceJoined)[0].Presence.ConnID)

	snap2 := sub2.lastSnapshot()
	require.NotNil(t, snap2)
	assert.Len(t, snap2.Presences, 2)
	assert.Empty(t, sub2.eventsOfType(dto.EventPresenceJoined), "新订阅者不应收到关于自己的加入事件")
}

func TestRoomHub_AddObjectBroadcastsToOthers(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub1))
	require.NoError(t, h.Join(context.Background(), sub2))

	h.AddObject("c1", rectPayload("o1", 10, 10))

	require.Eventually(t, func() bool {
		return len(sub2.eventsOfType(dto.EventObjectAdded)) == 1
	}, time.Second, 10*time.Millisecond)

	added := sub2.eventsOfType(dto.EventObjectAdded)[0]
	require.NotNil(t, added.Object)
	assert.Equal(t, "o1", added.Object.ID)
	assert.Equal(t, uint(1), added.Object.Revision)
	assert.Equal(t, "c1", added.Object.LastWriterID)

	// 发起方已有乐观状态，不再收到回显
	assert.Empty(t, sub1.eventsOfType(dto.EventObjectAdded))

	// 广播前已持久化
	stored, ok := store.get(42, "o1")
	require.True(t, ok)
	assert.Equal(t, uint(1), stored.Revision)
}

func TestRoomHub_UpdateMergesPropertiesAndBumpsRevision(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub1))
	require.NoError(t, h.Join(context.Background(), sub2))

	h.AddObject("c1", rectPayload("o1", 10, 10))
	h.UpdateObject("c2", "o1", domain.Properties{"x": 20.0})
	h.UpdateObject("c1", "o1", domain.Properties{"y": 30.0})

	// c2 收到 c1 的两个变更（add + y 更新），c1 收到 c2 的 x 更新
	require.Eventually(t, func() bool {
		return len(sub2.eventsOfType(dto.EventObjectUpdated)) == 1 &&
			len(sub1.eventsOfType(dto.EventObjectUpdated)) == 1
	}, time.Second, 10*time.Millisecond)

	xUpdate := sub1.eventsOfType(dto.EventObjectUpdated)[0]
	assert.Equal(t, uint(2), xUpdate.Revision)
	assert.Equal(t, domain.Properties{"x": 20.0}, xUpdate.Changes)

	yUpdate := sub2.eventsOfType(dto.EventObjectUpdated)[0]
	assert.Equal(t, uint(3), yUpdate.Revision)

	// 两次对不同属性的编辑都存活（属性级 last-write-wins）
	stored, ok := store.get(42, "o1")
	require.True(t, ok)
	assert.Equal(t, uint(3), stored.Revision)
	assert.Equal(t, 20.0, stored.Properties["x"])
	assert.Equal(t, 30.0, stored.Properties["y"])
	assert.Equal(t, "c1", stored.LastWriterID)

	// 后来者的快照反映合并后的最终状态
	sub3 := newFakeSub("c3", 3)
	require.NoError(t, h.Join(context.Background(), sub3))
	snap := sub3.lastSnapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Objects, 1)
	assert.Equal(t, 20.0, snap.Objects[0].Properties["x"])
	assert.Equal(t, 30.0, snap.Objects[0].Properties["y"])
	assert.Equal(t, uint(3), snap.Objects[0].Revision)
}

func TestRoomHub_DuplicateAddRejectedToOriginatorOnly(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub1))
	require.NoError(t, h.Join(context.Background(), sub2))

	h.AddObject("c1", rectPayload("o1", 0, 0))
	h.AddObject("c1", rectPayload("o1", 99, 99))

	require.Eventually(t, func() bool {
		return len(sub1.eventsOfType(dto.EventError)) == 1
	}, time.Second, 10*time.Millisecond)

	errEvent := sub1.eventsOfType(dto.EventError)[0]
	assert.Equal(t, CodeDuplicateID, errEvent.Code)

	// 其他订阅者只看到第一次 add，错误不外泄
	assert.Len(t, sub2.eventsOfType(dto.EventObjectAdded), 1)
	assert.Empty(t, sub2.eventsOfType(dto.EventError))

	// 房间状态未被第二次 add 污染
	stored, _ := store.get(42, "o1")
	assert.Equal(t, 0.0, stored.Properties["x"])
}

func TestRoomHub_UpdateUnknownObjectRejected(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	require.NoError(t, h.Join(context.Background(), sub1))

	h.UpdateObject("c1", "ghost", domain.Properties{"x": 1.0})

	require.Eventually(t, func() bool {
		return len(sub1.eventsOfType(dto.EventError)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, CodeNotFound, sub1.eventsOfType(dto.EventError)[0].Code)
}

func TestRoomHub_RemoveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub1))
	require.NoError(t, h.Join(context.Background(), sub2))

	h.AddObject("c1", rectPayload("o1", 0, 0))
	h.RemoveObject("c1", "o1")
	// 重复删除与删除不存在的 id 都是无害空操作
	h.RemoveObject("c1", "o1")
	h.RemoveObject("c2", "never-existed")

	require.Eventually(t, func() bool {
		return len(sub2.eventsOfType(dto.EventObjectRemoved)) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, sub1.eventsOfType(dto.EventError))
	assert.Empty(t, sub2.eventsOfType(dto.EventError))
	assert.Empty(t, sub1.eventsOfType(dto.EventObjectRemoved), "空操作不应产生广播，发起方也不收回显")

	_, exists := store.get(42, "o1")
	assert.False(t, exists)
}

func TestRoomHub_ColdStartLoadsFromStore(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert(context.Background(), &domain.CanvasObject{
		RoomID: 42, ObjectID: "a", Kind: domain.KindText,
		Properties: domain.Properties{"x": 1.0, "y": 2.0, "text": "hi"},
		Revision:   4, LastWriterID: "old-conn",
	}))
	require.NoError(t, store.Upsert(context.Background(), &domain.CanvasObject{
		RoomID: 42, ObjectID: "b", Kind: domain.KindCircle,
		Properties: domain.Properties{"x": 3.0, "y": 4.0, "radius": 5.0},
		Revision:   1, LastWriterID: "old-conn",
	}))

	h := newTestHub(t, store, nil)
	sub := newFakeSub("c1", 1)
	require.NoError(t, h.Join(context.Background(), sub))

	snap := sub.lastSnapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Objects, 2)
	// 持久层的插入顺序在快照中保持
	assert.Equal(t, "a", snap.Objects[0].ID)
	assert.Equal(t, uint(4), snap.Objects[0].Revision)
	assert.Equal(t, "b", snap.Objects[1].ID)
}

func TestRoomHub_PersistFailureKeepsServingAndEnqueuesRetry(t *testing.T) {
	store := newFakeStore()
	store.setFailWrites(true)
	retry := &fakeRetry{}
	h := newTestHub(t, store, retry)

	sub1 := newFakeSub("c1", 1)
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub1))
	require.NoError(t, h.Join(context.Background(), sub2))

	h.AddObject("c1", rectPayload("o1", 7, 7))

	// 持久化失败不回滚：其他订阅者照常收到事件，失败的写进入重试队列
	require.Eventually(t, func() bool {
		return len(sub2.eventsOfType(dto.EventObjectAdded)) == 1 && retry.upsertCount() == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "o1", retry.upserts[0].ObjectID)
	assert.Empty(t, sub1.eventsOfType(dto.EventError), "持久化失败不作为业务错误报给发起方")

	// 房间继续用内存缓存服务：后续更新仍然有效
	h.UpdateObject("c2", "o1", domain.Properties{"x": 8.0})
	require.Eventually(t, func() bool {
		return len(sub1.eventsOfType(dto.EventObjectUpdated)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint(2), sub1.eventsOfType(dto.EventObjectUpdated)[0].Revision)
}

func TestRoomHub_CursorMoveFansOutToOthers(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub1))
	require.NoError(t, h.Join(context.Background(), sub2))

	h.CursorMove("c1", 33, 44)

	require.Eventually(t, func() bool {
		return len(sub2.eventsOfType(dto.EventCursorMoved)) == 1
	}, time.Second, 10*time.Millisecond)

	moved := sub2.eventsOfType(dto.EventCursorMoved)[0]
	require.NotNil(t, moved.Presence)
	assert.Equal(t, "c1", moved.Presence.ConnID)
	assert.Equal(t, 33.0, moved.Presence.X)
	assert.Equal(t, 44.0, moved.Presence.Y)
	assert.Empty(t, sub1.eventsOfType(dto.EventCursorMoved), "光标事件不回显给发起方")

	// 光标从不落库
	_, exists := store.get(42, "c1")
	assert.False(t, exists)
}

func TestRoomHub_LeaveBroadcastsPresenceLeft(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	sub1 := newFakeSub("c1", 1)
	sub2 := newFakeSub("c2", 2)
	require.NoError(t, h.Join(context.Background(), sub1))
	require.NoError(t, h.Join(context.Background(), sub2))

	h.Leave("c2")

	require.Eventually(t, func() bool {
		return len(sub1.eventsOfType(dto.EventPresenceLeft)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "c2", sub1.eventsOfType(dto.EventPresenceLeft)[0].Presence.ConnID)
	assert.Equal(t, 1, h.Subscribers())

	// 重复 leave 是无害空操作
	h.Leave("c2")
	assert.Equal(t, 1, h.Subscribers())
}

func TestRoomHub_StopReturnsFinalObjects(t *testing.T) {
	store := newFakeStore()
	h := NewRoomHub(42, store, nil, nil, nil, testLogger())

	sub := newFakeSub("c1", 1)
	require.NoError(t, h.Join(context.Background(), sub))
	h.AddObject("c1", rectPayload("o1", 1, 1))
	h.AddObject("c1", rectPayload("o2", 2, 2))

	require.Eventually(t, func() bool {
		_, ok := store.get(42, "o2")
		return ok
	}, time.Second, 10*time.Millisecond)

	final := h.Stop()
	require.Len(t, final, 2)
	assert.Equal(t, "o1", final[0].ObjectID)
	assert.Equal(t, "o2", final[1].ObjectID)

	// 停止后的调用返回 ErrRoomClosed / 被静默丢弃
	err := h.Join(context.Background(), newFakeSub("c9", 9))
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.Nil(t, h.Stop())
}

func TestRoomHub_JoinRacingStopReturnsPromptly(t *testing.T) {
	store := newFakeStore()

	// Join 与 Stop 并发竞争：指令可能在事件循环退出后才入队，
	// 调用方必须拿到 ErrRoomClosed 而不是永远等回执
	for i := 0; i < 25; i++ {
		h := NewRoomHub(42, store, nil, nil, nil, testLogger())
		joined := make(chan error, 1)
		go func() {
			joined <- h.Join(context.Background(), newFakeSub("c1", 1))
		}()
		h.Stop()

		select {
		case err := <-joined:
			if err != nil {
				assert.ErrorIs(t, err, ErrRoomClosed)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("对已停止房间的 Join 不应悬挂")
		}
	}
}

func TestRoomHub_CanceledJoinLeavesNoPhantomSubscriber(t *testing.T) {
	store := newFakeStore()
	h := newTestHub(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		sub := newFakeSub(fmt.Sprintf("c%d", i), uint(i+1))
		if err := h.Join(ctx, sub); err == nil {
			// 个别加入可能赶在取消生效前完成，正常离开即可
			h.Leave(sub.ConnID())
		} else {
			assert.ErrorIs(t, err, context.Canceled)
		}
	}

	// 被取消的加入不能留下幽灵订阅者
	require.Eventually(t, func() bool {
		return h.Subscribers() == 0
	}, time.Second, 10*time.Millisecond)
}
