package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/repository"
)

// fakeState 是内存版的 StateRepository。
type fakeState struct {
	mu        sync.Mutex
	snapshots map[uint][]domain.CanvasObject
}

func newFakeState() *fakeState {
	return &fakeState{snapshots: make(map[uint][]domain.CanvasObject)}
}

func (s *fakeState) GetRoomSnapshot(ctx context.Context, roomID uint) ([]domain.CanvasObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.snapshots[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return objects, nil
}

func (s *fakeState) SetRoomSnapshot(ctx context.Context, roomID uint, objects []domain.CanvasObject, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[roomID] = objects
	return nil
}

func (s *fakeState) InvalidateRoomSnapshot(ctx context.Context, roomID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, roomID)
	return nil
}

func (s *fakeState) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

func (s *fakeState) snapshot(roomID uint) ([]domain.CanvasObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.snapshots[roomID]
	return objects, ok
}

func TestRegistry_ConcurrentJoinsCreateSingleHub(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, nil, nil, RegistryConfig{}, testLogger())
	defer r.Shutdown(context.Background())

	const joiners = 16
	hubs := make([]*RoomHub, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := newFakeSub(string(rune('a'+i)), uint(i+1))
			h, err := r.Join(context.Background(), 7, sub)
			require.NoError(t, err)
			hubs[i] = h
		}(i)
	}
	wg.Wait()

	// 并发首次加入只构造一个房间实例
	assert.Equal(t, 1, r.Len())
	for i := 1; i < joiners; i++ {
		assert.Same(t, hubs[0], hubs[i])
	}
	assert.Equal(t, joiners, hubs[0].Subscribers())
}

func TestRegistry_EvictsRoomAfterGracePeriod(t *testing.T) {
	store := newFakeStore()
	state := newFakeState()
	r := NewRegistry(store, state, nil, RegistryConfig{EvictionGrace: 50 * time.Millisecond}, testLogger())
	defer r.Shutdown(context.Background())

	sub := newFakeSub("c1", 1)
	h, err := r.Join(context.Background(), 7, sub)
	require.NoError(t, err)
	h.AddObject("c1", rectPayload("o1", 1, 2))

	require.Eventually(t, func() bool {
		_, ok := store.get(7, "o1")
		return ok
	}, time.Second, 10*time.Millisecond)

	h.Leave("c1")

	// 宽限期过后房间被驱逐，最终状态写入快照缓存
	require.Eventually(t, func() bool {
		return r.Len() == 0
	}, time.Second, 10*time.Millisecond)

	objects, ok := state.snapshot(7)
	require.True(t, ok, "干净驱逐后应写出快照")
	require.Len(t, objects, 1)
	assert.Equal(t, "o1", objects[0].ObjectID)

	// 驱逐后再加入会重建房间并从快照冷启动
	sub2 := newFakeSub("c2", 2)
	h2, err := r.Join(context.Background(), 7, sub2)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	snap := sub2.lastSnapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Objects, 1)
	assert.Equal(t, "o1", snap.Objects[0].ID)
}

func TestRegistry_RejoinCancelsPendingEviction(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, nil, nil, RegistryConfig{EvictionGrace: 100 * time.Millisecond}, testLogger())
	defer r.Shutdown(context.Background())

	sub1 := newFakeSub("c1", 1)
	h1, err := r.Join(context.Background(), 7, sub1)
	require.NoError(t, err)
	h1.Leave("c1")

	// 宽限期内重新加入必须取消驱逐并命中同一实例
	sub2 := newFakeSub("c2", 2)
	h2, err := r.Join(context.Background(), 7, sub2)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	// 远超宽限期后房间仍然存活
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, h2.Subscribers())
}

func TestRegistry_FailedColdStartDoesNotLeakRoom(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert(context.Background(), &domain.CanvasObject{
		RoomID: 7, ObjectID: "o1", Kind: domain.KindRectangle,
		Properties: domain.Properties{"x": 1.0, "y": 2.0, "width": 3.0, "height": 4.0},
		Revision:   1, LastWriterID: "old-conn",
	}))
	state := newFakeState()
	r := NewRegistry(store, state, nil, RegistryConfig{}, testLogger())
	defer r.Shutdown(context.Background())

	// 数据库不可用，冷启动失败：错误上抛，占位不能残留在映射里
	store.setFailLoad(true)
	_, err := r.Join(context.Background(), 7, newFakeSub("c1", 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomClosed)
	assert.Equal(t, 0, r.Len())

	// 从未加载成功的房间没有可信状态，不能写出空快照盖住库里的对象
	_, cached := state.snapshot(7)
	assert.False(t, cached)

	// 数据库恢复后重新加入，照常从持久层冷启动
	store.setFailLoad(false)
	sub2 := newFakeSub("c2", 2)
	h, err := r.Join(context.Background(), 7, sub2)
	require.NoError(t, err)
	require.NotNil(t, h)
	snap := sub2.lastSnapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Objects, 1)
	assert.Equal(t, "o1", snap.Objects[0].ID)
}

func TestRegistry_JoinAfterShutdownRejected(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, nil, nil, RegistryConfig{}, testLogger())

	_, err := r.Join(context.Background(), 7, newFakeSub("c1", 1))
	require.NoError(t, err)

	r.Shutdown(context.Background())

	// 停机后的加入被拒绝，不会重建房间留下孤儿协程
	_, err = r.Join(context.Background(), 7, newFakeSub("c2", 2))
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_LookupAndShutdown(t *testing.T) {
	store := newFakeStore()
	state := newFakeState()
	r := NewRegistry(store, state, nil, RegistryConfig{}, testLogger())

	assert.Nil(t, r.Lookup(7))

	sub := newFakeSub("c1", 1)
	h, err := r.Join(context.Background(), 7, sub)
	require.NoError(t, err)
	assert.Same(t, h, r.Lookup(7))

	r.Shutdown(context.Background())
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Lookup(7))

	// 停止后的实例拒绝新的加入
	err = h.Join(context.Background(), newFakeSub("c2", 2))
	assert.ErrorIs(t, err, ErrRoomClosed)
}
