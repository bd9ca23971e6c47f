package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/dto"
)

func TestOutbox_PushAndDrain(t *testing.T) {
	o := newOutbox()

	require.True(t, o.push(&dto.ServerEvent{Type: dto.EventObjectAdded}))
	require.True(t, o.push(&dto.ServerEvent{Type: dto.EventCursorMoved}))

	events, ok := o.drain()
	assert.True(t, ok)
	require.Len(t, events, 2)
	assert.Equal(t, dto.EventObjectAdded, events[0].Type)
	assert.Equal(t, dto.EventCursorMoved, events[1].Type)

	// 排空后再取应为空但仍可用
	events, ok = o.drain()
	assert.True(t, ok)
	assert.Empty(t, events)
}

func TestOutbox_DropsOldestCursorWhenFull(t *testing.T) {
	o := newOutbox()

	// 先塞一个光标事件，再用对象事件填到软上限
	require.True(t, o.push(&dto.ServerEvent{Type: dto.EventCursorMoved, ObjectID: "victim"}))
	for i := 1; i < outboxSoftCap; i++ {
		require.True(t, o.push(&dto.ServerEvent{Type: dto.EventObjectUpdated, ObjectID: fmt.Sprintf("obj-%d", i)}))
	}

	// 超过软上限的下一次入队应挤掉最旧的光标事件
	require.True(t, o.push(&dto.ServerEvent{Type: dto.EventObjectUpdated, ObjectID: "last"}))

	events, _ := o.drain()
	for _, e := range events {
		if e.Type == dto.EventCursorMoved {
			t.Fatalf("cursor event should have been dropped, found %+v", e)
		}
	}
	assert.Equal(t, "last", events[len(events)-1].ObjectID)
}

func TestOutbox_ClosesAtHardCap(t *testing.T) {
	o := newOutbox()

	// 全部是不可丢弃的对象事件，填到硬上限
	for i := 0; i < outboxHardCap; i++ {
		require.True(t, o.push(&dto.ServerEvent{Type: dto.EventObjectAdded}))
	}

	// 硬上限之上入队失败并关闭队列
	assert.False(t, o.push(&dto.ServerEvent{Type: dto.EventObjectAdded}))
	assert.False(t, o.push(&dto.ServerEvent{Type: dto.EventCursorMoved}))

	_, ok := o.drain()
	assert.False(t, ok)
}

func TestOutbox_CloseIsIdempotent(t *testing.T) {
	o := newOutbox()
	require.True(t, o.push(&dto.ServerEvent{Type: dto.EventObjectAdded}))

	o.close()
	o.close()

	assert.False(t, o.push(&dto.ServerEvent{Type: dto.EventObjectAdded}))
	events, ok := o.drain()
	assert.False(t, ok)
	assert.Empty(t, events, "关闭时应丢弃积压")
}
