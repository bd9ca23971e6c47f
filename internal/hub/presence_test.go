package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/domain"
)

func TestPresenceSet_AddMoveRemove(t *testing.T) {
	p := newPresenceSet()

	e1 := p.add("conn-1", 1, "alice")
	e2 := p.add("conn-2", 2, "bob")
	require.Equal(t, 2, p.len())
	assert.Equal(t, domain.PresenceColor("conn-1"), e1.Color)
	assert.Equal(t, domain.PresenceColor("conn-2"), e2.Color)

	// 移动更新坐标
	moved := p.move("conn-1", 12.5, 40)
	require.NotNil(t, moved)
	assert.Equal(t, 12.5, moved.X)
	assert.Equal(t, 40.0, moved.Y)

	// 移动未知连接返回 nil
	assert.Nil(t, p.move("conn-unknown", 1, 1))

	// 列表按加入顺序
	list := p.list()
	require.Len(t, list, 2)
	assert.Equal(t, "conn-1", list[0].ConnID)
	assert.Equal(t, "conn-2", list[1].ConnID)

	// 移除后不再出现
	removed := p.remove("conn-1")
	require.NotNil(t, removed)
	assert.Equal(t, "alice", removed.DisplayName)
	assert.Nil(t, p.remove("conn-1"))
	assert.Equal(t, 1, p.len())
	assert.Equal(t, "conn-2", p.list()[0].ConnID)
}

func TestPresenceSet_ReaddKeepsSingleEntry(t *testing.T) {
	p := newPresenceSet()
	p.add("conn-1", 1, "alice")
	p.add("conn-1", 1, "alice-renamed")

	assert.Equal(t, 1, p.len())
	assert.Equal(t, "alice-renamed", p.list()[0].DisplayName)
}
