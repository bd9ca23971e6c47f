package hub

import (
	"time"

	"collab-canvas/internal/domain"
)

// presenceSet 维护房间内的在线状态（光标位置、显示名、颜色）。
// 只在 RoomHub 的事件循环内访问，因此不需要加锁。
type presenceSet struct {
	entries map[string]*domain.PresenceEntry // connID -> entry
	order   []string                         // 按加入顺序排列的 connID，保证快照列表稳定
}

func newPresenceSet() *presenceSet {
	return &presenceSet{
		entries: make(map[string]*domain.PresenceEntry),
	}
}

// add 登记一个新连接的在线状态，颜色由 connID 确定性派生
func (p *presenceSet) add(connID string, userID uint, displayName string) *domain.PresenceEntry {
	entry := &domain.PresenceEntry{
		ConnID:      connID,
		UserID:      userID,
		DisplayName: displayName,
		Color:       domain.PresenceColor(connID),
		UpdatedAt:   time.Now(),
	}
	if _, exists := p.entries[connID]; !exists {
		p.order = append(p.order, connID)
	}
	p.entries[connID] = entry
	return entry
}

// remove 移除连接的在线状态，连接不存在时返回 nil
func (p *presenceSet) remove(connID string) *domain.PresenceEntry {
	entry, ok := p.entries[connID]
	if !ok {
		return nil
	}
	delete(p.entries, connID)
	for i, id := range p.order {
		if id == connID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return entry
}

// move 更新连接的光标坐标，连接不存在时返回 nil
func (p *presenceSet) move(connID string, x, y float64) *domain.PresenceEntry {
	entry, ok := p.entries[connID]
	if !ok {
		return nil
	}
	entry.X = x
	entry.Y = y
	entry.UpdatedAt = time.Now()
	return entry
}

// list 按加入顺序返回所有在线状态
func (p *presenceSet) list() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(p.order))
	for _, id := range p.order {
		if entry, ok := p.entries[id]; ok {
			out = append(out, *entry)
		}
	}
	return out
}

func (p *presenceSet) len() int {
	return len(p.entries)
}
