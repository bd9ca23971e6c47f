package domain

import (
	"hash/fnv"
	"time"
)

// PresenceEntry 表示一个连接在房间内的临时在场信息。
// 只存在于内存中，从不持久化；连接断开后即被移除。
type PresenceEntry struct {
	ConnID      string    `json:"connId"`
	UserID      uint      `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	UpdatedAt   time.Time `json:"-"`
}

// presencePalette 是固定的展示颜色调色板。
// 颜色由连接 ID 哈希决定，同一连接在整个生命周期内颜色稳定，
// 无需在房间内协调分配。
var presencePalette = [...]string{
	"#E6194B", // red
	"#3CB44B", // green
	"#4363D8", // blue
	"#F58231", // orange
	"#911EB4", // purple
	"#42D4F4", // cyan
	"#F032E6", // magenta
	"#9A6324", // brown
}

// PresenceColor 根据连接 ID 确定性地返回展示颜色。
func PresenceColor(connID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return presencePalette[h.Sum32()%uint32(len(presencePalette))]
}
