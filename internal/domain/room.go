package domain

import "time"

// Room 表示一个协作画布房间。
// 房间内的对象集合见 CanvasObject；实时订阅关系由 hub 包维护，不落库。
type Room struct {
	ID         uint      `gorm:"primaryKey"`                    // 房间唯一标识符 (主键)
	CreatorID  uint      `gorm:"index;not null"`                // 创建该房间的用户 ID
	InviteCode string    `gorm:"uniqueIndex;size:191;not null"` // 用于加入房间的邀请码，必须唯一
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	LastActive time.Time `gorm:"index"` // 房间最后活跃时间，周期清理任务依据此字段
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}
