package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ObjectKind 表示画布对象的类型。
type ObjectKind string

// 目前支持的对象类型。新增类型时需要同时在 requiredKeys 中补充 schema。
const (
	KindRectangle ObjectKind = "rectangle"
	KindCircle    ObjectKind = "circle"
	KindText      ObjectKind = "text"
	KindImage     ObjectKind = "image"
	KindLine      ObjectKind = "line"
)

// Valid 检查是否为已知的对象类型。
func (k ObjectKind) Valid() bool {
	switch k {
	case KindRectangle, KindCircle, KindText, KindImage, KindLine:
		return true
	}
	return false
}

// Properties 是画布对象的属性集合（几何、颜色、文本内容等）。
// 值为 JSON 标量或嵌套结构，按 key 整体覆盖，不做字符级合并。
type Properties map[string]interface{}

// Clone 返回属性集合的浅拷贝。
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge 返回将 changes 浅合并到 p 之后的新属性集合。
// changes 中未出现的 key 保持原值（属性级 last-write-wins），p 本身不被修改。
func (p Properties) Merge(changes Properties) Properties {
	merged := p.Clone()
	if merged == nil {
		merged = make(Properties, len(changes))
	}
	for k, v := range changes {
		merged[k] = v
	}
	return merged
}

// CanvasObject 表示房间中的一个画布对象（数据库模型）。
// Revision 由该房间的 RoomHub 独占分配，客户端提交的值会被忽略。
type CanvasObject struct {
	ID           uint       `gorm:"primaryKey" json:"-"` // 代理主键，保证 Load 时按插入顺序返回
	RoomID       uint       `gorm:"uniqueIndex:idx_room_object;not null" json:"-"`
	ObjectID     string     `gorm:"uniqueIndex:idx_room_object;size:191;not null" json:"id"`
	Kind         ObjectKind `gorm:"size:50;not null" json:"kind"`
	Properties   Properties `gorm:"type:text;serializer:json;not null" json:"properties"`
	Revision     uint       `gorm:"not null" json:"revision"`
	LastWriterID string     `gorm:"size:191;not null" json:"lastWriterId"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"-"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"-"`
}

// requiredKeys 定义每种对象类型必须携带的属性 key（最小 schema）。
// schema 是开放的：除必需 key 外允许任意附加属性。
var requiredKeys = map[ObjectKind][]string{
	KindRectangle: {"x", "y", "width", "height"},
	KindCircle:    {"x", "y", "radius"},
	KindText:      {"x", "y", "text"},
	KindImage:     {"x", "y", "url"},
	KindLine:      {"points"},
}

// numericKeys 列出出现时必须为数值的几何属性。
var numericKeys = map[string]bool{
	"x": true, "y": true,
	"width": true, "height": true,
	"radius": true, "rotation": true,
	"strokeWidth": true, "fontSize": true,
}

// ValidateProperties 校验属性集合是否满足指定类型的最小 schema。
// 只在 add 时做完整校验；update 的增量走 ValidateChanges。
func ValidateProperties(kind ObjectKind, props Properties) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown object kind %q", kind)
	}
	for _, key := range requiredKeys[kind] {
		if _, ok := props[key]; !ok {
			return fmt.Errorf("object kind %q requires property %q", kind, key)
		}
	}
	return validateValues(props)
}

// ValidateChanges 校验一次 update 携带的增量属性。
// 增量不要求包含全部必需 key，但出现的几何属性必须是数值。
func ValidateChanges(changes Properties) error {
	if len(changes) == 0 {
		return fmt.Errorf("empty property changes")
	}
	return validateValues(changes)
}

func validateValues(props Properties) error {
	for key, val := range props {
		if numericKeys[key] && !isNumeric(val) {
			return fmt.Errorf("property %q must be numeric, got %T", key, val)
		}
	}
	return nil
}

// isNumeric 判断 JSON 解码后的值是否为数值。
// encoding/json 默认解码为 float64，测试代码可能直接构造 int。
func isNumeric(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	}
	return false
}
