package dto

import "collab-canvas/internal/domain"

// 客户端 → 服务端的事件类型。
const (
	EventAddObject    = "add-object"
	EventUpdateObject = "update-object"
	EventRemoveObject = "remove-object"
	EventCursorMove   = "cursor-move"
	EventLeaveRoom    = "leave-room"
)

// 服务端 → 客户端的事件类型。
const (
	EventRoomSnapshot   = "room-snapshot"
	EventObjectAdded    = "object-added"
	EventObjectUpdated  = "object-updated"
	EventObjectRemoved  = "object-removed"
	EventPresenceJoined = "presence-joined"
	EventPresenceLeft   = "presence-left"
	EventCursorMoved    = "cursor-moved"
	EventError          = "error"
)

// ClientEvent 表示从客户端 WebSocket 消息解析出的一个操作。
type ClientEvent struct {
	Type     string            `json:"type"`
	Object   *ObjectPayload    `json:"object,omitempty"`   // add-object
	ObjectID string            `json:"objectId,omitempty"` // update-object / remove-object
	Changes  domain.Properties `json:"changes,omitempty"`  // update-object
	X        float64           `json:"x,omitempty"`        // cursor-move
	Y        float64           `json:"y,omitempty"`
}

// ObjectPayload 是画布对象在 wire 上的表示。
// Revision 和 LastWriterID 由服务端填写，客户端提交时会被忽略。
type ObjectPayload struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Properties   domain.Properties `json:"properties"`
	Revision     uint              `json:"revision,omitempty"`
	LastWriterID string            `json:"lastWriterId,omitempty"`
}

// ObjectFromDomain 将数据库模型转换为 wire 表示。
func ObjectFromDomain(obj *domain.CanvasObject) ObjectPayload {
	return ObjectPayload{
		ID:           obj.ObjectID,
		Kind:         string(obj.Kind),
		Properties:   obj.Properties,
		Revision:     obj.Revision,
		LastWriterID: obj.LastWriterID,
	}
}

// PresenceInfo 是在场信息在 wire 上的表示。
type PresenceInfo struct {
	ConnID      string  `json:"connId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

// PresenceFromDomain 将在场条目转换为 wire 表示。
func PresenceFromDomain(e *domain.PresenceEntry) PresenceInfo {
	return PresenceInfo{
		ConnID:      e.ConnID,
		DisplayName: e.DisplayName,
		Color:       e.Color,
		X:           e.X,
		Y:           e.Y,
	}
}

// ServerEvent 表示要发送给客户端的一个事件。
// 不同事件类型只填充对应的字段，序列化时省略空字段。
type ServerEvent struct {
	Type      string            `json:"type"`
	Seq       uint64            `json:"seq,omitempty"` // 房间内单调递增的事件序号，只有对象变更事件携带
	Object    *ObjectPayload    `json:"object,omitempty"`
	ObjectID  string            `json:"objectId,omitempty"`
	Changes   domain.Properties `json:"changes,omitempty"`
	Revision  uint              `json:"revision,omitempty"`
	Objects   []ObjectPayload   `json:"objects,omitempty"`   // room-snapshot
	Presences []PresenceInfo    `json:"presences,omitempty"` // room-snapshot
	Presence  *PresenceInfo     `json:"presence,omitempty"`  // presence-* / cursor-moved
	Code      string            `json:"code,omitempty"`      // error
	Message   string            `json:"message,omitempty"`   // error
}

// IsCursor 报告该事件是否为可丢弃的光标事件。
// 光标事件是尽力而为的瞬时广播，出站队列满时可以丢弃；
// 对象变更事件必须送达，不可丢弃。
func (e *ServerEvent) IsCursor() bool {
	return e.Type == EventCursorMoved
}
