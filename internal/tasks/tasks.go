// Package tasks 定义 asynq 异步任务的类型名和负载结构，
// 供入队方（hub、调度器）和 worker 共享。
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"collab-canvas/internal/domain"
)

const (
	// TypeObjectPersist 重试失败的对象 upsert
	TypeObjectPersist = "object:persist"
	// TypeObjectDelete 重试失败的对象删除
	TypeObjectDelete = "object:delete"
	// TypeRoomSweep 周期清理长期不活跃的房间
	TypeRoomSweep = "room:sweep"
)

// ObjectPersistPayload 携带待重写的对象完整状态。
// 重试执行时直接覆盖写，晚到的旧版本会被后续重试覆盖（upsert 幂等）。
type ObjectPersistPayload struct {
	Object domain.CanvasObject `json:"object"`
}

// ObjectDeletePayload 标识待删除的对象。
type ObjectDeletePayload struct {
	RoomID   uint   `json:"room_id"`
	ObjectID string `json:"object_id"`
}

// RoomSweepPayload 携带清理阈值（单位：小时）。
type RoomSweepPayload struct {
	InactiveHours int `json:"inactive_hours"`
}

// NewObjectPersistTask 创建对象持久化重试任务。
func NewObjectPersistTask(obj *domain.CanvasObject) (*asynq.Task, error) {
	payload, err := json.Marshal(ObjectPersistPayload{Object: *obj})
	if err != nil {
		return nil, fmt.Errorf("tasks: marshal object persist payload: %w", err)
	}
	return asynq.NewTask(TypeObjectPersist, payload), nil
}

// NewObjectDeleteTask 创建对象删除重试任务。
func NewObjectDeleteTask(roomID uint, objectID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ObjectDeletePayload{RoomID: roomID, ObjectID: objectID})
	if err != nil {
		return nil, fmt.Errorf("tasks: marshal object delete payload: %w", err)
	}
	return asynq.NewTask(TypeObjectDelete, payload), nil
}

// NewRoomSweepTask 创建房间清理任务。
func NewRoomSweepTask(inactiveHours int) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomSweepPayload{InactiveHours: inactiveHours})
	if err != nil {
		return nil, fmt.Errorf("tasks: marshal room sweep payload: %w", err)
	}
	return asynq.NewTask(TypeRoomSweep, payload), nil
}
