package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collab-canvas/internal/repository"
	"collab-canvas/internal/tasks"
)

// PersistenceHandler 处理对象写入的重试任务。
type PersistenceHandler struct {
	store  repository.ObjectStore
	logger *logrus.Logger
}

// NewPersistenceHandler 创建 PersistenceHandler 实例。
func NewPersistenceHandler(store repository.ObjectStore, logger *logrus.Logger) *PersistenceHandler {
	if store == nil {
		panic("object store cannot be nil for PersistenceHandler")
	}
	if logger == nil {
		panic("logger cannot be nil for PersistenceHandler")
	}
	return &PersistenceHandler{store: store, logger: logger}
}

// HandleObjectPersist 重放失败的 upsert。upsert 按 (room_id, object_id)
// 幂等覆盖，重复执行是安全的。
func (h *PersistenceHandler) HandleObjectPersist(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ObjectPersistPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// 负载损坏，重试无意义
		return fmt.Errorf("worker: unmarshal object persist payload: %v: %w", err, asynq.SkipRetry)
	}
	obj := payload.Object
	if err := h.store.Upsert(ctx, &obj); err != nil {
		h.logger.WithFields(logrus.Fields{
			"room_id":   obj.RoomID,
			"object_id": obj.ObjectID,
			"revision":  obj.Revision,
			"error":     err.Error(),
		}).Warn("Object persist retry failed, will back off")
		return err
	}
	h.logger.WithFields(logrus.Fields{
		"room_id":   obj.RoomID,
		"object_id": obj.ObjectID,
		"revision":  obj.Revision,
	}).Info("Object persist retry succeeded")
	return nil
}

// HandleObjectDelete 重放失败的删除，删除不存在的行是无害空操作。
func (h *PersistenceHandler) HandleObjectDelete(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ObjectDeletePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("worker: unmarshal object delete payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.store.Delete(ctx, payload.RoomID, payload.ObjectID); err != nil {
		h.logger.WithFields(logrus.Fields{
			"room_id":   payload.RoomID,
			"object_id": payload.ObjectID,
			"error":     err.Error(),
		}).Warn("Object delete retry failed, will back off")
		return err
	}
	return nil
}

// RoomSweepHandler 周期清理长期不活跃的房间及其画布对象。
type RoomSweepHandler struct {
	roomRepo repository.RoomRepository
	store    repository.ObjectStore
	logger   *logrus.Logger
}

// NewRoomSweepHandler 创建 RoomSweepHandler 实例。
func NewRoomSweepHandler(roomRepo repository.RoomRepository, store repository.ObjectStore, logger *logrus.Logger) *RoomSweepHandler {
	if roomRepo == nil || store == nil {
		panic("room repository and object store cannot be nil for RoomSweepHandler")
	}
	if logger == nil {
		panic("logger cannot be nil for RoomSweepHandler")
	}
	return &RoomSweepHandler{roomRepo: roomRepo, store: store, logger: logger}
}

// HandleRoomSweep 删除 last_active 早于阈值的房间，并清理其对象记录。
func (h *RoomSweepHandler) HandleRoomSweep(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("worker: unmarshal room sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.InactiveHours <= 0 {
		payload.InactiveHours = 24 * 7
	}
	cutoff := time.Now().Add(-time.Duration(payload.InactiveHours) * time.Hour)

	ids, err := h.roomRepo.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("worker: sweep inactive rooms: %w", err)
	}
	for _, id := range ids {
		if err := h.store.DeleteRoom(ctx, id); err != nil {
			h.logger.WithFields(logrus.Fields{
				"room_id": id,
				"error":   err.Error(),
			}).Warn("Failed to delete objects of swept room")
		}
	}
	if len(ids) > 0 {
		h.logger.WithFields(logrus.Fields{
			"rooms":  len(ids),
			"cutoff": cutoff.Format(time.RFC3339),
		}).Info("Swept inactive rooms")
	}
	return nil
}
