package worker

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collab-canvas/internal/domain"
	"collab-canvas/internal/tasks"
)

// AsynqRetryQueue 把持久化失败的写操作入队 asynq 重试。
// 实现 hub.RetryEnqueuer（结构化满足，不直接 import hub 包）。
type AsynqRetryQueue struct {
	client *asynq.Client
	logger *logrus.Logger
}

// NewAsynqRetryQueue 创建重试队列的入队器。
func NewAsynqRetryQueue(client *asynq.Client, logger *logrus.Logger) *AsynqRetryQueue {
	if client == nil {
		panic("asynq client cannot be nil for AsynqRetryQueue")
	}
	if logger == nil {
		panic("logger cannot be nil for AsynqRetryQueue")
	}
	return &AsynqRetryQueue{client: client, logger: logger}
}

// EnqueueUpsert 把失败的 upsert 放入重试队列。
func (q *AsynqRetryQueue) EnqueueUpsert(obj *domain.CanvasObject) error {
	task, err := tasks.NewObjectPersistTask(obj)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(task, asynq.Queue("critical"), asynq.MaxRetry(10))
	if err != nil {
		return fmt.Errorf("worker: enqueue object persist retry: %w", err)
	}
	q.logger.WithFields(logrus.Fields{
		"task_id":   info.ID,
		"room_id":   obj.RoomID,
		"object_id": obj.ObjectID,
		"revision":  obj.Revision,
	}).Info("Enqueued object persist retry")
	return nil
}

// EnqueueDelete 把失败的删除放入重试队列。
func (q *AsynqRetryQueue) EnqueueDelete(roomID uint, objectID string) error {
	task, err := tasks.NewObjectDeleteTask(roomID, objectID)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(task, asynq.Queue("critical"), asynq.MaxRetry(10))
	if err != nil {
		return fmt.Errorf("worker: enqueue object delete retry: %w", err)
	}
	q.logger.WithFields(logrus.Fields{
		"task_id":   info.ID,
		"room_id":   roomID,
		"object_id": objectID,
	}).Info("Enqueued object delete retry")
	return nil
}
