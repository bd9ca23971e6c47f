package hub

import (
	"sync"

	"collab-canvas/internal/dto"
)

const (
	// outboxSoftCap 超过后开始丢弃最旧的光标事件
	outboxSoftCap = 256
	// outboxHardCap 超过后判定连接已死，关闭出站队列
	outboxHardCap = outboxSoftCap * 4
)

// outbox 是单个连接的有界出站队列。
// 写端是 RoomHub 的事件循环，读端是连接的 writePump。
// 队列过载时优先丢弃最旧的光标事件（可由后续事件覆盖），
// 对象事件不可丢弃，积压到硬上限说明连接已经死了，直接关闭。
type outbox struct {
	mu     sync.Mutex
	events []*dto.ServerEvent
	notify chan struct{} // 容量 1，唤醒 writePump
	closed bool
}

func newOutbox() *outbox {
	return &outbox{
		notify: make(chan struct{}, 1),
	}
}

// push 入队一个事件。返回 false 表示队列已关闭或刚被关闭（连接应被丢弃）。
func (o *outbox) push(event *dto.ServerEvent) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.events) >= outboxSoftCap {
		// 软上限之上，先尝试丢最旧的光标事件腾位置
		o.dropOldestCursorLocked()
	}
	if len(o.events) >= outboxHardCap {
		// 全是不可丢弃的对象事件，消费端早已停滞
		o.closed = true
		o.events = nil
		o.mu.Unlock()
		o.wake()
		return false
	}
	o.events = append(o.events, event)
	o.mu.Unlock()
	o.wake()
	return true
}

// drain 取走当前积压的全部事件。队列关闭且排空后 ok 返回 false。
func (o *outbox) drain() (events []*dto.ServerEvent, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	events = o.events
	o.events = nil
	return events, !o.closed || len(events) > 0
}

// close 关闭队列并丢弃积压，幂等
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.events = nil
	o.mu.Unlock()
	o.wake()
}

// wait 返回唤醒通道，writePump 在上面阻塞等待新事件
func (o *outbox) wait() <-chan struct{} {
	return o.notify
}

func (o *outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) dropOldestCursorLocked() {
	for i, e := range o.events {
		if e.IsCursor() {
			o.events = append(o.events[:i], o.events[i+1:]...)
			return
		}
	}
}
