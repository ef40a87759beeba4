package services

import (
	"sync"

	"bastion-backend/pkg/types"
)

// EventHub 进度事件分发器
// 投递是尽力而为的：订阅者缓冲满时直接丢弃，消费方通过任务详情接口对账
type EventHub struct {
	mu        sync.Mutex
	listeners []chan types.TaskEvent
}

// NewEventHub 创建事件分发器
func NewEventHub() *EventHub {
	return &EventHub{
		listeners: make([]chan types.TaskEvent, 0),
	}
}

// Subscribe 新建一个订阅通道
func (h *EventHub) Subscribe() chan types.TaskEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan types.TaskEvent, 100)
	h.listeners = append(h.listeners, ch)
	return ch
}

// Unsubscribe 移除订阅并关闭通道
func (h *EventHub) Unsubscribe(ch chan types.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, listener := range h.listeners {
		if listener == ch {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Publish 广播事件到所有订阅者
func (h *EventHub) Publish(event types.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, listener := range h.listeners {
		select {
		case listener <- event:
		default:
			// 订阅者跟不上就丢弃
		}
	}
}
