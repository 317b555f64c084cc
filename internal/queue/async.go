package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrPublishBufferFull 背景佇列已滿，訊息被丟棄
var ErrPublishBufferFull = errors.New("publish buffer full")

// ErrPublisherClosed 關閉後不再接受訊息
var ErrPublisherClosed = errors.New("publisher closed")

// Sender 同步發佈訊息（Publisher 實作此介面）
type Sender interface {
	Publish(ctx context.Context, queueName string, v interface{}) error
}

type pendingMessage struct {
	queue string
	body  interface{}
}

// AsyncPublisher 把訊息放進緩衝區後立即返回，由單一 goroutine 依序送出
type AsyncPublisher struct {
	next    Sender
	timeout time.Duration
	pending chan pendingMessage
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(next Sender, buffer int, timeout time.Duration) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &AsyncPublisher{
		next:    next,
		timeout: timeout,
		pending: make(chan pendingMessage, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish 不等待 broker；ctx 只在呼叫端取消時生效
func (a *AsyncPublisher) Publish(ctx context.Context, queueName string, v interface{}) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrPublisherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case a.pending <- pendingMessage{queue: queueName, body: v}:
		return nil
	default:
		log.Printf("rabbitmq: dropping message for %s, buffer full", queueName)
		return ErrPublishBufferFull
	}
}

func (a *AsyncPublisher) run() {
	defer close(a.done)
	for m := range a.pending {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, m.queue, m.body); err != nil {
			log.Printf("rabbitmq: async publish to %s failed: %v", m.queue, err)
		}
		cancel()
	}
}

// Close 停止接受新訊息，等緩衝區送完或 ctx 到期
func (a *AsyncPublisher) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.pending)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
