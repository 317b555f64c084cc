package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EvaluatedHandler 處理評分完成事件
type EvaluatedHandler func(ctx context.Context, ev DebateEvaluatedEvent) error

// StartEvaluatedConsumer 持續消費 debate.evaluated，斷線後以退避重連
// 只有 ctx 被取消時才會返回
func StartEvaluatedConsumer(ctx context.Context, url string, handle EvaluatedHandler) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Printf("evaluated-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, handle)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("evaluated-consumer: consume loop ended: %v; reconnecting", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, handle EvaluatedHandler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(20, 0, false); err != nil {
		log.Printf("evaluated-consumer: set QoS failed: %v", err)
	}
	if _, err := ch.QueueDeclare(QueueDebateEvaluated, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(QueueDebateEvaluated, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := HandleEvaluatedMessage(ctx, d.Body, handle); err != nil {
				log.Printf("evaluated-consumer: handle message failed: %v", err)
				_ = d.Nack(false, false) // 不重新排入，避免死循環
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// HandleEvaluatedMessage 解析訊息並交給 handler
func HandleEvaluatedMessage(ctx context.Context, body []byte, handle EvaluatedHandler) error {
	var ev DebateEvaluatedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.DebateID == 0 {
		return errors.New("missing debate_id")
	}
	return handle(ctx, ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
