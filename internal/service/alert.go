package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"debate_engine/internal/queue"
)

// 需要告警的操作名稱
const (
	OpDebateDisconnection  = "debate_disconnection"
	OpRoomDisconnection    = "room_disconnection"
	OpDebateReconnection   = "debate_reconnection"
	OpRoomReconnection     = "room_reconnection"
	OpMassiveDisconnection = "massive_disconnection"
	OpGraceExpiry          = "grace_expiry"
)

// EventPublisher 發佈事件到訊息佇列（queue.Publisher 實作此介面）
type EventPublisher interface {
	Publish(ctx context.Context, queueName string, v interface{}) error
}

// Alerter 把嚴重錯誤推送到營運通知頻道
type Alerter interface {
	Alert(ctx context.Context, operation, message string, fields map[string]interface{}) error
}

// LogAlerter 沒有訊息佇列時的退路
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, operation, message string, fields map[string]interface{}) error {
	log.Printf("ALERT op=%s: %s %v", operation, message, fields)
	return nil
}

// QueueAlerter 發佈到 ops.alerts
type QueueAlerter struct {
	publisher EventPublisher
}

func NewQueueAlerter(publisher EventPublisher) *QueueAlerter {
	return &QueueAlerter{publisher: publisher}
}

func (a *QueueAlerter) Alert(ctx context.Context, operation, message string, fields map[string]interface{}) error {
	return a.publisher.Publish(ctx, queue.QueueOpsAlerts, queue.AlertEvent{
		Operation: operation,
		Message:   message,
		Fields:    fields,
		RaisedAt:  time.Now().UTC().Format(time.RFC3339),
	})
}

// criticalAlerts 只轉送設定為 critical 的操作，且告警本身的錯誤或 panic 永遠不外拋
type criticalAlerts struct {
	alerter  Alerter
	critical map[string]bool
}

func newCriticalAlerts(alerter Alerter, operations []string) *criticalAlerts {
	critical := make(map[string]bool, len(operations))
	for _, op := range operations {
		critical[op] = true
	}
	return &criticalAlerts{alerter: alerter, critical: critical}
}

func (c *criticalAlerts) IsCritical(operation string) bool {
	return c.critical[operation]
}

func (c *criticalAlerts) Raise(ctx context.Context, operation string, cause error, fields map[string]interface{}) {
	if c == nil || c.alerter == nil || !c.IsCritical(operation) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("alert: panic while alerting op=%s: %v", operation, r)
		}
	}()
	message := fmt.Sprintf("critical operation %s triggered", operation)
	if cause != nil {
		message = fmt.Sprintf("critical operation %s failed: %v", operation, cause)
	}
	if err := c.alerter.Alert(ctx, operation, message, fields); err != nil {
		log.Printf("alert: failed to send op=%s: %v", operation, err)
	}
}
