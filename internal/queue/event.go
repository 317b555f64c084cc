// Package queue 定義透過 RabbitMQ 傳遞的事件與收發實作
package queue

const (
	// QueueDebateCompleted 回合用盡或提前結束，交給評分流程
	QueueDebateCompleted = "debate.completed"
	// QueueDebateEvaluated 評分流程完成後回報
	QueueDebateEvaluated = "debate.evaluated"
	// QueueOpsAlerts 營運告警
	QueueOpsAlerts = "ops.alerts"
)

// DebateCompletedEvent 辯論結束時發佈，評分服務不需再查主資料庫
type DebateCompletedEvent struct {
	DebateID          uint   `json:"debate_id"`
	RoomID            uint   `json:"room_id"`
	AffirmativeUserID uint   `json:"affirmative_user_id"`
	NegativeUserID    uint   `json:"negative_user_id"`
	TurnsPlayed       int    `json:"turns_played"`
	EarlyTerminated   bool   `json:"early_terminated"`
	CompletedAt       string `json:"completed_at"`
}

// DebateEvaluatedEvent 評分完成，房間可以轉為 finished
type DebateEvaluatedEvent struct {
	DebateID uint   `json:"debate_id"`
	RoomID   uint   `json:"room_id"`
	Winner   string `json:"winner,omitempty"`
}

// AlertEvent 人看得懂的告警訊息
type AlertEvent struct {
	Operation string                 `json:"operation"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	RaisedAt  string                 `json:"raised_at"`
}
