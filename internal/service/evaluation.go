package service

import (
	"context"
	"log"
	"time"

	"debate_engine/internal/models"
	"debate_engine/internal/queue"
)

// Evaluator 評分流程的入口，辯論完成後非同步產生結果
type Evaluator interface {
	RequestEvaluation(ctx context.Context, debate *models.Debate) error
}

// QueueEvaluator 把完成的辯論發佈到 debate.completed
type QueueEvaluator struct {
	publisher EventPublisher
}

func NewQueueEvaluator(publisher EventPublisher) *QueueEvaluator {
	return &QueueEvaluator{publisher: publisher}
}

func (e *QueueEvaluator) RequestEvaluation(ctx context.Context, debate *models.Debate) error {
	completedAt := time.Now().UTC()
	if debate.EndedAt != nil {
		completedAt = *debate.EndedAt
	}
	// 正常完成時 current_turn 已超出賽制一格；提前結束則停在當下回合
	turns := debate.CurrentTurn
	if !debate.EarlyTerminated {
		turns--
	}
	if turns < 0 {
		turns = 0
	}
	return e.publisher.Publish(ctx, queue.QueueDebateCompleted, queue.DebateCompletedEvent{
		DebateID:          debate.ID,
		RoomID:            debate.RoomID,
		AffirmativeUserID: debate.AffirmativeUserID,
		NegativeUserID:    debate.NegativeUserID,
		TurnsPlayed:       turns,
		EarlyTerminated:   debate.EarlyTerminated,
		CompletedAt:       completedAt.Format(time.RFC3339),
	})
}

// LogEvaluator 沒有訊息佇列時使用，只記錄完成的辯論
type LogEvaluator struct{}

func (LogEvaluator) RequestEvaluation(_ context.Context, debate *models.Debate) error {
	log.Printf("evaluation: debate %d completed (early=%t), no queue configured", debate.ID, debate.EarlyTerminated)
	return nil
}
