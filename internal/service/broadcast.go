package service

import (
	"fmt"
	"log"
	"time"

	"debate_engine/internal/models"
)

// 推送給前端的事件類型
const (
	EventPresenceRoster            = "presence_roster"
	EventConnectionUnstable        = "connection_unstable"
	EventDebateStarted             = "debate_started"
	EventTurnAdvanced              = "turn_advanced"
	EventDebateCompleted           = "debate_completed"
	EventEarlyTerminationRequested = "early_termination_requested"
	EventEarlyTerminationAgreed    = "early_termination_agreed"
	EventEarlyTerminationDeclined  = "early_termination_declined"
	EventEarlyTerminationExpired   = "early_termination_expired"
)

// Event 廣播到頻道的訊息
type Event struct {
	Type      string                 `json:"type"`
	Channel   string                 `json:"channel"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Broadcaster 把事件推送到訂閱某頻道的客戶端
type Broadcaster interface {
	Broadcast(channel string, event Event) error
}

// DebateChannel 辯論事件的頻道
func DebateChannel(debateID uint) string {
	return fmt.Sprintf("private-debate.%d", debateID)
}

func newEvent(eventType string, data map[string]interface{}) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// safeBroadcast 廣播失敗只記錄，不影響已提交的狀態
func safeBroadcast(b Broadcaster, channel string, event Event) {
	if b == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("broadcast: panic channel=%s type=%s: %v", channel, event.Type, r)
		}
	}()
	event.Channel = channel
	if err := b.Broadcast(channel, event); err != nil {
		log.Printf("broadcast: failed channel=%s type=%s: %v", channel, event.Type, err)
	}
}

func turnAdvancedEvent(d *models.Debate) Event {
	return newEvent(EventTurnAdvanced, map[string]interface{}{
		"debate_id":     d.ID,
		"current_turn":  d.CurrentTurn,
		"turn_end_time": d.TurnEndTime,
	})
}

func debateStartedEvent(d *models.Debate) Event {
	return newEvent(EventDebateStarted, map[string]interface{}{
		"debate_id":     d.ID,
		"room_id":       d.RoomID,
		"current_turn":  d.CurrentTurn,
		"turn_end_time": d.TurnEndTime,
	})
}

func debateCompletedEvent(d *models.Debate) Event {
	return newEvent(EventDebateCompleted, map[string]interface{}{
		"debate_id":        d.ID,
		"room_id":          d.RoomID,
		"early_terminated": d.EarlyTerminated,
	})
}

func rosterEvent(c models.ConnectionContext, userIDs []uint) Event {
	return newEvent(EventPresenceRoster, map[string]interface{}{
		"context_type": c.Type,
		"context_id":   c.ID,
		"user_ids":     userIDs,
	})
}
