package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
)

// PresenceEventKind presence 事件種類
type PresenceEventKind int

const (
	MemberAdded PresenceEventKind = iota + 1
	MemberRemoved
)

// ParsePresenceEventKind 未知名稱回傳 false（向前相容，直接忽略）
func ParsePresenceEventKind(name string) (PresenceEventKind, bool) {
	switch name {
	case "member_added":
		return MemberAdded, true
	case "member_removed":
		return MemberRemoved, true
	}
	return 0, false
}

// UserID 接受 JSON 數字或字串（presence 服務送的是字串）
type UserID uint

func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*u = 0
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user_id %q", string(b))
	}
	*u = UserID(n)
	return nil
}

// PresenceEvent presence 服務送來的單一事件
type PresenceEvent struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	UserID  UserID `json:"user_id"`
}

var presenceChannelPattern = regexp.MustCompile(`^presence-(room|debate)\.([1-9][0-9]*)$`)

// ParsePresenceChannel 解析 presence-room.<id> / presence-debate.<id>
func ParsePresenceChannel(channel string) (models.ConnectionContext, bool) {
	m := presenceChannelPattern.FindStringSubmatch(channel)
	if m == nil {
		return models.ConnectionContext{}, false
	}
	id, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return models.ConnectionContext{}, false
	}
	return models.ConnectionContext{Type: models.ContextType(m[1]), ID: uint(id)}, true
}

// PresenceOutcome 事件處理結果，方便呼叫端記錄與測試
type PresenceOutcome int

const (
	OutcomeIgnored PresenceOutcome = iota
	OutcomeDropped
	OutcomeSuppressed
	OutcomeNoChange
	OutcomeDisconnected
	OutcomeReconnected
	OutcomeFailed
)

func (o PresenceOutcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeDropped:
		return "dropped"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeNoChange:
		return "no_change"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeReconnected:
		return "reconnected"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// PresenceProcessor 把 presence webhook 分類後交給連線協調器
type PresenceProcessor struct {
	users       repository.UserRepository
	rooms       repository.RoomRepository
	debates     repository.DebateRepository
	coordinator *ConnectionCoordinator
}

func NewPresenceProcessor(users repository.UserRepository, rooms repository.RoomRepository, debates repository.DebateRepository, coordinator *ConnectionCoordinator) *PresenceProcessor {
	return &PresenceProcessor{
		users:       users,
		rooms:       rooms,
		debates:     debates,
		coordinator: coordinator,
	}
}

// ProcessEvent webhook 沒有同步呼叫端，所有錯誤只記錄不外拋
func (p *PresenceProcessor) ProcessEvent(ctx context.Context, ev PresenceEvent) PresenceOutcome {
	kind, ok := ParsePresenceEventKind(ev.Name)
	if !ok {
		return OutcomeIgnored
	}
	cc, ok := ParsePresenceChannel(ev.Channel)
	if !ok {
		return OutcomeIgnored
	}
	userID := uint(ev.UserID)

	exists, err := p.users.ExistsIncludingDeleted(ctx, userID)
	if err != nil {
		log.Printf("presence: user lookup failed user=%d: %v", userID, err)
		return OutcomeFailed
	}
	if !exists {
		log.Printf("presence: dropping %s for unknown user=%d channel=%s", ev.Name, userID, ev.Channel)
		return OutcomeDropped
	}

	status, err := p.contextStatus(ctx, cc)
	if errors.Is(err, repository.ErrNotFound) {
		log.Printf("presence: dropping %s for unknown context=%s", ev.Name, cc)
		return OutcomeDropped
	}
	if err != nil {
		log.Printf("presence: context lookup failed context=%s: %v", cc, err)
		return OutcomeFailed
	}

	switch kind {
	case MemberRemoved:
		if suppressDisconnection(cc, status) {
			return OutcomeSuppressed
		}
		written, err := p.coordinator.HandleDisconnection(ctx, userID, cc)
		return outcomeOf(written, err, OutcomeDisconnected)

	case MemberAdded:
		written, err := p.coordinator.HandleReconnection(ctx, userID, cc)
		return outcomeOf(written, err, OutcomeReconnected)
	}
	return OutcomeIgnored
}

// ProcessEvents 依序處理一批事件
func (p *PresenceProcessor) ProcessEvents(ctx context.Context, events []PresenceEvent) []PresenceOutcome {
	outcomes := make([]PresenceOutcome, 0, len(events))
	for _, ev := range events {
		outcomes = append(outcomes, p.ProcessEvent(ctx, ev))
	}
	return outcomes
}

// ParsePresencePayload 接受單一事件或 {time_ms, events:[...]} 批次
func ParsePresencePayload(body []byte) ([]PresenceEvent, error) {
	var envelope struct {
		TimeMS int64           `json:"time_ms"`
		Events []PresenceEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Events != nil {
		return envelope.Events, nil
	}
	var single PresenceEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []PresenceEvent{single}, nil
}

// contextStatus 回傳情境所屬房間的狀態；辯論情境取其房間
func (p *PresenceProcessor) contextStatus(ctx context.Context, cc models.ConnectionContext) (models.RoomStatus, error) {
	roomID := cc.ID
	if cc.Type == models.ContextDebate {
		debate, err := p.debates.FindByID(ctx, cc.ID)
		if err != nil {
			return "", err
		}
		roomID = debate.RoomID
	}
	room, err := p.rooms.FindByID(ctx, roomID)
	if err != nil {
		return "", err
	}
	return room.Status, nil
}

// suppressDisconnection 辯論已結束後離開、或房間已被刪除（主動離開）都不算斷線
func suppressDisconnection(cc models.ConnectionContext, status models.RoomStatus) bool {
	if cc.Type == models.ContextRoom {
		return status == models.RoomStatusDeleted
	}
	switch status {
	case models.RoomStatusFinished, models.RoomStatusTerminated, models.RoomStatusDeleted:
		return true
	}
	return false
}

func outcomeOf(written *models.ConnectionLog, err error, success PresenceOutcome) PresenceOutcome {
	switch {
	case errors.Is(err, ErrInvalidSubject):
		return OutcomeDropped
	case err != nil:
		return OutcomeFailed
	case written == nil:
		return OutcomeNoChange
	}
	return success
}
