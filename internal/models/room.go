package models

import (
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidTransition 表示房間狀態轉換不在允許的轉換表內
var ErrInvalidTransition = errors.New("invalid room status transition")

// Room 表示一個辯論房間，最多兩位參與者（正方、反方）
type Room struct {
	gorm.Model
	Name                 string         `json:"name"`
	Topic                string         `json:"topic"`
	Status               RoomStatus     `gorm:"type:varchar(20);not null;default:'waiting';index" json:"status"`
	CreatedBy            uint           `gorm:"not null" json:"created_by"`
	Language             string         `json:"language"`
	FormatType           string         `gorm:"type:varchar(30);not null;default:'standard'" json:"format_type"`
	CustomFormatSettings datatypes.JSON `json:"custom_format_settings,omitempty"`
	EvidenceAllowed      bool           `json:"evidence_allowed"`
	IsAIDebate           bool           `json:"is_ai_debate"`
	AffirmativeUserID    uint           `json:"affirmative_user_id"`
	NegativeUserID       uint           `json:"negative_user_id"`
}

// RoomStatus 定義房間狀態的類型
type RoomStatus string

const (
	RoomStatusWaiting    RoomStatus = "waiting"
	RoomStatusReady      RoomStatus = "ready"
	RoomStatusDebating   RoomStatus = "debating"
	RoomStatusFinished   RoomStatus = "finished"
	RoomStatusDeleted    RoomStatus = "deleted"
	RoomStatusTerminated RoomStatus = "terminated"
)

// roomTransitions 房間狀態轉換表，終止狀態沒有任何出口
var roomTransitions = map[RoomStatus][]RoomStatus{
	RoomStatusWaiting:    {RoomStatusReady, RoomStatusDeleted},
	RoomStatusReady:      {RoomStatusWaiting, RoomStatusDebating, RoomStatusDeleted},
	RoomStatusDebating:   {RoomStatusFinished, RoomStatusTerminated, RoomStatusDeleted},
	RoomStatusFinished:   nil,
	RoomStatusDeleted:    nil,
	RoomStatusTerminated: nil,
}

// ParseRoomStatus 將字串轉為 RoomStatus，未知狀態回傳 false
func ParseRoomStatus(s string) (RoomStatus, bool) {
	st := RoomStatus(s)
	_, ok := roomTransitions[st]
	return st, ok
}

// IsTerminal 是否為終止狀態
func (s RoomStatus) IsTerminal() bool {
	switch s {
	case RoomStatusFinished, RoomStatusDeleted, RoomStatusTerminated:
		return true
	}
	return false
}

// CanTransitionTo 檢查轉換表；同狀態視為可套用（不做任何事）
func (s RoomStatus) CanTransitionTo(next RoomStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range roomTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition 回傳包裝過的 ErrInvalidTransition
func (s RoomStatus) ValidateTransition(next RoomStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// SideOf 回傳用戶在房間中的立場
func (r *Room) SideOf(userID uint) (Side, bool) {
	switch {
	case userID == 0:
		return "", false
	case userID == r.AffirmativeUserID:
		return SideAffirmative, true
	case userID == r.NegativeUserID:
		return SideNegative, true
	}
	return "", false
}

// IsParticipant 用戶是否為正方或反方
func (r *Room) IsParticipant(userID uint) bool {
	_, ok := r.SideOf(userID)
	return ok
}

// UserForSide 回傳某一方的用戶 ID，空位為 0
func (r *Room) UserForSide(side Side) uint {
	switch side {
	case SideAffirmative:
		return r.AffirmativeUserID
	case SideNegative:
		return r.NegativeUserID
	}
	return 0
}

// IsFull 兩方都有人
func (r *Room) IsFull() bool {
	return r.AffirmativeUserID != 0 && r.NegativeUserID != 0
}
