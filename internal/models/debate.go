package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Debate 是回合執行的聚合，與 Room 一對一
// CurrentTurn 為 0 表示尚未開始；超過賽制長度表示已完成
type Debate struct {
	gorm.Model
	RoomID            uint       `gorm:"uniqueIndex;not null" json:"room_id"`
	AffirmativeUserID uint       `gorm:"not null" json:"affirmative_user_id"`
	NegativeUserID    uint       `gorm:"not null" json:"negative_user_id"`
	CurrentTurn       int        `gorm:"not null;default:0" json:"current_turn"`
	TurnEndTime       *time.Time `gorm:"index" json:"turn_end_time"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	EarlyTerminated   bool       `gorm:"not null;default:false" json:"early_terminated"`
	// FormatSnapshot 開始時固定下來的賽制，之後設定變動不影響進行中的辯論
	FormatSnapshot datatypes.JSON `json:"-"`
}

// Format 解析開始時保存的賽制；尚未開始時回傳 false
func (d *Debate) Format() (Format, bool) {
	if len(d.FormatSnapshot) == 0 {
		return Format{}, false
	}
	var f Format
	if err := json.Unmarshal(d.FormatSnapshot, &f); err != nil {
		return Format{}, false
	}
	return f, true
}

// HasEnded 辯論是否已進入終止狀態（回合用盡或提前結束）
func (d *Debate) HasEnded() bool {
	return d.EndedAt != nil
}

// IsParticipant 是否為正反方其中之一
func (d *Debate) IsParticipant(userID uint) bool {
	return userID != 0 && (userID == d.AffirmativeUserID || userID == d.NegativeUserID)
}

// OpponentOf 回傳對手 ID，不是參與者時回傳 0
func (d *Debate) OpponentOf(userID uint) uint {
	switch userID {
	case d.AffirmativeUserID:
		return d.NegativeUserID
	case d.NegativeUserID:
		return d.AffirmativeUserID
	}
	return 0
}

// UserForSide 回傳某一方的用戶 ID
func (d *Debate) UserForSide(side Side) uint {
	switch side {
	case SideAffirmative:
		return d.AffirmativeUserID
	case SideNegative:
		return d.NegativeUserID
	}
	return 0
}

// RemainingSeconds 剩餘秒數，永不為負；沒有截止時間時為 0
func (d *Debate) RemainingSeconds(now time.Time) int {
	if d.TurnEndTime == nil {
		return 0
	}
	remaining := d.TurnEndTime.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}
