package service

import (
	"time"

	"debate_engine/internal/models"
)

// ConnectionEvent 是狀態機的輸入
type ConnectionEvent int

const (
	EventConnected ConnectionEvent = iota + 1
	EventTemporarilyDisconnected
	EventReconnected
	EventDisconnected
	EventGracefulDisconnect
)

func (e ConnectionEvent) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventTemporarilyDisconnected:
		return "temporarily_disconnected"
	case EventReconnected:
		return "reconnected"
	case EventDisconnected:
		return "disconnected"
	case EventGracefulDisconnect:
		return "graceful_disconnect"
	}
	return "unknown"
}

// Effect 狀態轉換後由協調器執行的副作用
type Effect uint8

const (
	// EffectScheduleGrace 寬限期結束後升級為 disconnected
	EffectScheduleGrace Effect = 1 << iota
	EffectCancelGrace

	EffectNone Effect = 0
)

func (e Effect) Has(flag Effect) bool {
	return e&flag != 0
}

// Transition 狀態機的輸出；由協調器轉成新的連線紀錄
type Transition struct {
	Status         models.ConnectionStatus
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	ReconnectedAt  *time.Time
	Effects        Effect
}

// Entry 產生要寫入的連線紀錄
func (t Transition) Entry(metadata map[string]interface{}) *models.ConnectionLog {
	return &models.ConnectionLog{
		Status:         t.Status,
		ConnectedAt:    t.ConnectedAt,
		DisconnectedAt: t.DisconnectedAt,
		ReconnectedAt:  t.ReconnectedAt,
		Metadata:       metadata,
	}
}

// NextStatus 依據最新紀錄與事件計算下一個狀態
// 第二個回傳值為 false 表示不需轉換（重複或無效的事件）
func NextStatus(latest *models.ConnectionLog, event ConnectionEvent, now time.Time) (Transition, bool) {
	var current models.ConnectionStatus
	if latest != nil {
		current = latest.Status
	}
	at := now

	switch event {
	case EventConnected, EventReconnected:
		switch current {
		case models.StatusConnected:
			return Transition{}, false
		case models.StatusTemporarilyDisconnected:
			// 寬限期內重連：沿用原本的連線時間，保留斷線時間
			return Transition{
				Status:         models.StatusConnected,
				ConnectedAt:    latest.ConnectedAt,
				DisconnectedAt: latest.DisconnectedAt,
				ReconnectedAt:  &at,
				Effects:        EffectCancelGrace,
			}, true
		case models.StatusDisconnected, models.StatusGracefullyDisconnected:
			return Transition{
				Status:         models.StatusConnected,
				ConnectedAt:    &at,
				DisconnectedAt: latest.DisconnectedAt,
				ReconnectedAt:  &at,
			}, true
		default:
			return Transition{Status: models.StatusConnected, ConnectedAt: &at}, true
		}

	case EventTemporarilyDisconnected:
		if current != models.StatusConnected {
			return Transition{}, false
		}
		return Transition{
			Status:         models.StatusTemporarilyDisconnected,
			ConnectedAt:    latest.ConnectedAt,
			DisconnectedAt: &at,
			Effects:        EffectScheduleGrace,
		}, true

	case EventDisconnected:
		switch current {
		case models.StatusConnected:
			return Transition{
				Status:         models.StatusDisconnected,
				ConnectedAt:    latest.ConnectedAt,
				DisconnectedAt: &at,
			}, true
		case models.StatusTemporarilyDisconnected:
			// 寬限期到期：斷線時間仍以第一次掉線為準
			disconnectedAt := latest.DisconnectedAt
			if disconnectedAt == nil {
				disconnectedAt = &at
			}
			return Transition{
				Status:         models.StatusDisconnected,
				ConnectedAt:    latest.ConnectedAt,
				DisconnectedAt: disconnectedAt,
			}, true
		}
		return Transition{}, false

	case EventGracefulDisconnect:
		switch current {
		case models.StatusConnected, models.StatusTemporarilyDisconnected:
			return Transition{
				Status:         models.StatusGracefullyDisconnected,
				ConnectedAt:    latest.ConnectedAt,
				DisconnectedAt: &at,
				Effects:        EffectCancelGrace,
			}, true
		}
		return Transition{}, false
	}

	return Transition{}, false
}
