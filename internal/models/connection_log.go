package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ContextType 連線狀態所屬的範圍
type ContextType string

const (
	ContextRoom   ContextType = "room"
	ContextDebate ContextType = "debate"
)

// ParseContextType 未知的類型回傳 false
func ParseContextType(s string) (ContextType, bool) {
	switch ContextType(s) {
	case ContextRoom:
		return ContextRoom, true
	case ContextDebate:
		return ContextDebate, true
	}
	return "", false
}

// ConnectionContext 是 (類型, ID) 組合，例如 room#5
type ConnectionContext struct {
	Type ContextType `json:"context_type"`
	ID   uint        `json:"context_id"`
}

// Valid 類型已知且 ID 非零
func (c ConnectionContext) Valid() bool {
	_, ok := ParseContextType(string(c.Type))
	return ok && c.ID != 0
}

// PresenceChannel 對應的 presence 頻道名稱
func (c ConnectionContext) PresenceChannel() string {
	return fmt.Sprintf("presence-%s.%d", c.Type, c.ID)
}

func (c ConnectionContext) String() string {
	return fmt.Sprintf("%s#%d", c.Type, c.ID)
}

// ConnectionStatus 連線狀態
type ConnectionStatus string

const (
	StatusConnected               ConnectionStatus = "connected"
	StatusTemporarilyDisconnected ConnectionStatus = "temporarily_disconnected"
	StatusDisconnected            ConnectionStatus = "disconnected"
	StatusGracefullyDisconnected  ConnectionStatus = "gracefully_disconnected"
)

// ConnectionLog 每次狀態轉換一筆，建立後不再修改
// 同一 (user, context) 以最大 ID 的紀錄為目前狀態
type ConnectionLog struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	UserID         uint              `gorm:"not null;index:idx_connection_logs_subject,priority:1" json:"user_id"`
	ContextType    ContextType       `gorm:"type:varchar(10);not null;index:idx_connection_logs_subject,priority:2" json:"context_type"`
	ContextID      uint              `gorm:"not null;index:idx_connection_logs_subject,priority:3" json:"context_id"`
	Status         ConnectionStatus  `gorm:"type:varchar(30);not null;index" json:"status"`
	ConnectedAt    *time.Time        `json:"connected_at"`
	DisconnectedAt *time.Time        `json:"disconnected_at"`
	ReconnectedAt  *time.Time        `json:"reconnected_at"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Context 回傳紀錄所屬的範圍
func (l *ConnectionLog) Context() ConnectionContext {
	return ConnectionContext{Type: l.ContextType, ID: l.ContextID}
}

// All 需要自動遷移的模型
func All() []interface{} {
	return []interface{}{&User{}, &Room{}, &Debate{}, &ConnectionLog{}}
}
