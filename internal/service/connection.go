package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
)

// ErrInvalidSubject 用戶或 context 無效，呼叫端記錄後丟棄
var ErrInvalidSubject = errors.New("invalid connection subject")

var tracer = otel.Tracer("debate_engine/internal/service")

// ConnectionSettings 連線協調器的設定
type ConnectionSettings struct {
	GracePeriod        time.Duration
	CriticalOperations []string
	MassiveThreshold   int
	MassiveWindow      time.Duration
	Debug              bool
}

// ConnectionCoordinator 把斷線/重連事件送進狀態機，寫入連線紀錄，並在提交後廣播名單
type ConnectionCoordinator struct {
	logs        repository.ConnectionLogRepository
	broadcaster Broadcaster
	grace       GraceScheduler
	alerts      *criticalAlerts
	settings    ConnectionSettings
	now         func() time.Time

	massiveMu   sync.Mutex
	lastMassive time.Time
}

// NewConnectionCoordinator grace 為 nil 時使用行程內計時器
func NewConnectionCoordinator(logs repository.ConnectionLogRepository, broadcaster Broadcaster, alerter Alerter, grace GraceScheduler, settings ConnectionSettings) *ConnectionCoordinator {
	c := &ConnectionCoordinator{
		logs:        logs,
		broadcaster: broadcaster,
		alerts:      newCriticalAlerts(alerter, settings.CriticalOperations),
		settings:    settings,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if grace == nil {
		grace = newGraceTimers(func(userID uint, cc models.ConnectionContext) {
			if _, err := c.ExpireGracePeriod(context.Background(), userID, cc); err != nil {
				log.Printf("connection: grace expiry failed user=%d context=%s: %v", userID, cc, err)
			}
		})
	}
	c.grace = grace
	return c
}

// HandleConnection 首次加入（或重新加入）context
func (c *ConnectionCoordinator) HandleConnection(ctx context.Context, userID uint, cc models.ConnectionContext, metadata map[string]interface{}) (*models.ConnectionLog, error) {
	return c.apply(ctx, reconnectOperation(cc), userID, cc, EventConnected, metadata, nil)
}

// HandleDisconnection 網路斷線：進入寬限期
func (c *ConnectionCoordinator) HandleDisconnection(ctx context.Context, userID uint, cc models.ConnectionContext) (*models.ConnectionLog, error) {
	entry, err := c.apply(ctx, disconnectOperation(cc), userID, cc, EventTemporarilyDisconnected, nil, nil)
	if err == nil && entry != nil {
		c.checkMassiveDisconnection(ctx)
	}
	return entry, err
}

// HandleReconnection 重連：清除寬限期
func (c *ConnectionCoordinator) HandleReconnection(ctx context.Context, userID uint, cc models.ConnectionContext) (*models.ConnectionLog, error) {
	return c.apply(ctx, reconnectOperation(cc), userID, cc, EventReconnected, nil, nil)
}

// HandleGracefulDisconnect 明確離開房間或辯論，不經過寬限期
func (c *ConnectionCoordinator) HandleGracefulDisconnect(ctx context.Context, userID uint, cc models.ConnectionContext) (*models.ConnectionLog, error) {
	return c.apply(ctx, disconnectOperation(cc), userID, cc, EventGracefulDisconnect, nil, nil)
}

// ExpireGracePeriod 寬限期到期時升級為 disconnected
// 只有最新紀錄仍是暫時斷線且已超過寬限期才會寫入
func (c *ConnectionCoordinator) ExpireGracePeriod(ctx context.Context, userID uint, cc models.ConnectionContext) (*models.ConnectionLog, error) {
	now := c.now()
	guard := func(latest *models.ConnectionLog) bool {
		if latest == nil || latest.Status != models.StatusTemporarilyDisconnected || latest.DisconnectedAt == nil {
			return false
		}
		// 計時器與牆上時鐘可能差一點，容許一秒
		return !latest.DisconnectedAt.Add(c.settings.GracePeriod - time.Second).After(now)
	}
	return c.apply(ctx, OpGraceExpiry, userID, cc, EventDisconnected, nil, guard)
}

// ConnectedUsers 目前在 context 內的用戶
func (c *ConnectionCoordinator) ConnectedUsers(ctx context.Context, cc models.ConnectionContext) ([]uint, error) {
	return c.logs.ConnectedUsers(ctx, cc)
}

// SweepExpiredGracePeriods 掃描超過寬限期仍未重連的紀錄
func (c *ConnectionCoordinator) SweepExpiredGracePeriods(ctx context.Context, limit int) (int, error) {
	before := c.now().Add(-c.settings.GracePeriod)
	expired, err := c.logs.ExpiredTemporaryDisconnections(ctx, before, limit)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, entry := range expired {
		written, err := c.ExpireGracePeriod(ctx, entry.UserID, entry.Context())
		if err != nil {
			log.Printf("connection: sweep escalation failed user=%d context=%s: %v", entry.UserID, entry.Context(), err)
			continue
		}
		if written != nil {
			escalated++
		}
	}
	return escalated, nil
}

// Stop 停止所有寬限期計時器
func (c *ConnectionCoordinator) Stop() {
	c.grace.Stop()
}

func (c *ConnectionCoordinator) apply(ctx context.Context, operation string, userID uint, cc models.ConnectionContext, event ConnectionEvent, metadata map[string]interface{}, guard func(*models.ConnectionLog) bool) (*models.ConnectionLog, error) {
	if userID == 0 || !cc.Valid() {
		return nil, fmt.Errorf("%w: user=%d context=%s", ErrInvalidSubject, userID, cc)
	}

	ctx, span := tracer.Start(ctx, "connection."+event.String())
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", int64(userID)),
		attribute.String("context", cc.String()),
	)

	var transition Transition
	written, err := c.logs.AppendTransition(ctx, userID, cc, func(latest *models.ConnectionLog) (*models.ConnectionLog, error) {
		if guard != nil && !guard(latest) {
			return nil, nil
		}
		next, ok := NextStatus(latest, event, c.now())
		if !ok {
			return nil, nil
		}
		transition = next
		return next.Entry(metadata), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logFailure(operation, userID, cc, err)
		c.alerts.Raise(ctx, operation, err, map[string]interface{}{
			"user_id": userID,
			"context": cc.String(),
			"event":   event.String(),
		})
		return nil, err
	}
	if written == nil {
		// 重複的 webhook 或狀態已反映此事件
		return nil, nil
	}

	// 以下副作用只在紀錄提交後執行
	if transition.Effects.Has(EffectScheduleGrace) {
		c.grace.Schedule(userID, cc, c.settings.GracePeriod)
	}
	if transition.Effects.Has(EffectCancelGrace) {
		c.grace.Cancel(userID, cc)
	}
	c.broadcastRoster(ctx, cc)
	return written, nil
}

func (c *ConnectionCoordinator) broadcastRoster(ctx context.Context, cc models.ConnectionContext) {
	users, err := c.logs.ConnectedUsers(ctx, cc)
	if err != nil {
		log.Printf("connection: roster query failed context=%s: %v", cc, err)
		return
	}
	safeBroadcast(c.broadcaster, cc.PresenceChannel(), rosterEvent(cc, users))
}

func (c *ConnectionCoordinator) checkMassiveDisconnection(ctx context.Context) {
	if c.settings.MassiveThreshold <= 0 || !c.alerts.IsCritical(OpMassiveDisconnection) {
		return
	}
	window := c.settings.MassiveWindow
	if window <= 0 {
		window = time.Minute
	}
	count, err := c.logs.CountLatestWithStatusSince(ctx, models.StatusTemporarilyDisconnected, c.now().Add(-window))
	if err != nil {
		log.Printf("connection: massive disconnection check failed: %v", err)
		return
	}
	if count < int64(c.settings.MassiveThreshold) {
		return
	}
	// 同一個時間窗只告警一次
	c.massiveMu.Lock()
	now := c.now()
	if !c.lastMassive.IsZero() && now.Sub(c.lastMassive) < window {
		c.massiveMu.Unlock()
		return
	}
	c.lastMassive = now
	c.massiveMu.Unlock()

	c.alerts.Raise(ctx, OpMassiveDisconnection, nil, map[string]interface{}{
		"disconnected": count,
		"window":       window.String(),
	})
}

func (c *ConnectionCoordinator) logFailure(operation string, userID uint, cc models.ConnectionContext, err error) {
	log.Printf("connection: %s failed user=%d context=%s at=%s: %v",
		operation, userID, cc, c.now().Format(time.RFC3339), err)
	if c.settings.Debug {
		log.Printf("connection: stack trace:\n%s", debug.Stack())
	}
}

func disconnectOperation(cc models.ConnectionContext) string {
	if cc.Type == models.ContextDebate {
		return OpDebateDisconnection
	}
	return OpRoomDisconnection
}

func reconnectOperation(cc models.ConnectionContext) string {
	if cc.Type == models.ContextDebate {
		return OpDebateReconnection
	}
	return OpRoomReconnection
}
