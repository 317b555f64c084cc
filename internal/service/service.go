package service

import (
	"github.com/redis/go-redis/v9"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
	"debate_engine/internal/storage"
	"debate_engine/pkg/config"
)

type Services struct {
	Hub         *Hub
	Coordinator *ConnectionCoordinator
	Presence    *PresenceProcessor
	Engine      *DebateTurnEngine
	Negotiator  *EarlyTerminationNegotiator
	Heartbeat   *HeartbeatService
	Room        *RoomService
	Lifecycle   *Lifecycle
}

// NewServices publisher 為 nil 時告警與評分只寫日誌；rdb 為 nil 時提案與心跳存在記憶體
func NewServices(db *storage.DB, repos *repository.Repositories, cfg *config.Config, publisher EventPublisher, rdb *redis.Client) *Services {
	var alerter Alerter = LogAlerter{}
	var evaluator Evaluator = LogEvaluator{}
	if publisher != nil {
		alerter = NewQueueAlerter(publisher)
		evaluator = NewQueueEvaluator(publisher)
	}

	var proposals ProposalStore = NewMemoryProposalStore()
	var heartbeats HeartbeatStore = NewMemoryHeartbeatStore()
	if rdb != nil {
		proposals = NewRedisProposalStore(rdb)
		heartbeats = NewRedisHeartbeatStore(rdb)
	}

	hub := NewHub(nil)

	coordinator := NewConnectionCoordinator(repos.ConnectionLog, hub, alerter, nil, ConnectionSettings{
		GracePeriod:        cfg.Connection.GracePeriod,
		CriticalOperations: cfg.Connection.CriticalOperations,
		MassiveThreshold:   cfg.Connection.MassiveThreshold,
		MassiveWindow:      cfg.Connection.MassiveWindow,
		Debug:              cfg.Server.Debug,
	})
	presence := NewPresenceProcessor(repos.User, repos.Room, repos.Debate, coordinator)
	hub.SetPresenceSink(presence)

	formats := NewFormatResolver(cfg.Debate.Formats, cfg.Debate.FreeFormat.Turns, cfg.Debate.FreeFormat.Duration)
	terminationStatus, ok := models.ParseRoomStatus(cfg.Debate.EarlyTerminationStatus)
	if !ok || (terminationStatus != models.RoomStatusFinished && terminationStatus != models.RoomStatusTerminated) {
		terminationStatus = models.RoomStatusTerminated
	}
	engine := NewDebateTurnEngine(db, repos.Debate, repos.Room, formats, hub, evaluator, DebateSettings{
		AIUserID:               cfg.Debate.AIUserID,
		SkipMinRemaining:       cfg.Debate.SkipMinRemaining,
		EarlyTerminationStatus: terminationStatus,
	})
	negotiator := NewEarlyTerminationNegotiator(repos.Debate, repos.Room, engine, proposals, hub, cfg.Debate.EarlyTerminationTTL)
	heartbeat := NewHeartbeatService(heartbeats, repos.ConnectionLog, hub, cfg.Heartbeat.Interval, cfg.Heartbeat.MissedThreshold)
	rooms := NewRoomService(db, repos.Room, repos.Debate, formats, engine, coordinator, cfg.Debate.AIUserID)
	lifecycle := NewLifecycle(engine, coordinator, negotiator, heartbeat,
		cfg.Debate.TickInterval, cfg.Connection.SweepInterval, cfg.Heartbeat.Interval)

	return &Services{
		Hub:         hub,
		Coordinator: coordinator,
		Presence:    presence,
		Engine:      engine,
		Negotiator:  negotiator,
		Heartbeat:   heartbeat,
		Room:        rooms,
		Lifecycle:   lifecycle,
	}
}
