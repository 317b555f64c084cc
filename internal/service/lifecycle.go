package service

import (
	"context"
	"log"
	"sync"
	"time"
)

const sweepBatchSize = 100

// Lifecycle 背景輪詢：逾時回合、寬限期、提前結束提案與心跳穩定度
type Lifecycle struct {
	engine      *DebateTurnEngine
	coordinator *ConnectionCoordinator
	negotiator  *EarlyTerminationNegotiator
	heartbeats  *HeartbeatService

	turnInterval      time.Duration
	sweepInterval     time.Duration
	heartbeatInterval time.Duration

	wg sync.WaitGroup
}

func NewLifecycle(engine *DebateTurnEngine, coordinator *ConnectionCoordinator, negotiator *EarlyTerminationNegotiator, heartbeats *HeartbeatService, turnInterval, sweepInterval, heartbeatInterval time.Duration) *Lifecycle {
	if turnInterval <= 0 {
		turnInterval = time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Lifecycle{
		engine:            engine,
		coordinator:       coordinator,
		negotiator:        negotiator,
		heartbeats:        heartbeats,
		turnInterval:      turnInterval,
		sweepInterval:     sweepInterval,
		heartbeatInterval: heartbeatInterval,
	}
}

// Start 啟動背景迴圈，ctx 取消後結束
func (l *Lifecycle) Start(ctx context.Context) {
	log.Println("lifecycle: starting background loops")
	l.loop(ctx, l.turnInterval, l.advanceTurns)
	l.loop(ctx, l.sweepInterval, func(ctx context.Context) {
		l.sweepGrace(ctx)
		l.sweepProposals(ctx)
	})
	l.loop(ctx, l.heartbeatInterval, l.checkHeartbeats)
}

// Wait 等待所有背景迴圈結束
func (l *Lifecycle) Wait() {
	l.wg.Wait()
}

// Tick 同步執行一次所有工作
func (l *Lifecycle) Tick(ctx context.Context) {
	l.advanceTurns(ctx)
	l.sweepGrace(ctx)
	l.sweepProposals(ctx)
	l.checkHeartbeats(ctx)
}

func (l *Lifecycle) loop(ctx context.Context, interval time.Duration, work func(context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				work(ctx)
			}
		}
	}()
}

func (l *Lifecycle) advanceTurns(ctx context.Context) {
	if l.engine == nil {
		return
	}
	n, err := l.engine.AdvanceExpiredTurns(ctx, sweepBatchSize)
	if err != nil {
		log.Printf("lifecycle: expired turn scan failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("lifecycle: advanced %d expired turns", n)
	}
}

func (l *Lifecycle) sweepGrace(ctx context.Context) {
	if l.coordinator == nil {
		return
	}
	n, err := l.coordinator.SweepExpiredGracePeriods(ctx, sweepBatchSize)
	if err != nil {
		log.Printf("lifecycle: grace sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("lifecycle: escalated %d expired grace periods", n)
	}
}

func (l *Lifecycle) sweepProposals(ctx context.Context) {
	if l.negotiator == nil {
		return
	}
	if _, err := l.negotiator.SweepExpired(ctx, sweepBatchSize); err != nil {
		log.Printf("lifecycle: proposal sweep failed: %v", err)
	}
}

func (l *Lifecycle) checkHeartbeats(ctx context.Context) {
	if l.heartbeats == nil {
		return
	}
	n, err := l.heartbeats.CheckStability(ctx)
	if err != nil {
		log.Printf("lifecycle: heartbeat check failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("lifecycle: %d connections flagged unstable", n)
	}
}
