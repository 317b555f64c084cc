package service

import (
	"fmt"
	"sync"
	"time"

	"debate_engine/internal/models"
)

// GraceScheduler 管理暫時斷線後的寬限期計時
type GraceScheduler interface {
	Schedule(userID uint, c models.ConnectionContext, after time.Duration)
	Cancel(userID uint, c models.ConnectionContext)
	Stop()
}

// graceTimers 每個 (user, context) 最多一個計時器
// 只在本行程有效；跨行程與重啟由 Lifecycle 的掃描補上
type graceTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	expire func(userID uint, c models.ConnectionContext)
}

func newGraceTimers(expire func(userID uint, c models.ConnectionContext)) *graceTimers {
	return &graceTimers{
		timers: make(map[string]*time.Timer),
		expire: expire,
	}
}

func graceKey(userID uint, c models.ConnectionContext) string {
	return fmt.Sprintf("%d:%s", userID, c)
}

func (g *graceTimers) Schedule(userID uint, c models.ConnectionContext, after time.Duration) {
	key := graceKey(userID, c)

	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.timers[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		g.mu.Lock()
		// 已被取消或重新排程
		if g.timers[key] != timer {
			g.mu.Unlock()
			return
		}
		delete(g.timers, key)
		g.mu.Unlock()
		g.expire(userID, c)
	})
	g.timers[key] = timer
}

func (g *graceTimers) Cancel(userID uint, c models.ConnectionContext) {
	key := graceKey(userID, c)

	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.timers[key]; ok {
		t.Stop()
		delete(g.timers, key)
	}
}

// Pending 目前排程中的計時器數量
func (g *graceTimers) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

func (g *graceTimers) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, t := range g.timers {
		t.Stop()
		delete(g.timers, key)
	}
}
