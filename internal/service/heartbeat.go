package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
)

// HeartbeatSubject 某用戶在某 context 的心跳
type HeartbeatSubject struct {
	UserID  uint
	Context models.ConnectionContext
}

func (s HeartbeatSubject) key() string {
	return fmt.Sprintf("%s:%d:%d", s.Context.Type, s.Context.ID, s.UserID)
}

func parseHeartbeatKey(key string) (HeartbeatSubject, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return HeartbeatSubject{}, false
	}
	ct, ok := models.ParseContextType(parts[0])
	if !ok {
		return HeartbeatSubject{}, false
	}
	id, err1 := strconv.ParseUint(parts[1], 10, 64)
	user, err2 := strconv.ParseUint(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return HeartbeatSubject{}, false
	}
	return HeartbeatSubject{UserID: uint(user), Context: models.ConnectionContext{Type: ct, ID: uint(id)}}, true
}

// HeartbeatStore 保存最後一次心跳時間與「不穩定」旗標
type HeartbeatStore interface {
	// Record 更新心跳時間並清除不穩定旗標
	Record(ctx context.Context, s HeartbeatSubject, at time.Time) error
	// Lapsed 最後心跳早於 before 且尚未標記的對象
	Lapsed(ctx context.Context, before time.Time) ([]HeartbeatSubject, error)
	// MarkUnstable 第一次標記時回傳 true
	MarkUnstable(ctx context.Context, s HeartbeatSubject) (bool, error)
	Forget(ctx context.Context, s HeartbeatSubject) error
}

type heartbeatEntry struct {
	lastSeen time.Time
	unstable bool
}

type MemoryHeartbeatStore struct {
	mu      sync.Mutex
	entries map[HeartbeatSubject]*heartbeatEntry
}

func NewMemoryHeartbeatStore() *MemoryHeartbeatStore {
	return &MemoryHeartbeatStore{entries: make(map[HeartbeatSubject]*heartbeatEntry)}
}

func (m *MemoryHeartbeatStore) Record(ctx context.Context, s HeartbeatSubject, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s] = &heartbeatEntry{lastSeen: at}
	return nil
}

func (m *MemoryHeartbeatStore) Lapsed(ctx context.Context, before time.Time) ([]HeartbeatSubject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lapsed []HeartbeatSubject
	for s, e := range m.entries {
		if !e.unstable && e.lastSeen.Before(before) {
			lapsed = append(lapsed, s)
		}
	}
	return lapsed, nil
}

func (m *MemoryHeartbeatStore) MarkUnstable(ctx context.Context, s HeartbeatSubject) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[s]
	if !ok || e.unstable {
		return false, nil
	}
	e.unstable = true
	return true, nil
}

func (m *MemoryHeartbeatStore) Forget(ctx context.Context, s HeartbeatSubject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, s)
	return nil
}

const (
	heartbeatLastSeenKey = "heartbeat:last_seen"
	heartbeatUnstableKey = "heartbeat:unstable"
)

// RedisHeartbeatStore 最後心跳存在 hash，不穩定旗標存在 set
type RedisHeartbeatStore struct {
	rdb *redis.Client
}

func NewRedisHeartbeatStore(rdb *redis.Client) *RedisHeartbeatStore {
	return &RedisHeartbeatStore{rdb: rdb}
}

func (r *RedisHeartbeatStore) Record(ctx context.Context, s HeartbeatSubject, at time.Time) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, heartbeatLastSeenKey, s.key(), at.UnixMilli())
		pipe.SRem(ctx, heartbeatUnstableKey, s.key())
		return nil
	})
	return err
}

func (r *RedisHeartbeatStore) Lapsed(ctx context.Context, before time.Time) ([]HeartbeatSubject, error) {
	all, err := r.rdb.HGetAll(ctx, heartbeatLastSeenKey).Result()
	if err != nil {
		return nil, err
	}
	flagged, err := r.rdb.SMembers(ctx, heartbeatUnstableKey).Result()
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(flagged))
	for _, k := range flagged {
		skip[k] = struct{}{}
	}
	cutoff := before.UnixMilli()
	var lapsed []HeartbeatSubject
	for key, raw := range all {
		if _, ok := skip[key]; ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms >= cutoff {
			continue
		}
		if s, ok := parseHeartbeatKey(key); ok {
			lapsed = append(lapsed, s)
		}
	}
	return lapsed, nil
}

func (r *RedisHeartbeatStore) MarkUnstable(ctx context.Context, s HeartbeatSubject) (bool, error) {
	added, err := r.rdb.SAdd(ctx, heartbeatUnstableKey, s.key()).Result()
	return added == 1, err
}

func (r *RedisHeartbeatStore) Forget(ctx context.Context, s HeartbeatSubject) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, heartbeatLastSeenKey, s.key())
		pipe.SRem(ctx, heartbeatUnstableKey, s.key())
		return nil
	})
	return err
}

// HeartbeatService 心跳只是輔助訊號：不會觸發重連，也不會把用戶標記為斷線
type HeartbeatService struct {
	store       HeartbeatStore
	logs        repository.ConnectionLogRepository
	broadcaster Broadcaster
	interval    time.Duration
	missed      int
	now         func() time.Time
}

func NewHeartbeatService(store HeartbeatStore, logs repository.ConnectionLogRepository, broadcaster Broadcaster, interval time.Duration, missed int) *HeartbeatService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if missed <= 0 {
		missed = 3
	}
	return &HeartbeatService{
		store:       store,
		logs:        logs,
		broadcaster: broadcaster,
		interval:    interval,
		missed:      missed,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RecordHeartbeat 記錄心跳並回傳連線紀錄上的目前狀態（沒有紀錄時為空字串）
func (h *HeartbeatService) RecordHeartbeat(ctx context.Context, userID uint, cc models.ConnectionContext) (models.ConnectionStatus, error) {
	if userID == 0 || !cc.Valid() {
		return "", fmt.Errorf("%w: user=%d context=%s", ErrInvalidSubject, userID, cc)
	}
	if err := h.store.Record(ctx, HeartbeatSubject{UserID: userID, Context: cc}, h.now()); err != nil {
		return "", err
	}
	latest, err := h.logs.Latest(ctx, userID, cc)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", nil
	}
	return latest.Status, nil
}

// CheckStability 連續漏掉的心跳超過門檻時廣播 connection_unstable，每次中斷只廣播一次
func (h *HeartbeatService) CheckStability(ctx context.Context) (int, error) {
	before := h.now().Add(-time.Duration(h.missed) * h.interval)
	lapsed, err := h.store.Lapsed(ctx, before)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, s := range lapsed {
		latest, err := h.logs.Latest(ctx, s.UserID, s.Context)
		if err != nil {
			log.Printf("heartbeat: latest lookup failed user=%d context=%s: %v", s.UserID, s.Context, err)
			continue
		}
		// 已經離開的用戶交給 presence 處理，不再追蹤
		if latest == nil || latest.Status == models.StatusDisconnected || latest.Status == models.StatusGracefullyDisconnected {
			if err := h.store.Forget(ctx, s); err != nil {
				log.Printf("heartbeat: forget failed user=%d context=%s: %v", s.UserID, s.Context, err)
			}
			continue
		}
		first, err := h.store.MarkUnstable(ctx, s)
		if err != nil || !first {
			continue
		}
		flagged++
		safeBroadcast(h.broadcaster, s.Context.PresenceChannel(), newEvent(EventConnectionUnstable, map[string]interface{}{
			"user_id":      s.UserID,
			"context_type": s.Context.Type,
			"context_id":   s.Context.ID,
		}))
	}
	return flagged, nil
}
