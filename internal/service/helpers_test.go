package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
	"debate_engine/internal/storage"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// 單一連線讓 sqlite 的交易依序執行
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db := storage.Wrap(gormDB)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// recordingBroadcaster 記錄所有廣播
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBroadcaster) Broadcast(channel string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	event.Channel = channel
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBroadcaster) ofType(eventType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// recordingEvaluator 記錄要求評分的辯論
type recordingEvaluator struct {
	mu      sync.Mutex
	debates []uint
}

func (e *recordingEvaluator) RequestEvaluation(_ context.Context, d *models.Debate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.debates = append(e.debates, d.ID)
	return nil
}

func (e *recordingEvaluator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.debates)
}

// recordingGrace 取代真正的計時器
type recordingGrace struct {
	mu        sync.Mutex
	scheduled map[string]time.Duration
	cancelled []string
}

func newRecordingGrace() *recordingGrace {
	return &recordingGrace{scheduled: make(map[string]time.Duration)}
}

func (g *recordingGrace) Schedule(userID uint, c models.ConnectionContext, after time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scheduled[graceKey(userID, c)] = after
}

func (g *recordingGrace) Cancel(userID uint, c models.ConnectionContext) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := graceKey(userID, c)
	delete(g.scheduled, key)
	g.cancelled = append(g.cancelled, key)
}

func (g *recordingGrace) Stop() {}

func (g *recordingGrace) isScheduled(userID uint, c models.ConnectionContext) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.scheduled[graceKey(userID, c)]
	return ok
}

// recordingAlerter 記錄告警
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
	err    error
}

func (a *recordingAlerter) Alert(_ context.Context, operation, message string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, operation)
	return a.err
}

func (a *recordingAlerter) operations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.alerts...)
}

const testAIUserID = 99

// testFormats 測試用賽制：ai_prep 第一回合是反方準備時間
var testFormats = map[string][]models.Turn{
	"standard": {
		{Name: "Affirmative Constructive", Speaker: models.SideAffirmative, Duration: 300},
		{Name: "Negative Constructive", Speaker: models.SideNegative, Duration: 300},
		{Name: "Affirmative Rebuttal", Speaker: models.SideAffirmative, Duration: 120},
	},
	"ai_prep": {
		{Name: "Negative Preparation", Speaker: models.SideNegative, Duration: 120, IsPrepTime: true},
		{Name: "Affirmative Constructive", Speaker: models.SideAffirmative, Duration: 240},
		{Name: "Negative Constructive", Speaker: models.SideNegative, Duration: 240},
	},
}

type testEnv struct {
	db          *storage.DB
	repos       *repository.Repositories
	broadcaster *recordingBroadcaster
	evaluator   *recordingEvaluator
	engine      *DebateTurnEngine
	negotiator  *EarlyTerminationNegotiator
	proposals   *MemoryProposalStore
	rooms       *RoomService
	now         time.Time
}

// newTestEnv 時鐘固定在 env.now，需要時間前進時修改 env.now
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	env := &testEnv{
		db:          db,
		repos:       repository.NewRepositories(db),
		broadcaster: &recordingBroadcaster{},
		evaluator:   &recordingEvaluator{},
		proposals:   NewMemoryProposalStore(),
		now:         time.Now().UTC().Truncate(time.Second),
	}
	clock := func() time.Time { return env.now }

	formats := NewFormatResolver(testFormats, 4, 60)
	env.engine = NewDebateTurnEngine(db, env.repos.Debate, env.repos.Room, formats, env.broadcaster, env.evaluator, DebateSettings{
		AIUserID:         testAIUserID,
		SkipMinRemaining: 5 * time.Second,
	})
	env.engine.now = clock
	env.proposals.now = clock
	env.negotiator = NewEarlyTerminationNegotiator(env.repos.Debate, env.repos.Room, env.engine, env.proposals, env.broadcaster, time.Minute)
	env.negotiator.now = clock
	env.rooms = NewRoomService(db, env.repos.Room, env.repos.Debate, formats, env.engine, nil, testAIUserID)
	return env
}

// startDebate 建立 debating 狀態的房間與已開始的辯論
func (env *testEnv) startDebate(t *testing.T, formatType string, aff, neg uint, ai bool) *models.Debate {
	t.Helper()
	ctx := context.Background()
	room := &models.Room{
		Name:              "test",
		Topic:             "topic",
		Status:            models.RoomStatusReady,
		CreatedBy:         aff,
		FormatType:        formatType,
		IsAIDebate:        ai,
		AffirmativeUserID: aff,
		NegativeUserID:    neg,
	}
	require.NoError(t, env.repos.Room.Create(ctx, room))
	debate, err := env.rooms.StartDebate(ctx, room.ID, aff)
	require.NoError(t, err)
	require.Equal(t, 1, debate.CurrentTurn)
	return debate
}

func (env *testEnv) reload(t *testing.T, id uint) *models.Debate {
	t.Helper()
	d, err := env.repos.Debate.FindByID(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (env *testEnv) roomStatus(t *testing.T, roomID uint) models.RoomStatus {
	t.Helper()
	r, err := env.repos.Room.FindByID(context.Background(), roomID)
	require.NoError(t, err)
	return r.Status
}
