package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"debate_engine/internal/models"
	"debate_engine/internal/queue"
	"debate_engine/internal/repository"
)

type coordinatorEnv struct {
	logs        repository.ConnectionLogRepository
	broadcaster *recordingBroadcaster
	grace       *recordingGrace
	alerter     *recordingAlerter
	coordinator *ConnectionCoordinator
	now         time.Time
}

func newCoordinatorEnv(t *testing.T, logs repository.ConnectionLogRepository) *coordinatorEnv {
	t.Helper()
	if logs == nil {
		logs = repository.NewConnectionLogRepository(setupTestDB(t))
	}
	env := &coordinatorEnv{
		logs:        logs,
		broadcaster: &recordingBroadcaster{},
		grace:       newRecordingGrace(),
		alerter:     &recordingAlerter{},
		now:         time.Now().UTC().Truncate(time.Second),
	}
	env.coordinator = NewConnectionCoordinator(logs, env.broadcaster, env.alerter, env.grace, ConnectionSettings{
		GracePeriod:        30 * time.Second,
		CriticalOperations: []string{OpDebateDisconnection, OpDebateReconnection, OpMassiveDisconnection},
		MassiveThreshold:   3,
		MassiveWindow:      time.Minute,
	})
	env.coordinator.now = func() time.Time { return env.now }
	return env
}

func TestConnectionCoordinator_DuplicateRemovalWritesOnce(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()
	debate := models.ConnectionContext{Type: models.ContextDebate, ID: 3}

	_, err := env.coordinator.HandleConnection(ctx, 1, debate, nil)
	require.NoError(t, err)

	first, err := env.coordinator.HandleDisconnection(ctx, 1, debate)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.True(t, env.grace.isScheduled(1, debate))

	// 同一個 webhook 重送
	second, err := env.coordinator.HandleDisconnection(ctx, 1, debate)
	require.NoError(t, err)
	require.Nil(t, second)

	history, err := env.logs.History(ctx, 1, debate)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.StatusTemporarilyDisconnected, history[1].Status)
}

func TestConnectionCoordinator_ReconnectWithinGrace(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()
	room := models.ConnectionContext{Type: models.ContextRoom, ID: 5}

	for _, userID := range []uint{1, 2} {
		_, err := env.coordinator.HandleConnection(ctx, userID, room, nil)
		require.NoError(t, err)
	}
	before, err := env.logs.History(ctx, 1, room)
	require.NoError(t, err)

	_, err = env.coordinator.HandleDisconnection(ctx, 1, room)
	require.NoError(t, err)
	users, err := env.coordinator.ConnectedUsers(ctx, room)
	require.NoError(t, err)
	require.Equal(t, []uint{2}, users)

	env.now = env.now.Add(10 * time.Second)
	written, err := env.coordinator.HandleReconnection(ctx, 1, room)
	require.NoError(t, err)
	require.NotNil(t, written)
	require.NotNil(t, written.ReconnectedAt)
	require.False(t, env.grace.isScheduled(1, room))

	users, err = env.coordinator.ConnectedUsers(ctx, room)
	require.NoError(t, err)
	require.Equal(t, []uint{1, 2}, users)

	after, err := env.logs.History(ctx, 1, room)
	require.NoError(t, err)
	require.Len(t, after, len(before)+2)

	// 每次寫入後都會廣播最新名單
	rosters := env.broadcaster.ofType(EventPresenceRoster)
	require.NotEmpty(t, rosters)
	last := rosters[len(rosters)-1]
	require.Equal(t, room.PresenceChannel(), last.Channel)
	require.Equal(t, []uint{1, 2}, last.Data["user_ids"])
}

func TestConnectionCoordinator_GracefulDisconnect(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()
	room := models.ConnectionContext{Type: models.ContextRoom, ID: 8}

	_, err := env.coordinator.HandleConnection(ctx, 4, room, map[string]interface{}{"source": "test"})
	require.NoError(t, err)

	written, err := env.coordinator.HandleGracefulDisconnect(ctx, 4, room)
	require.NoError(t, err)
	require.Equal(t, models.StatusGracefullyDisconnected, written.Status)
	require.False(t, env.grace.isScheduled(4, room))

	// 之後的 member_removed 不再產生紀錄
	again, err := env.coordinator.HandleDisconnection(ctx, 4, room)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestConnectionCoordinator_InvalidSubject(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()

	_, err := env.coordinator.HandleConnection(ctx, 0, models.ConnectionContext{Type: models.ContextRoom, ID: 1}, nil)
	require.ErrorIs(t, err, ErrInvalidSubject)

	_, err = env.coordinator.HandleConnection(ctx, 1, models.ConnectionContext{Type: "lobby", ID: 1}, nil)
	require.ErrorIs(t, err, ErrInvalidSubject)
	require.Empty(t, env.alerter.operations())
}

func TestConnectionCoordinator_ExpireGracePeriod(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()
	debate := models.ConnectionContext{Type: models.ContextDebate, ID: 11}

	_, err := env.coordinator.HandleConnection(ctx, 1, debate, nil)
	require.NoError(t, err)
	_, err = env.coordinator.HandleDisconnection(ctx, 1, debate)
	require.NoError(t, err)

	// 寬限期尚未結束
	env.now = env.now.Add(10 * time.Second)
	written, err := env.coordinator.ExpireGracePeriod(ctx, 1, debate)
	require.NoError(t, err)
	require.Nil(t, written)

	env.now = env.now.Add(25 * time.Second)
	written, err = env.coordinator.ExpireGracePeriod(ctx, 1, debate)
	require.NoError(t, err)
	require.NotNil(t, written)
	require.Equal(t, models.StatusDisconnected, written.Status)

	// 已升級過不會重複寫入
	written, err = env.coordinator.ExpireGracePeriod(ctx, 1, debate)
	require.NoError(t, err)
	require.Nil(t, written)
}

func TestConnectionCoordinator_ExpiryAfterReconnectIsNoop(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()
	debate := models.ConnectionContext{Type: models.ContextDebate, ID: 12}

	_, err := env.coordinator.HandleConnection(ctx, 1, debate, nil)
	require.NoError(t, err)
	_, err = env.coordinator.HandleDisconnection(ctx, 1, debate)
	require.NoError(t, err)
	_, err = env.coordinator.HandleReconnection(ctx, 1, debate)
	require.NoError(t, err)

	// 計時器晚到
	env.now = env.now.Add(time.Minute)
	written, err := env.coordinator.ExpireGracePeriod(ctx, 1, debate)
	require.NoError(t, err)
	require.Nil(t, written)

	latest, err := env.logs.Latest(ctx, 1, debate)
	require.NoError(t, err)
	require.Equal(t, models.StatusConnected, latest.Status)
}

func TestConnectionCoordinator_SweepExpiredGracePeriods(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()
	debate := models.ConnectionContext{Type: models.ContextDebate, ID: 13}

	for _, userID := range []uint{1, 2} {
		_, err := env.coordinator.HandleConnection(ctx, userID, debate, nil)
		require.NoError(t, err)
	}
	_, err := env.coordinator.HandleDisconnection(ctx, 1, debate)
	require.NoError(t, err)
	env.now = env.now.Add(20 * time.Second)
	_, err = env.coordinator.HandleDisconnection(ctx, 2, debate)
	require.NoError(t, err)

	// 只有用戶 1 超過 30 秒
	env.now = env.now.Add(15 * time.Second)
	n, err := env.coordinator.SweepExpiredGracePeriods(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	latest, err := env.logs.Latest(ctx, 1, debate)
	require.NoError(t, err)
	require.Equal(t, models.StatusDisconnected, latest.Status)
	latest, err = env.logs.Latest(ctx, 2, debate)
	require.NoError(t, err)
	require.Equal(t, models.StatusTemporarilyDisconnected, latest.Status)
}

// failingLogs 寫入時一律失敗
type failingLogs struct {
	repository.ConnectionLogRepository
}

func (failingLogs) AppendTransition(context.Context, uint, models.ConnectionContext, repository.DecideFunc) (*models.ConnectionLog, error) {
	return nil, errors.New("database is down")
}

func TestConnectionCoordinator_PersistenceFailureRaisesAlert(t *testing.T) {
	env := newCoordinatorEnv(t, failingLogs{})
	ctx := context.Background()

	_, err := env.coordinator.HandleDisconnection(ctx, 1, models.ConnectionContext{Type: models.ContextDebate, ID: 1})
	require.Error(t, err)
	require.Equal(t, []string{OpDebateDisconnection}, env.alerter.operations())

	// room 斷線不是 critical
	_, err = env.coordinator.HandleDisconnection(ctx, 1, models.ConnectionContext{Type: models.ContextRoom, ID: 1})
	require.Error(t, err)
	require.Len(t, env.alerter.operations(), 1)
	require.Empty(t, env.broadcaster.ofType(EventPresenceRoster))
}

func TestConnectionCoordinator_AlertFailureIsSwallowed(t *testing.T) {
	env := newCoordinatorEnv(t, failingLogs{})
	env.alerter.err = errors.New("queue unavailable")

	_, err := env.coordinator.HandleReconnection(context.Background(), 1, models.ConnectionContext{Type: models.ContextDebate, ID: 1})
	require.EqualError(t, err, "database is down")
	require.Equal(t, []string{OpDebateReconnection}, env.alerter.operations())
}

// stalledBroker 模擬連不上的 broker，直到測試結束才返回
type stalledBroker struct {
	release chan struct{}
}

func (b stalledBroker) Publish(ctx context.Context, _ string, _ interface{}) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return errors.New("broker unreachable")
}

func TestConnectionCoordinator_AlertDoesNotBlockOnBroker(t *testing.T) {
	broker := stalledBroker{release: make(chan struct{})}
	async := queue.NewAsyncPublisher(broker, 8, time.Minute)
	t.Cleanup(func() {
		close(broker.release)
		_ = async.Close(context.Background())
	})
	coordinator := NewConnectionCoordinator(failingLogs{}, &recordingBroadcaster{}, NewQueueAlerter(async), newRecordingGrace(), ConnectionSettings{
		GracePeriod:        30 * time.Second,
		CriticalOperations: []string{OpDebateDisconnection},
	})

	done := make(chan error, 1)
	go func() {
		_, err := coordinator.HandleDisconnection(context.Background(), 1, models.ConnectionContext{Type: models.ContextDebate, ID: 1})
		done <- err
	}()
	select {
	case err := <-done:
		require.EqualError(t, err, "database is down")
	case <-time.After(2 * time.Second):
		t.Fatal("HandleDisconnection waited on the broker")
	}
}

func TestConnectionCoordinator_MassiveDisconnection(t *testing.T) {
	env := newCoordinatorEnv(t, nil)
	ctx := context.Background()
	debate := models.ConnectionContext{Type: models.ContextDebate, ID: 20}
	// created_at 由資料庫時鐘決定
	env.now = time.Now().UTC()

	for _, userID := range []uint{1, 2, 3, 4} {
		_, err := env.coordinator.HandleConnection(ctx, userID, debate, nil)
		require.NoError(t, err)
	}
	for _, userID := range []uint{1, 2, 3, 4} {
		_, err := env.coordinator.HandleDisconnection(ctx, userID, debate)
		require.NoError(t, err)
	}

	// 同一時間窗只告警一次
	require.Equal(t, []string{OpMassiveDisconnection}, env.alerter.operations())
}
