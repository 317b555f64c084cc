package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debate_engine/internal/models"
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
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db := storage.Wrap(gormDB)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func connected(at time.Time) *models.ConnectionLog {
	return &models.ConnectionLog{Status: models.StatusConnected, ConnectedAt: &at}
}

func TestConnectionLogRepository_ConnectedUsersUsesLatestEntry(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionLogRepository(db)
	ctx := context.Background()
	room := models.ConnectionContext{Type: models.ContextRoom, ID: 5}
	now := time.Now().UTC()

	for _, userID := range []uint{1, 2, 3} {
		entry := connected(now)
		entry.UserID, entry.ContextType, entry.ContextID = userID, room.Type, room.ID
		require.NoError(t, repo.Create(ctx, entry))
	}
	// 用戶 3 之後斷線
	require.NoError(t, repo.Create(ctx, &models.ConnectionLog{
		UserID: 3, ContextType: room.Type, ContextID: room.ID,
		Status: models.StatusDisconnected, DisconnectedAt: &now,
	}))
	// 其他 context 不影響
	other := connected(now)
	other.UserID, other.ContextType, other.ContextID = 4, models.ContextDebate, 5
	require.NoError(t, repo.Create(ctx, other))

	users, err := repo.ConnectedUsers(ctx, room)
	require.NoError(t, err)
	require.Equal(t, []uint{1, 2}, users)
}

func TestConnectionLogRepository_AppendTransition(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionLogRepository(db)
	ctx := context.Background()
	debate := models.ConnectionContext{Type: models.ContextDebate, ID: 9}
	now := time.Now().UTC()

	written, err := repo.AppendTransition(ctx, 7, debate, func(latest *models.ConnectionLog) (*models.ConnectionLog, error) {
		require.Nil(t, latest)
		return connected(now), nil
	})
	require.NoError(t, err)
	require.NotNil(t, written)
	require.Equal(t, uint(7), written.UserID)
	require.Equal(t, models.ContextDebate, written.ContextType)

	t.Run("NilDecisionWritesNothing", func(t *testing.T) {
		written, err := repo.AppendTransition(ctx, 7, debate, func(latest *models.ConnectionLog) (*models.ConnectionLog, error) {
			require.NotNil(t, latest)
			require.Equal(t, models.StatusConnected, latest.Status)
			return nil, nil
		})
		require.NoError(t, err)
		require.Nil(t, written)

		history, err := repo.History(ctx, 7, debate)
		require.NoError(t, err)
		require.Len(t, history, 1)
	})
}

func TestConnectionLogRepository_ExpiredTemporaryDisconnections(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionLogRepository(db)
	ctx := context.Background()
	room := models.ConnectionContext{Type: models.ContextRoom, ID: 1}
	now := time.Now().UTC()
	old := now.Add(-time.Minute)

	// 用戶 1：舊的暫時斷線，仍是最新狀態
	require.NoError(t, repo.Create(ctx, &models.ConnectionLog{UserID: 1, ContextType: room.Type, ContextID: room.ID,
		Status: models.StatusTemporarilyDisconnected, DisconnectedAt: &old}))
	// 用戶 2：暫時斷線後已重連
	require.NoError(t, repo.Create(ctx, &models.ConnectionLog{UserID: 2, ContextType: room.Type, ContextID: room.ID,
		Status: models.StatusTemporarilyDisconnected, DisconnectedAt: &old}))
	require.NoError(t, repo.Create(ctx, &models.ConnectionLog{UserID: 2, ContextType: room.Type, ContextID: room.ID,
		Status: models.StatusConnected, ReconnectedAt: &now}))
	// 用戶 3：剛斷線
	require.NoError(t, repo.Create(ctx, &models.ConnectionLog{UserID: 3, ContextType: room.Type, ContextID: room.ID,
		Status: models.StatusTemporarilyDisconnected, DisconnectedAt: &now}))

	expired, err := repo.ExpiredTemporaryDisconnections(ctx, now.Add(-30*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, uint(1), expired[0].UserID)

	count, err := repo.CountLatestWithStatusSince(ctx, models.StatusTemporarilyDisconnected, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestUserRepository_ExistsIncludingDeleted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := &models.User{Username: "alice", Role: models.RoleDebater}
	require.NoError(t, repo.Create(ctx, user))
	require.NoError(t, repo.Delete(ctx, user.ID))

	_, err := repo.FindByID(ctx, user.ID)
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := repo.ExistsIncludingDeleted(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = repo.ExistsIncludingDeleted(ctx, 999)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRoomRepository_TransitionStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRoomRepository(db)
	ctx := context.Background()

	room := &models.Room{Name: "r", Status: models.RoomStatusReady, CreatedBy: 1, FormatType: "standard"}
	require.NoError(t, repo.Create(ctx, room))

	ok, err := repo.TransitionStatusTx(db.WithContext(ctx), room.ID, models.RoomStatusReady, models.RoomStatusDebating)
	require.NoError(t, err)
	require.True(t, ok)

	// 第二次以舊狀態轉換會失敗（CAS）
	ok, err = repo.TransitionStatusTx(db.WithContext(ctx), room.ID, models.RoomStatusReady, models.RoomStatusDebating)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = repo.TransitionStatusTx(db.WithContext(ctx), room.ID, models.RoomStatusFinished, models.RoomStatusWaiting)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestDebateRepository_CompareAndSetTurn(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDebateRepository(db)
	ctx := context.Background()

	end := time.Now().UTC().Add(-time.Second)
	debate := &models.Debate{RoomID: 1, AffirmativeUserID: 1, NegativeUserID: 2, CurrentTurn: 1, TurnEndTime: &end}
	require.NoError(t, repo.Create(ctx, debate))

	expired, err := repo.FindExpiredTurns(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	next := time.Now().UTC().Add(time.Minute)
	ok, err := repo.CompareAndSetTurnTx(db.WithContext(ctx), debate.ID, 1, TurnUpdate{CurrentTurn: 2, TurnEndTime: &next})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.CompareAndSetTurnTx(db.WithContext(ctx), debate.ID, 1, TurnUpdate{CurrentTurn: 2, TurnEndTime: &next})
	require.NoError(t, err)
	require.False(t, ok)

	reloaded, err := repo.FindByID(ctx, debate.ID)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.CurrentTurn)
}
