package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"debate_engine/internal/models"
)

func TestDebateTurnEngine_StartDebate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	debate := env.startDebate(t, "standard", 1, 2, false)
	require.NotNil(t, debate.TurnEndTime)
	require.WithinDuration(t, env.now.Add(300*time.Second), debate.TurnEndTime.UTC(), time.Millisecond)
	require.Equal(t, models.RoomStatusDebating, env.roomStatus(t, debate.RoomID))
	require.Len(t, env.broadcaster.ofType(EventDebateStarted), 1)

	// 重複開始不會重設回合
	again, err := env.engine.StartDebate(ctx, debate.ID)
	require.NoError(t, err)
	require.Equal(t, 1, again.CurrentTurn)
	require.Len(t, env.broadcaster.ofType(EventDebateStarted), 1)
}

func TestDebateTurnEngine_SkipAIPrepTime(t *testing.T) {
	ctx := context.Background()

	t.Run("HappyPath", func(t *testing.T) {
		env := newTestEnv(t)
		debate := env.startDebate(t, "ai_prep", 1, testAIUserID, true)
		require.WithinDuration(t, env.now.Add(120*time.Second), debate.TurnEndTime.UTC(), time.Millisecond)

		skipped, err := env.engine.SkipAIPrepTime(ctx, debate.ID, 1)
		require.NoError(t, err)
		require.True(t, skipped)

		d := env.reload(t, debate.ID)
		require.Equal(t, 2, d.CurrentTurn)
		require.WithinDuration(t, env.now.Add(240*time.Second), d.TurnEndTime.UTC(), time.Millisecond)
		require.Len(t, env.broadcaster.ofType(EventTurnAdvanced), 1)
	})

	t.Run("RejectedNearExpiry", func(t *testing.T) {
		env := newTestEnv(t)
		debate := env.startDebate(t, "ai_prep", 1, testAIUserID, true)
		env.now = env.now.Add(117 * time.Second)

		skipped, err := env.engine.SkipAIPrepTime(ctx, debate.ID, 1)
		require.NoError(t, err)
		require.False(t, skipped)
		require.Equal(t, 1, env.reload(t, debate.ID).CurrentTurn)
	})

	t.Run("RequesterMustBeHumanParticipant", func(t *testing.T) {
		env := newTestEnv(t)
		debate := env.startDebate(t, "ai_prep", 1, testAIUserID, true)

		for _, requester := range []uint{3, testAIUserID} {
			skipped, err := env.engine.SkipAIPrepTime(ctx, debate.ID, requester)
			require.NoError(t, err)
			require.False(t, skipped)
		}
		require.Equal(t, 1, env.reload(t, debate.ID).CurrentTurn)
	})

	t.Run("NotAITurn", func(t *testing.T) {
		env := newTestEnv(t)
		// AI 在正方，第一回合是反方（人類）的準備時間
		debate := env.startDebate(t, "ai_prep", testAIUserID, 2, true)

		skipped, err := env.engine.SkipAIPrepTime(ctx, debate.ID, 2)
		require.NoError(t, err)
		require.False(t, skipped)
	})

	t.Run("NotPrepTime", func(t *testing.T) {
		env := newTestEnv(t)
		debate := env.startDebate(t, "standard", testAIUserID, 2, true)

		skipped, err := env.engine.SkipAIPrepTime(ctx, debate.ID, 2)
		require.NoError(t, err)
		require.False(t, skipped)
	})

	t.Run("UnknownDebate", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.engine.SkipAIPrepTime(ctx, 404, 1)
		require.Error(t, err)
	})
}

func TestDebateTurnEngine_CompletionBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	debate := env.startDebate(t, "standard", 1, 2, false)

	for turn := 1; turn <= 3; turn++ {
		res, err := env.engine.AdvanceTurn(ctx, env.reload(t, debate.ID))
		require.NoError(t, err)
		require.True(t, res.Advanced)
		require.Equal(t, turn == 3, res.Completed)
	}

	d := env.reload(t, debate.ID)
	require.Equal(t, 4, d.CurrentTurn)
	require.Nil(t, d.TurnEndTime)
	require.True(t, d.HasEnded())
	require.False(t, d.EarlyTerminated)
	require.Equal(t, 1, env.evaluator.count())
	require.Len(t, env.broadcaster.ofType(EventTurnAdvanced), 2)
	require.Len(t, env.broadcaster.ofType(EventDebateCompleted), 1)

	// 已完成的辯論不會再推進
	res, err := env.engine.AdvanceTurn(ctx, d)
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.Equal(t, 4, env.reload(t, debate.ID).CurrentTurn)
	require.Equal(t, 1, env.evaluator.count())
}

func TestDebateTurnEngine_ExactlyOnceAdvance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	debate := env.startDebate(t, "ai_prep", 1, testAIUserID, true)
	stale := env.reload(t, debate.ID)

	var advanced int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				res, err := env.engine.AdvanceTurn(ctx, stale)
				if !assert.NoError(t, err) {
					return
				}
				if res.Advanced {
					atomic.AddInt32(&advanced, 1)
				} else {
					// 輸的一方看到的是已推進的狀態
					assert.Equal(t, 2, res.Debate.CurrentTurn)
				}
				return
			}
			skipped, err := env.engine.SkipAIPrepTime(ctx, debate.ID, 1)
			assert.NoError(t, err)
			if skipped {
				atomic.AddInt32(&advanced, 1)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), advanced)
	require.Equal(t, 2, env.reload(t, debate.ID).CurrentTurn)
	require.Len(t, env.broadcaster.ofType(EventTurnAdvanced), 1)
}

func TestDebateTurnEngine_LazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	debate := env.startDebate(t, "standard", 1, 2, false)

	state, err := env.engine.State(ctx, debate.ID)
	require.NoError(t, err)
	require.Equal(t, 1, state.Debate.CurrentTurn)
	require.Equal(t, 300, state.RemainingSeconds)
	require.Equal(t, models.SideAffirmative, state.Speaker)

	// 截止時間過了但沒有人觸發，下次查詢時才推進
	env.now = env.now.Add(301 * time.Second)
	state, err = env.engine.State(ctx, debate.ID)
	require.NoError(t, err)
	require.Equal(t, 2, state.Debate.CurrentTurn)
	require.Equal(t, models.SideNegative, state.Speaker)
	require.Equal(t, 300, state.RemainingSeconds)

	// 未逾時的回合不會被 AdvanceExpired 推進
	res, err := env.engine.AdvanceExpired(ctx, state.Debate)
	require.NoError(t, err)
	require.False(t, res.Advanced)
}

func TestLifecycle_TickAdvancesExpiredTurns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.startDebate(t, "standard", 1, 2, false)
	second := env.startDebate(t, "ai_prep", 3, 4, false)

	// 只有 ai_prep 的第一回合（120 秒）逾時
	env.now = env.now.Add(150 * time.Second)
	lifecycle := NewLifecycle(env.engine, nil, env.negotiator, nil, 0, 0, 0)
	lifecycle.Tick(ctx)

	require.Equal(t, 1, env.reload(t, first.ID).CurrentTurn)
	require.Equal(t, 2, env.reload(t, second.ID).CurrentTurn)
}

func TestDebateTurnEngine_FormatFixedAtStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	debate := env.startDebate(t, "standard", 1, 2, false)

	// 開始後修改房間賽制不影響進行中的辯論
	room, err := env.repos.Room.FindByID(ctx, debate.RoomID)
	require.NoError(t, err)
	room.FormatType = "ai_prep"
	require.NoError(t, env.repos.Room.Update(ctx, room))

	res, err := env.engine.AdvanceTurn(ctx, env.reload(t, debate.ID))
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.WithinDuration(t, env.now.Add(300*time.Second), res.Debate.TurnEndTime.UTC(), time.Millisecond)
}

func TestDebateTurnEngine_RemainingTime(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, time.Duration(0), env.engine.RemainingTime(&models.Debate{}))

	past := env.now.Add(-time.Minute)
	require.Equal(t, time.Duration(0), env.engine.RemainingTime(&models.Debate{TurnEndTime: &past}))

	future := env.now.Add(90 * time.Second)
	require.Equal(t, 90*time.Second, env.engine.RemainingTime(&models.Debate{TurnEndTime: &future}))
}

func TestSpeakerForTurn(t *testing.T) {
	format := models.Format{Turns: testFormats["standard"]}

	side, ok := SpeakerForTurn(format, 2)
	require.True(t, ok)
	require.Equal(t, models.SideNegative, side)

	_, ok = SpeakerForTurn(format, 0)
	require.False(t, ok)
	_, ok = SpeakerForTurn(format, 4)
	require.False(t, ok)
}
