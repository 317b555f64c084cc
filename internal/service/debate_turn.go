package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
	"debate_engine/internal/storage"
)

var ErrDebateNotStarted = errors.New("debate has not started")

// DebateSettings 回合引擎的設定
type DebateSettings struct {
	AIUserID               uint
	SkipMinRemaining       time.Duration
	EarlyTerminationStatus models.RoomStatus
}

// AdvanceResult 推進的結果；Advanced 只有實際寫入的那次呼叫為 true
type AdvanceResult struct {
	Debate    *models.Debate
	Advanced  bool
	Completed bool
}

// DebateState 查詢用的辯論快照
type DebateState struct {
	Debate           *models.Debate `json:"debate"`
	RoomStatus       string         `json:"room_status"`
	TotalTurns       int            `json:"total_turns"`
	Turn             *models.Turn   `json:"turn,omitempty"`
	Speaker          models.Side    `json:"speaker,omitempty"`
	RemainingSeconds int            `json:"remaining_seconds"`
	IsAITurn         bool           `json:"is_ai_turn"`
	Completed        bool           `json:"completed"`
}

// DebateTurnEngine 推進回合、處理截止時間與 AI 準備時間跳過
type DebateTurnEngine struct {
	db          *storage.DB
	debates     repository.DebateRepository
	rooms       repository.RoomRepository
	formats     *FormatResolver
	broadcaster Broadcaster
	evaluator   Evaluator
	settings    DebateSettings
	now         func() time.Time
}

func NewDebateTurnEngine(db *storage.DB, debates repository.DebateRepository, rooms repository.RoomRepository, formats *FormatResolver, broadcaster Broadcaster, evaluator Evaluator, settings DebateSettings) *DebateTurnEngine {
	if settings.EarlyTerminationStatus == "" {
		settings.EarlyTerminationStatus = models.RoomStatusTerminated
	}
	return &DebateTurnEngine{
		db:          db,
		debates:     debates,
		rooms:       rooms,
		formats:     formats,
		broadcaster: broadcaster,
		evaluator:   evaluator,
		settings:    settings,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// StartDebate 固定賽制並進入第一回合；已開始時直接回傳目前狀態
func (e *DebateTurnEngine) StartDebate(ctx context.Context, debateID uint) (*models.Debate, error) {
	var started bool
	var debate *models.Debate
	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		d, err := e.debates.LockTx(tx, debateID)
		if err != nil {
			return err
		}
		debate = d
		if d.CurrentTurn != 0 || d.HasEnded() {
			return nil
		}
		room, err := e.rooms.FindByIDTx(tx, d.RoomID)
		if err != nil {
			return err
		}
		format, err := e.formats.Resolve(room)
		if err != nil {
			return err
		}
		snapshot, err := json.Marshal(format)
		if err != nil {
			return err
		}
		first, _ := format.Turn(1)
		end := e.now().Add(time.Duration(first.Duration) * time.Second)
		ok, err := e.debates.StartTx(tx, d.ID, snapshot, end)
		if err != nil || !ok {
			return err
		}
		d.CurrentTurn = 1
		d.TurnEndTime = &end
		d.FormatSnapshot = snapshot
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		log.Printf("debate: started debate=%d room=%d", debate.ID, debate.RoomID)
		safeBroadcast(e.broadcaster, DebateChannel(debate.ID), debateStartedEvent(debate))
	}
	return debate, nil
}

// AdvanceTurn 從 debate.CurrentTurn 推進到下一回合
// 並發呼叫中只有一個會寫入，其餘回傳最新狀態且 Advanced 為 false
func (e *DebateTurnEngine) AdvanceTurn(ctx context.Context, debate *models.Debate) (*AdvanceResult, error) {
	return e.advance(ctx, debate.ID, debate.CurrentTurn, false)
}

// AdvanceExpired 截止時間已過才推進，供逾時掃描與查詢時的延遲推進使用
func (e *DebateTurnEngine) AdvanceExpired(ctx context.Context, debate *models.Debate) (*AdvanceResult, error) {
	if debate.HasEnded() || debate.TurnEndTime == nil || debate.TurnEndTime.After(e.now()) {
		return &AdvanceResult{Debate: debate}, nil
	}
	return e.advance(ctx, debate.ID, debate.CurrentTurn, true)
}

// AdvanceExpiredTurns 掃描所有逾時回合，回傳實際推進的數量
func (e *DebateTurnEngine) AdvanceExpiredTurns(ctx context.Context, limit int) (int, error) {
	expired, err := e.debates.FindExpiredTurns(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for i := range expired {
		res, err := e.AdvanceExpired(ctx, &expired[i])
		if err != nil {
			log.Printf("debate: expired advance failed debate=%d turn=%d: %v", expired[i].ID, expired[i].CurrentTurn, err)
			continue
		}
		if res.Advanced {
			advanced++
		}
	}
	return advanced, nil
}

// CompleteAITurn AI 發言完成後提前結束它的回合
func (e *DebateTurnEngine) CompleteAITurn(ctx context.Context, debateID uint, turn int) (*AdvanceResult, error) {
	debate, room, format, err := e.load(ctx, debateID)
	if errors.Is(err, ErrDebateNotStarted) {
		return &AdvanceResult{Debate: debate}, nil
	}
	if err != nil {
		return nil, err
	}
	if debate.CurrentTurn != turn || !e.IsAITurn(room, debate, format) {
		return &AdvanceResult{Debate: debate}, nil
	}
	if t, ok := format.Turn(turn); !ok || t.IsPrepTime {
		return &AdvanceResult{Debate: debate}, nil
	}
	return e.advance(ctx, debate.ID, turn, false)
}

// SkipAIPrepTime 人類參與者在 AI 的準備時間要求直接跳過
// 只有這次呼叫實際推進時回傳 true，其餘未滿足的條件都回傳 false
func (e *DebateTurnEngine) SkipAIPrepTime(ctx context.Context, debateID, requesterID uint) (bool, error) {
	debate, room, format, err := e.load(ctx, debateID)
	if errors.Is(err, ErrDebateNotStarted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if room.Status != models.RoomStatusDebating || debate.HasEnded() {
		return false, nil
	}
	if !debate.IsParticipant(requesterID) || requesterID == e.settings.AIUserID {
		return false, nil
	}
	turn, ok := format.Turn(debate.CurrentTurn)
	if !ok || !turn.IsPrepTime || !e.IsAITurn(room, debate, format) {
		return false, nil
	}
	if e.RemainingTime(debate) <= e.settings.SkipMinRemaining {
		return false, nil
	}

	res, err := e.advance(ctx, debate.ID, debate.CurrentTurn, false)
	if err != nil {
		return false, err
	}
	if res.Advanced {
		log.Printf("debate: ai prep skipped debate=%d turn=%d requester=%d", debate.ID, debate.CurrentTurn, requesterID)
	}
	return res.Advanced, nil
}

// IsAITurn 目前回合的發言者是否為 AI
func (e *DebateTurnEngine) IsAITurn(room *models.Room, debate *models.Debate, format models.Format) bool {
	if !room.IsAIDebate || e.settings.AIUserID == 0 {
		return false
	}
	side, ok := SpeakerForTurn(format, debate.CurrentTurn)
	if !ok {
		return false
	}
	return debate.UserForSide(side) == e.settings.AIUserID
}

// RemainingTime 距離回合截止的時間，永不為負
func (e *DebateTurnEngine) RemainingTime(debate *models.Debate) time.Duration {
	if debate.TurnEndTime == nil {
		return 0
	}
	remaining := debate.TurnEndTime.Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetDebate 查詢辯論
func (e *DebateTurnEngine) GetDebate(ctx context.Context, debateID uint) (*models.Debate, error) {
	return e.debates.FindByID(ctx, debateID)
}

// State 查詢辯論，若回合已逾時會先推進
func (e *DebateTurnEngine) State(ctx context.Context, debateID uint) (*DebateState, error) {
	debate, err := e.debates.FindByID(ctx, debateID)
	if err != nil {
		return nil, err
	}
	if _, err := e.AdvanceExpired(ctx, debate); err != nil {
		log.Printf("debate: lazy advance failed debate=%d: %v", debate.ID, err)
	}
	debate, room, format, err := e.load(ctx, debateID)
	if err != nil && !errors.Is(err, ErrDebateNotStarted) {
		return nil, err
	}
	state := &DebateState{
		Debate:           debate,
		RoomStatus:       string(room.Status),
		TotalTurns:       format.Len(),
		RemainingSeconds: debate.RemainingSeconds(e.now()),
		Completed:        debate.HasEnded(),
	}
	if turn, ok := format.Turn(debate.CurrentTurn); ok && !debate.HasEnded() {
		state.Turn = &turn
		state.Speaker = turn.Speaker
		state.IsAITurn = e.IsAITurn(room, debate, format)
	}
	return state, nil
}

// FinishEarly 雙方同意提前結束：清除截止時間並把房間轉到設定的狀態
// 辯論已結束時回傳 false
func (e *DebateTurnEngine) FinishEarly(ctx context.Context, debateID uint) (*models.Debate, bool, error) {
	return e.finish(ctx, debateID, e.settings.EarlyTerminationStatus)
}

// Abandon 參與者在辯論中離開房間，辯論直接終止且不評分
func (e *DebateTurnEngine) Abandon(ctx context.Context, debateID uint) (*models.Debate, bool, error) {
	return e.finish(ctx, debateID, models.RoomStatusTerminated)
}

func (e *DebateTurnEngine) finish(ctx context.Context, debateID uint, target models.RoomStatus) (*models.Debate, bool, error) {
	var debate *models.Debate
	var finished bool
	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		d, err := e.debates.LockTx(tx, debateID)
		if err != nil {
			return err
		}
		debate = d
		if d.HasEnded() {
			return nil
		}
		now := e.now()
		update := repository.TurnUpdate{CurrentTurn: d.CurrentTurn, EndedAt: &now, EarlyTerminated: true}
		ok, err := e.debates.CompareAndSetTurnTx(tx, d.ID, d.CurrentTurn, update)
		if err != nil || !ok {
			return err
		}
		moved, err := e.rooms.TransitionStatusTx(tx, d.RoomID, models.RoomStatusDebating, target)
		if err != nil {
			return err
		}
		if !moved {
			log.Printf("debate: room %d not debating on early finish, status left unchanged", d.RoomID)
		}
		d.TurnEndTime = nil
		d.EndedAt = &now
		d.EarlyTerminated = true
		finished = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if finished {
		log.Printf("debate: finished early debate=%d turn=%d status=%s", debate.ID, debate.CurrentTurn, target)
		if target == models.RoomStatusFinished {
			e.requestEvaluation(ctx, debate)
		}
		safeBroadcast(e.broadcaster, DebateChannel(debate.ID), debateCompletedEvent(debate))
	}
	return debate, finished, nil
}

func (e *DebateTurnEngine) advance(ctx context.Context, debateID uint, expected int, requireExpired bool) (*AdvanceResult, error) {
	ctx, span := tracer.Start(ctx, "debate.advance")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("debate.id", int64(debateID)),
		attribute.Int("debate.expected_turn", expected),
	)

	result := &AdvanceResult{}
	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		d, err := e.debates.LockTx(tx, debateID)
		if err != nil {
			return err
		}
		result.Debate = d
		if d.HasEnded() || d.CurrentTurn == 0 || d.CurrentTurn != expected {
			return nil
		}
		now := e.now()
		if requireExpired && (d.TurnEndTime == nil || d.TurnEndTime.After(now)) {
			return nil
		}
		format, err := e.formatFor(tx, d)
		if err != nil {
			return err
		}

		next := expected + 1
		update := repository.TurnUpdate{CurrentTurn: next}
		if next > format.Len() {
			update.EndedAt = &now
		} else {
			turn, _ := format.Turn(next)
			end := now.Add(time.Duration(turn.Duration) * time.Second)
			update.TurnEndTime = &end
		}
		ok, err := e.debates.CompareAndSetTurnTx(tx, d.ID, expected, update)
		if err != nil || !ok {
			return err
		}
		d.CurrentTurn = update.CurrentTurn
		d.TurnEndTime = update.TurnEndTime
		d.EndedAt = update.EndedAt
		result.Advanced = true
		result.Completed = update.EndedAt != nil
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !result.Advanced {
		return result, nil
	}

	d := result.Debate
	if result.Completed {
		log.Printf("debate: completed debate=%d turns=%d", d.ID, d.CurrentTurn-1)
		e.requestEvaluation(ctx, d)
		safeBroadcast(e.broadcaster, DebateChannel(d.ID), debateCompletedEvent(d))
	} else {
		safeBroadcast(e.broadcaster, DebateChannel(d.ID), turnAdvancedEvent(d))
	}
	return result, nil
}

func (e *DebateTurnEngine) requestEvaluation(ctx context.Context, debate *models.Debate) {
	if e.evaluator == nil {
		return
	}
	if err := e.evaluator.RequestEvaluation(ctx, debate); err != nil {
		log.Printf("debate: evaluation request failed debate=%d: %v", debate.ID, err)
	}
}

// formatFor 優先使用開始時保存的賽制
func (e *DebateTurnEngine) formatFor(tx *gorm.DB, d *models.Debate) (models.Format, error) {
	if format, ok := d.Format(); ok {
		return format, nil
	}
	room, err := e.rooms.FindByIDTx(tx, d.RoomID)
	if err != nil {
		return models.Format{}, err
	}
	return e.formats.Resolve(room)
}

func (e *DebateTurnEngine) load(ctx context.Context, debateID uint) (*models.Debate, *models.Room, models.Format, error) {
	debate, err := e.debates.FindByID(ctx, debateID)
	if err != nil {
		return nil, nil, models.Format{}, err
	}
	room, err := e.rooms.FindByID(ctx, debate.RoomID)
	if err != nil {
		return nil, nil, models.Format{}, err
	}
	format, ok := debate.Format()
	if !ok {
		return debate, room, models.Format{}, fmt.Errorf("debate %d: %w", debate.ID, ErrDebateNotStarted)
	}
	return debate, room, format, nil
}
