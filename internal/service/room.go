package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
	"debate_engine/internal/storage"
)

var (
	ErrRoomNotJoinable = errors.New("房間不開放加入")
	ErrSideTaken       = errors.New("該立場已被占用")
	ErrInvalidSide     = errors.New("無效的立場")
	ErrAlreadyJoined   = errors.New("用戶已在房間中")
	ErrNotInRoom       = errors.New("用戶不在房間中")
	ErrNotCreator      = errors.New("只有房主可以開始辯論")
	ErrRoomNotReady    = errors.New("房間尚未準備就緒")
	ErrRoomClosed      = errors.New("房間已結束")
	ErrInvalidFormat   = errors.New("無效的賽制設定")
)

// CreateRoomInput 建立房間的參數
type CreateRoomInput struct {
	Name            string          `json:"name" binding:"required"`
	Topic           string          `json:"topic" binding:"required"`
	Language        string          `json:"language"`
	FormatType      string          `json:"format_type"`
	CustomFormat    json.RawMessage `json:"custom_format_settings"`
	EvidenceAllowed bool            `json:"evidence_allowed"`
	IsAIDebate      bool            `json:"is_ai_debate"`
	Side            models.Side     `json:"side"`
}

// RoomService 房間的建立、加入、離開與開始辯論
type RoomService struct {
	db          *storage.DB
	rooms       repository.RoomRepository
	debates     repository.DebateRepository
	formats     *FormatResolver
	engine      *DebateTurnEngine
	coordinator *ConnectionCoordinator
	aiUserID    uint
}

func NewRoomService(db *storage.DB, rooms repository.RoomRepository, debates repository.DebateRepository, formats *FormatResolver, engine *DebateTurnEngine, coordinator *ConnectionCoordinator, aiUserID uint) *RoomService {
	return &RoomService{
		db:          db,
		rooms:       rooms,
		debates:     debates,
		formats:     formats,
		engine:      engine,
		coordinator: coordinator,
		aiUserID:    aiUserID,
	}
}

// CreateRoom 房主直接加入指定立場；AI 辯論由 AI 用戶佔據另一方
func (s *RoomService) CreateRoom(ctx context.Context, creatorID uint, input CreateRoomInput) (*models.Room, error) {
	side := input.Side
	if side == "" {
		side = models.SideAffirmative
	}
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	formatType := input.FormatType
	if formatType == "" {
		formatType = "standard"
	}

	room := &models.Room{
		Name:            input.Name,
		Topic:           input.Topic,
		Status:          models.RoomStatusWaiting,
		CreatedBy:       creatorID,
		Language:        input.Language,
		FormatType:      formatType,
		EvidenceAllowed: input.EvidenceAllowed,
		IsAIDebate:      input.IsAIDebate,
	}
	if len(input.CustomFormat) > 0 {
		room.CustomFormatSettings = datatypes.JSON(input.CustomFormat)
	}
	// 先驗證賽制，避免開始時才發現設定錯誤
	if _, err := s.formats.Resolve(room); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	s.assign(room, side, creatorID)
	if input.IsAIDebate && s.aiUserID != 0 {
		s.assign(room, side.Opposite(), s.aiUserID)
		room.Status = models.RoomStatusReady
	}

	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, err
	}
	log.Printf("room: created room=%d creator=%d format=%s ai=%t", room.ID, creatorID, room.FormatType, room.IsAIDebate)
	return room, nil
}

// JoinRoom 加入空著的立場，兩方都有人時房間轉為 ready
func (s *RoomService) JoinRoom(ctx context.Context, roomID, userID uint, side models.Side) (*models.Room, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	var room *models.Room
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		r, err := s.rooms.LockTx(tx, roomID)
		if err != nil {
			return err
		}
		if r.Status != models.RoomStatusWaiting {
			return ErrRoomNotJoinable
		}
		if r.IsParticipant(userID) {
			return ErrAlreadyJoined
		}
		if r.UserForSide(side) != 0 {
			return ErrSideTaken
		}
		s.assign(r, side, userID)
		if r.IsFull() {
			if err := r.Status.ValidateTransition(models.RoomStatusReady); err != nil {
				return err
			}
			r.Status = models.RoomStatusReady
		}
		room = r
		return s.rooms.UpdateTx(tx, r)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("room: user %d joined room=%d side=%s status=%s", userID, room.ID, side, room.Status)
	return room, nil
}

// LeaveRoom 明確離開：房主離開刪除房間，辯論中離開終止辯論，其他情況釋出立場
// 這是主動離開，連線紀錄直接記為 gracefully_disconnected
func (s *RoomService) LeaveRoom(ctx context.Context, roomID, userID uint) (*models.Room, error) {
	var room *models.Room
	var debating bool
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		r, err := s.rooms.LockTx(tx, roomID)
		if err != nil {
			return err
		}
		room = r
		if r.Status.IsTerminal() {
			return ErrRoomClosed
		}
		if !r.IsParticipant(userID) && r.CreatedBy != userID {
			return ErrNotInRoom
		}

		switch {
		case r.Status == models.RoomStatusDebating:
			// 辯論由回合引擎終止，房間狀態一併轉換
			debating = true
			return nil
		case r.CreatedBy == userID:
			if err := r.Status.ValidateTransition(models.RoomStatusDeleted); err != nil {
				return err
			}
			r.Status = models.RoomStatusDeleted
		default:
			side, _ := r.SideOf(userID)
			s.assign(r, side, 0)
			if r.Status == models.RoomStatusReady {
				r.Status = models.RoomStatusWaiting
			}
		}
		return s.rooms.UpdateTx(tx, r)
	})
	if err != nil {
		return nil, err
	}

	if debating {
		debate, err := s.debates.FindByRoomID(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		_, finished, err := s.engine.Abandon(ctx, debate.ID)
		if err != nil {
			return nil, err
		}
		// 最後一回合已結束、等待評分時房間維持 debating
		if finished {
			room.Status = models.RoomStatusTerminated
		}
		s.gracefulDisconnect(ctx, userID, models.ConnectionContext{Type: models.ContextDebate, ID: debate.ID})
	}
	s.gracefulDisconnect(ctx, userID, models.ConnectionContext{Type: models.ContextRoom, ID: room.ID})
	log.Printf("room: user %d left room=%d status=%s", userID, room.ID, room.Status)
	return room, nil
}

// StartDebate 房主在 ready 狀態開始辯論
func (s *RoomService) StartDebate(ctx context.Context, roomID, userID uint) (*models.Debate, error) {
	var debate *models.Debate
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		r, err := s.rooms.LockTx(tx, roomID)
		if err != nil {
			return err
		}
		if r.CreatedBy != userID {
			return ErrNotCreator
		}
		if r.Status != models.RoomStatusReady || !r.IsFull() {
			return ErrRoomNotReady
		}
		debate = &models.Debate{
			RoomID:            r.ID,
			AffirmativeUserID: r.AffirmativeUserID,
			NegativeUserID:    r.NegativeUserID,
		}
		if err := s.debates.CreateTx(tx, debate); err != nil {
			return err
		}
		ok, err := s.rooms.TransitionStatusTx(tx, r.ID, models.RoomStatusReady, models.RoomStatusDebating)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRoomNotReady
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.engine.StartDebate(ctx, debate.ID)
}

// MarkEvaluated 評分完成後把房間從 debating 轉為 finished，其他狀態不做任何事
func (s *RoomService) MarkEvaluated(ctx context.Context, debateID uint) error {
	debate, err := s.debates.FindByID(ctx, debateID)
	if err != nil {
		return err
	}
	return s.db.Transaction(ctx, func(tx *gorm.DB) error {
		r, err := s.rooms.LockTx(tx, debate.RoomID)
		if err != nil {
			return err
		}
		if r.Status != models.RoomStatusDebating {
			return nil
		}
		ok, err := s.rooms.TransitionStatusTx(tx, r.ID, models.RoomStatusDebating, models.RoomStatusFinished)
		if err != nil {
			return err
		}
		if ok {
			log.Printf("room: room=%d finished after evaluation of debate=%d", r.ID, debate.ID)
		}
		return nil
	})
}

// AuthorizeChannel 只有房主與正反方可以訂閱房間或辯論的頻道
func (s *RoomService) AuthorizeChannel(ctx context.Context, userID uint, channel string) error {
	cc, ok := ChannelContext(channel)
	if !ok {
		return ErrInvalidChannel
	}
	roomID := cc.ID
	if cc.Type == models.ContextDebate {
		debate, err := s.debates.FindByID(ctx, cc.ID)
		if err != nil {
			return err
		}
		if debate.IsParticipant(userID) {
			return nil
		}
		roomID = debate.RoomID
	}
	room, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room.IsParticipant(userID) || room.CreatedBy == userID {
		return nil
	}
	return ErrNotInRoom
}

// GetRoom 查詢房間
func (s *RoomService) GetRoom(ctx context.Context, roomID uint) (*models.Room, error) {
	return s.rooms.FindByID(ctx, roomID)
}

// GetDebateByRoom 房間對應的辯論
func (s *RoomService) GetDebateByRoom(ctx context.Context, roomID uint) (*models.Debate, error) {
	return s.debates.FindByRoomID(ctx, roomID)
}

func (s *RoomService) assign(room *models.Room, side models.Side, userID uint) {
	switch side {
	case models.SideAffirmative:
		room.AffirmativeUserID = userID
	case models.SideNegative:
		room.NegativeUserID = userID
	}
}

func (s *RoomService) gracefulDisconnect(ctx context.Context, userID uint, cc models.ConnectionContext) {
	if s.coordinator == nil {
		return
	}
	if _, err := s.coordinator.HandleGracefulDisconnect(ctx, userID, cc); err != nil {
		log.Printf("room: graceful disconnect failed user=%d context=%s: %v", userID, cc, err)
	}
}
