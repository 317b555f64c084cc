package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"debate_engine/internal/models"
	"debate_engine/internal/storage"
)

// TurnUpdate 回合推進要寫入的欄位
type TurnUpdate struct {
	CurrentTurn     int
	TurnEndTime     *time.Time
	EndedAt         *time.Time
	EarlyTerminated bool
}

type DebateRepository interface {
	Create(ctx context.Context, debate *models.Debate) error
	CreateTx(tx *gorm.DB, debate *models.Debate) error
	FindByID(ctx context.Context, id uint) (*models.Debate, error)
	FindByRoomID(ctx context.Context, roomID uint) (*models.Debate, error)
	// StartTx 從第 0 回合進入第 1 回合並保存賽制
	StartTx(tx *gorm.DB, id uint, format datatypes.JSON, turnEnd time.Time) (bool, error)
	// LockTx 在交易內讀取並鎖定辯論列
	LockTx(tx *gorm.DB, id uint) (*models.Debate, error)
	// CompareAndSetTurnTx 只有 current_turn 仍等於 expectedTurn 時才更新
	CompareAndSetTurnTx(tx *gorm.DB, id uint, expectedTurn int, update TurnUpdate) (bool, error)
	// FindExpiredTurns 截止時間已過但尚未結束的辯論
	FindExpiredTurns(ctx context.Context, now time.Time, limit int) ([]models.Debate, error)
	FindActive(ctx context.Context) ([]models.Debate, error)
}

type debateRepository struct {
	db *storage.DB
}

func NewDebateRepository(db *storage.DB) DebateRepository {
	return &debateRepository{db: db}
}

func (r *debateRepository) Create(ctx context.Context, debate *models.Debate) error {
	return r.CreateTx(r.db.WithContext(ctx), debate)
}

func (r *debateRepository) CreateTx(tx *gorm.DB, debate *models.Debate) error {
	return tx.Create(debate).Error
}

func (r *debateRepository) FindByID(ctx context.Context, id uint) (*models.Debate, error) {
	var debate models.Debate
	if err := r.db.WithContext(ctx).First(&debate, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &debate, nil
}

func (r *debateRepository) FindByRoomID(ctx context.Context, roomID uint) (*models.Debate, error) {
	var debate models.Debate
	if err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&debate).Error; err != nil {
		return nil, notFound(err)
	}
	return &debate, nil
}

func (r *debateRepository) StartTx(tx *gorm.DB, id uint, format datatypes.JSON, turnEnd time.Time) (bool, error) {
	res := tx.Model(&models.Debate{}).
		Where("id = ? AND current_turn = 0 AND ended_at IS NULL", id).
		Updates(map[string]interface{}{
			"current_turn":    1,
			"turn_end_time":   turnEnd,
			"format_snapshot": format,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *debateRepository) LockTx(tx *gorm.DB, id uint) (*models.Debate, error) {
	var debate models.Debate
	if err := storage.ForUpdate(tx).First(&debate, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &debate, nil
}

func (r *debateRepository) CompareAndSetTurnTx(tx *gorm.DB, id uint, expectedTurn int, update TurnUpdate) (bool, error) {
	res := tx.Model(&models.Debate{}).
		Where("id = ? AND current_turn = ? AND ended_at IS NULL", id, expectedTurn).
		Updates(map[string]interface{}{
			"current_turn":     update.CurrentTurn,
			"turn_end_time":    update.TurnEndTime,
			"ended_at":         update.EndedAt,
			"early_terminated": update.EarlyTerminated,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *debateRepository) FindExpiredTurns(ctx context.Context, now time.Time, limit int) ([]models.Debate, error) {
	var debates []models.Debate
	q := r.db.WithContext(ctx).
		Where("ended_at IS NULL AND current_turn > 0 AND turn_end_time IS NOT NULL AND turn_end_time <= ?", now).
		Order("turn_end_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&debates).Error
	return debates, err
}

func (r *debateRepository) FindActive(ctx context.Context) ([]models.Debate, error) {
	var debates []models.Debate
	err := r.db.WithContext(ctx).
		Where("ended_at IS NULL AND current_turn > 0").
		Find(&debates).Error
	return debates, err
}
