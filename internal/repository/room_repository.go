package repository

import (
	"context"

	"gorm.io/gorm"

	"debate_engine/internal/models"
	"debate_engine/internal/storage"
)

type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	FindByID(ctx context.Context, id uint) (*models.Room, error)
	FindByIDTx(tx *gorm.DB, id uint) (*models.Room, error)
	// LockTx 在交易內讀取並鎖定房間列
	LockTx(tx *gorm.DB, id uint) (*models.Room, error)
	Update(ctx context.Context, room *models.Room) error
	UpdateTx(tx *gorm.DB, room *models.Room) error
	// TransitionStatusTx 以 CAS 方式轉換狀態，目前狀態不是 from 時回傳 false
	TransitionStatusTx(tx *gorm.DB, id uint, from, to models.RoomStatus) (bool, error)
	FindAll(ctx context.Context) ([]models.Room, error)
}

type roomRepository struct {
	db *storage.DB
}

func NewRoomRepository(db *storage.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Create(ctx context.Context, room *models.Room) error {
	return r.db.WithContext(ctx).Create(room).Error
}

// FindByID 包含軟刪除的房間，presence 判斷需要看到已刪除房間的狀態
func (r *roomRepository) FindByID(ctx context.Context, id uint) (*models.Room, error) {
	return r.FindByIDTx(r.db.WithContext(ctx), id)
}

func (r *roomRepository) FindByIDTx(tx *gorm.DB, id uint) (*models.Room, error) {
	var room models.Room
	if err := tx.Unscoped().First(&room, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (r *roomRepository) LockTx(tx *gorm.DB, id uint) (*models.Room, error) {
	var room models.Room
	if err := storage.ForUpdate(tx).First(&room, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (r *roomRepository) Update(ctx context.Context, room *models.Room) error {
	return r.UpdateTx(r.db.WithContext(ctx), room)
}

func (r *roomRepository) UpdateTx(tx *gorm.DB, room *models.Room) error {
	return tx.Save(room).Error
}

func (r *roomRepository) TransitionStatusTx(tx *gorm.DB, id uint, from, to models.RoomStatus) (bool, error) {
	if err := from.ValidateTransition(to); err != nil {
		return false, err
	}
	if from == to {
		return true, nil
	}
	res := tx.Model(&models.Room{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindAll 查詢所有房間
func (r *roomRepository) FindAll(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&rooms).Error
	return rooms, err
}
