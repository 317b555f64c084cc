package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"debate_engine/internal/models"
	"debate_engine/internal/storage"
)

// latestOnly 篩出每個 (user, context) 最新的一筆：不存在 id 更大的同主體紀錄
const latestOnly = `NOT EXISTS (
	SELECT 1 FROM connection_logs newer
	WHERE newer.user_id = connection_logs.user_id
	AND newer.context_type = connection_logs.context_type
	AND newer.context_id = connection_logs.context_id
	AND newer.id > connection_logs.id)`

// DecideFunc 依據最新紀錄決定下一筆要寫入的紀錄；回傳 nil 表示不需寫入
type DecideFunc func(latest *models.ConnectionLog) (*models.ConnectionLog, error)

// ConnectionLogRepository 只能新增，不能修改或刪除
type ConnectionLogRepository interface {
	Create(ctx context.Context, entry *models.ConnectionLog) error
	Latest(ctx context.Context, userID uint, c models.ConnectionContext) (*models.ConnectionLog, error)
	// AppendTransition 在同一交易內讀取最新紀錄並寫入下一筆
	AppendTransition(ctx context.Context, userID uint, c models.ConnectionContext, decide DecideFunc) (*models.ConnectionLog, error)
	ConnectedUsers(ctx context.Context, c models.ConnectionContext) ([]uint, error)
	History(ctx context.Context, userID uint, c models.ConnectionContext) ([]models.ConnectionLog, error)
	// ExpiredTemporaryDisconnections 最新狀態仍為暫時斷線且斷線時間早於 before
	ExpiredTemporaryDisconnections(ctx context.Context, before time.Time, limit int) ([]models.ConnectionLog, error)
	// CountLatestWithStatusSince 最新狀態為 status 且建立於 since 之後的主體數
	CountLatestWithStatusSince(ctx context.Context, status models.ConnectionStatus, since time.Time) (int64, error)
}

type connectionLogRepository struct {
	db *storage.DB
}

func NewConnectionLogRepository(db *storage.DB) ConnectionLogRepository {
	return &connectionLogRepository{db: db}
}

func (r *connectionLogRepository) Create(ctx context.Context, entry *models.ConnectionLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *connectionLogRepository) Latest(ctx context.Context, userID uint, c models.ConnectionContext) (*models.ConnectionLog, error) {
	return latestTx(r.db.WithContext(ctx), userID, c)
}

func latestTx(tx *gorm.DB, userID uint, c models.ConnectionContext) (*models.ConnectionLog, error) {
	var entry models.ConnectionLog
	err := tx.Where("user_id = ? AND context_type = ? AND context_id = ?", userID, c.Type, c.ID).
		Order("id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *connectionLogRepository) AppendTransition(ctx context.Context, userID uint, c models.ConnectionContext, decide DecideFunc) (*models.ConnectionLog, error) {
	var written *models.ConnectionLog
	err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
		// 兩個同時到達的 webhook 會在這裡排隊
		if err := storage.AdvisoryLock(tx, fmt.Sprintf("connection_logs:%d:%s", userID, c)); err != nil {
			return err
		}
		latest, err := latestTx(tx, userID, c)
		if err != nil {
			return err
		}
		next, err := decide(latest)
		if err != nil || next == nil {
			return err
		}
		next.ID = 0
		next.UserID = userID
		next.ContextType = c.Type
		next.ContextID = c.ID
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		written = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

func (r *connectionLogRepository) ConnectedUsers(ctx context.Context, c models.ConnectionContext) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.ConnectionLog{}).
		Where("context_type = ? AND context_id = ? AND status = ?", c.Type, c.ID, models.StatusConnected).
		Where(latestOnly).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *connectionLogRepository) History(ctx context.Context, userID uint, c models.ConnectionContext) ([]models.ConnectionLog, error) {
	var entries []models.ConnectionLog
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND context_type = ? AND context_id = ?", userID, c.Type, c.ID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *connectionLogRepository) ExpiredTemporaryDisconnections(ctx context.Context, before time.Time, limit int) ([]models.ConnectionLog, error) {
	var entries []models.ConnectionLog
	q := r.db.WithContext(ctx).
		Where("status = ? AND disconnected_at <= ?", models.StatusTemporarilyDisconnected, before).
		Where(latestOnly).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

func (r *connectionLogRepository) CountLatestWithStatusSince(ctx context.Context, status models.ConnectionStatus, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConnectionLog{}).
		Where("status = ? AND created_at >= ?", status, since).
		Where(latestOnly).
		Count(&count).Error
	return count, err
}
