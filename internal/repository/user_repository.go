package repository

import (
	"context"

	"debate_engine/internal/models"
	"debate_engine/internal/storage"
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id uint) (*models.User, error)
	// ExistsIncludingDeleted 軟刪除的用戶也算存在，離線紀錄仍需處理
	ExistsIncludingDeleted(ctx context.Context, id uint) (bool, error)
	Delete(ctx context.Context, id uint) error
}

type userRepository struct {
	db *storage.DB
}

func NewUserRepository(db *storage.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepository) FindByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *userRepository) ExistsIncludingDeleted(ctx context.Context, id uint) (bool, error) {
	if id == 0 {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Unscoped().Model(&models.User{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// Delete 軟刪除
func (r *userRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.User{}, id).Error
}
