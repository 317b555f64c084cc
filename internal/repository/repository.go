package repository

import (
	"errors"

	"gorm.io/gorm"

	"debate_engine/internal/storage"
)

// ErrNotFound 查無資料
var ErrNotFound = errors.New("record not found")

type Repositories struct {
	User          UserRepository
	Room          RoomRepository
	Debate        DebateRepository
	ConnectionLog ConnectionLogRepository
}

func NewRepositories(db *storage.DB) *Repositories {
	return &Repositories{
		User:          NewUserRepository(db),
		Room:          NewRoomRepository(db),
		Debate:        NewDebateRepository(db),
		ConnectionLog: NewConnectionLogRepository(db),
	}
}

// notFound 把 gorm 的 ErrRecordNotFound 換成本包的 ErrNotFound
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
