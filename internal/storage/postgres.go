package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DB 包裝 *gorm.DB；正式環境為 PostgreSQL，測試時可包裝 SQLite
type DB struct {
	*gorm.DB
}

func NewPostgresDB(host, user, password, dbname string, port int) (*DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		host, user, password, dbname, port)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return &DB{DB: db}, nil
}

// Wrap 包裝既有的 gorm 連線（測試使用 SQLite）
func Wrap(db *gorm.DB) *DB {
	return &DB{DB: db}
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate 自動遷移資料庫結構
func (db *DB) AutoMigrate(models ...interface{}) error {
	return db.DB.AutoMigrate(models...)
}

// Transaction 在交易內執行 fn，回傳錯誤時回滾
func (db *DB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return db.DB.WithContext(ctx).Transaction(fn)
}

// IsPostgres 目前連線的方言是否為 PostgreSQL
func IsPostgres(tx *gorm.DB) bool {
	return tx.Dialector.Name() == "postgres"
}

// ForUpdate 加上 SELECT ... FOR UPDATE；SQLite 沒有列鎖，直接回傳原查詢
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if IsPostgres(tx) {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// AdvisoryLock 以字串鍵取得交易層級的 advisory lock，交易結束自動釋放
// 用於「讀取最新一筆再插入」這類沒有既有列可鎖的情境
func AdvisoryLock(tx *gorm.DB, key string) error {
	if !IsPostgres(tx) {
		return nil
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", int64(h.Sum64())).Error
}
