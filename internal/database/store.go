package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/ambientflow/types"
)

// =============================================================================
// 🗄️ 持久化存储
// =============================================================================

// Config 数据库配置
type Config struct {
	// Driver 数据库驱动：sqlite 或 postgres
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接串
	DSN string `yaml:"dsn" json:"dsn"`

	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultConfig 返回默认数据库配置
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "ambientflow.db",
		MaxIdleConns:    5,
		MaxOpenConns:    25,
		ConnMaxLifetime: time.Hour,
	}
}

// EncounterRecord 就诊会话落库模型
type EncounterRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Status     string    `gorm:"size:16;index"`
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName 指定表名
func (EncounterRecord) TableName() string { return "encounters" }

// NoteRecord 临床文书落库模型
type NoteRecord struct {
	EncounterID string `gorm:"primaryKey;size:64"`
	Subjective  string `gorm:"type:text"`
	Objective   string `gorm:"type:text"`
	Assessment  string `gorm:"type:text"`
	Plan        string `gorm:"type:text"`
	Model       string `gorm:"size:128"`
	GeneratedAt time.Time
	CreatedAt   time.Time
}

// TableName 指定表名
func (NoteRecord) TableName() string { return "notes" }

// ErrNotFound 记录不存在
var ErrNotFound = fmt.Errorf("record not found")

// Store 持久化存储
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Open 打开数据库连接，执行迁移并配置连接池
func Open(config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&EncounterRecord{}, &NoteRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	logger.Info("database store initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_open_conns", config.MaxOpenConns),
	)

	return &Store{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "database")),
	}, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// SaveEncounter 写入或更新就诊记录
func (s *Store) SaveEncounter(ctx context.Context, enc *types.Encounter, transcript string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	record := &EncounterRecord{
		ID:         enc.ID,
		Status:     string(enc.Status),
		StartedAt:  enc.StartedAt,
		EndedAt:    enc.EndedAt,
		Transcript: transcript,
	}
	return s.db.WithContext(ctx).Save(record).Error
}

// GetEncounter 读取就诊记录
func (s *Store) GetEncounter(ctx context.Context, id string) (*types.Encounter, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", fmt.Errorf("store is closed")
	}

	var record EncounterRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get encounter: %w", err)
	}

	return &types.Encounter{
		ID:        record.ID,
		Status:    types.EncounterStatus(record.Status),
		StartedAt: record.StartedAt,
		EndedAt:   record.EndedAt,
	}, record.Transcript, nil
}

// SaveNote 写入临床文书
func (s *Store) SaveNote(ctx context.Context, note *types.SOAPNote) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	record := &NoteRecord{
		EncounterID: note.EncounterID,
		Subjective:  note.Subjective,
		Objective:   note.Objective,
		Assessment:  note.Assessment,
		Plan:        note.Plan,
		Model:       note.Model,
		GeneratedAt: note.GeneratedAt,
	}
	return s.db.WithContext(ctx).Save(record).Error
}

// GetNote 读取临床文书
func (s *Store) GetNote(ctx context.Context, encounterID string) (*types.SOAPNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var record NoteRecord
	err := s.db.WithContext(ctx).First(&record, "encounter_id = ?", encounterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}

	return &types.SOAPNote{
		EncounterID: record.EncounterID,
		Subjective:  record.Subjective,
		Objective:   record.Objective,
		Assessment:  record.Assessment,
		Plan:        record.Plan,
		Model:       record.Model,
		GeneratedAt: record.GeneratedAt,
	}, nil
}

// finalizeMaxRetries 定稿事务在死锁 / 连接抖动 / sqlite busy 下的重试上限
const finalizeMaxRetries = 3

// FinalizeEncounter 定稿落库：就诊记录与文书在同一事务中写入，
// 可重试错误通过 WithTransactionRetry 指数退避重试。
func (s *Store) FinalizeEncounter(ctx context.Context, enc *types.Encounter, transcript string, note *types.SOAPNote) error {
	return s.WithTransactionRetry(ctx, finalizeMaxRetries, func(tx *gorm.DB) error {
		if err := tx.Save(&EncounterRecord{
			ID:         enc.ID,
			Status:     string(enc.Status),
			StartedAt:  enc.StartedAt,
			EndedAt:    enc.EndedAt,
			Transcript: transcript,
		}).Error; err != nil {
			return err
		}
		return tx.Save(&NoteRecord{
			EncounterID: note.EncounterID,
			Subjective:  note.Subjective,
			Objective:   note.Objective,
			Assessment:  note.Assessment,
			Plan:        note.Plan,
			Model:       note.Model,
			GeneratedAt: note.GeneratedAt,
		}).Error
	})
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.sqlDB.PingContext(ctx)
}

// Stats 返回连接池统计信息
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sqlDB.Stats()
}

// Close 关闭数据库连接，幂等
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("closing database store")

	return s.sqlDB.Close()
}

// =============================================================================
// 🔄 事务重试
// =============================================================================

// WithTransactionRetry 在事务中执行函数，可重试错误指数退避重试
func (s *Store) WithTransactionRetry(ctx context.Context, maxRetries int, fn func(tx *gorm.DB) error) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return fmt.Errorf("store is closed")
		}
		db := s.db
		s.mu.RUnlock()

		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}

		s.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err),
		)

		backoff := time.Duration(1<<uint(i)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryableError 判断错误是否可重试
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// 死锁 / 序列化失败（PostgreSQL SQLSTATE 40001）
	if strings.Contains(errMsg, "deadlock") ||
		strings.Contains(errMsg, "serialization failure") ||
		strings.Contains(errMsg, "40001") {
		return true
	}

	// 连接相关错误
	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "bad connection") {
		return true
	}

	// 锁超时 / sqlite busy
	if strings.Contains(errMsg, "lock timeout") ||
		strings.Contains(errMsg, "database is locked") {
		return true
	}

	return false
}
