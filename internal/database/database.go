package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/aicli/internal/config"
	"github.com/gluk-w/aicli/internal/logutil"
	"github.com/gluk-w/aicli/internal/sshtunnel"
)

// DefaultHistoryLimit caps ListTunnelEvents when no limit is given.
const DefaultHistoryLimit = 100

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&TunnelEvent{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	DB = nil
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func Ping() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// RecordTunnelEvent persists a registry event.
func RecordTunnelEvent(e sshtunnel.Event) error {
	row := TunnelEvent{
		Name:      e.Name,
		TunnelID:  e.TunnelID,
		Type:      string(e.Type),
		Details:   logutil.Truncate(e.Details, 0),
		CreatedAt: e.Timestamp,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := DB.Create(&row).Error; err != nil {
		return fmt.Errorf("record tunnel event: %w", err)
	}
	return nil
}

// ListTunnelEvents returns persisted events newest first. An empty name
// returns events for every tunnel.
func ListTunnelEvents(name string, limit int) ([]TunnelEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	q := DB.Order("created_at DESC, id DESC").Limit(limit)
	if name != "" {
		q = q.Where("name = ?", name)
	}
	var events []TunnelEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list tunnel events: %w", err)
	}
	return events, nil
}

// PruneTunnelEvents deletes events older than before and returns how many
// were removed.
func PruneTunnelEvents(before time.Time) (int64, error) {
	res := DB.Where("created_at < ?", before).Delete(&TunnelEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune tunnel events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
