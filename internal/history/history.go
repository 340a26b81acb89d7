// Package history persists an audit trail of query runs and the
// commands they executed. SQLite (pure Go driver) is the default;
// PostgreSQL is available for shared deployments.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// QueryRun is one completed Query() invocation.
type QueryRun struct {
	ID                uint   `gorm:"primaryKey"`
	SessionID         string `gorm:"index"`
	Prompt            string
	Result            string
	TerminationReason string
	Success           bool
	Iterations        int
	TokensUsed        int64
	ElapsedMs         int64
	CreatedAt         time.Time
	Commands          []CommandRecord `gorm:"foreignKey:QueryRunID"`
}

// CommandRecord is one command the loop dispatched during a run.
type CommandRecord struct {
	ID         uint `gorm:"primaryKey"`
	QueryRunID uint `gorm:"index"`
	Iteration  int
	Kind       string
	Input      string
	Output     string
	ExitCode   int
	CreatedAt  time.Time
}

// Store persists query runs via GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Config selects the database backend.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	Path   string // sqlite file path
	DSN    string // postgres DSN
}

// Open connects to the configured database and runs migrations.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.Default()
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(os.TempDir(), "terraphim-rlm", "history.db")
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory: %w", mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.AutoMigrate(&QueryRun{}, &CommandRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	return &Store{db: db, logger: slogger}, nil
}

// Record persists a completed run with its command records.
func (s *Store) Record(ctx context.Context, run *QueryRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("recording query run: %w", err)
	}
	return nil
}

// BySession returns the most recent runs for a session, commands
// included, newest first.
func (s *Store) BySession(ctx context.Context, sessionID string, limit int) ([]QueryRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []QueryRun
	err := s.db.WithContext(ctx).
		Preload("Commands").
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("listing query runs: %w", err)
	}
	return runs, nil
}

// PurgeOlderThan deletes runs (and their commands) created before the
// cutoff. Returns the number of runs removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&QueryRun{}).
		Where("created_at < ?", cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("finding stale runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).
		Where("query_run_id IN ?", ids).
		Delete(&CommandRecord{}).Error; err != nil {
		return 0, fmt.Errorf("purging stale commands: %w", err)
	}
	res := s.db.WithContext(ctx).Delete(&QueryRun{}, ids)
	if res.Error != nil {
		return 0, fmt.Errorf("purging stale runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
