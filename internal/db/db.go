// Package db provides database connection, migrations and the event journal.
package db

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"poll-monitoring/internal/config"
	"poll-monitoring/internal/logger"
	"poll-monitoring/internal/models"
)

// slowQuery is reported in debug mode; the journal does single-row inserts.
const slowQuery = 200 * time.Millisecond

// gormWriter hands GORM's log lines to the journal's logrus entry.
type gormWriter struct {
	entry *logrus.Entry
	level logrus.Level
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.entry.Logf(w.level, format, args...)
}

// newGormLogger reports failed statements as warnings, plus slow ones when
// debug logging is on.
func newGormLogger(log *logger.Logger) gormlogger.Interface {
	level := gormlogger.Error
	if log.DebugEnabled() {
		level = gormlogger.Warn
	}
	return gormlogger.New(
		gormWriter{entry: log.With("journal"), level: logrus.WarnLevel},
		gormlogger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// Open connects the journal database. It returns a nil DB when no database
// is configured. log may be nil.
func Open(cfg config.Config, log *logger.Logger) (*gorm.DB, error) {
	if cfg.DBDialect == "" || cfg.DBDsn == "" {
		return nil, nil
	}
	if log == nil {
		log = logger.Discard()
	}

	switch cfg.DBDialect {
	case config.DatabaseSchemePostgres:
		gdb, err := gorm.Open(postgres.Open(cfg.DBDsn), &gorm.Config{Logger: newGormLogger(log)})
		if err != nil {
			return nil, fmt.Errorf("open journal database: %w", err)
		}
		return gdb, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT: %s", cfg.DBDialect)
	}
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(
		&models.JournalEvent{},
		&models.JournalViolation{},
	)
}
