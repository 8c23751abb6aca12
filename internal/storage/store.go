package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is the authoritative record of messages, conversations,
// participants and friendships.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, debug bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	level := logger.Error
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(zap.NewStdLog(log.With(zap.String("component", "gorm"))), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite serializes writers; one connection avoids "database is locked"
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&conversationRecord{},
		&participantRecord{},
		&friendshipRecord{},
		&messageRecord{},
		&attachmentRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrPersistence, op, err)
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}
