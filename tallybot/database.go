package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnMetricStateName     = "name"
	columnMetricStateDocument = "document"
	columnUpdatedAt           = "updated_at"
	columnRefreshLogTracker   = "tracker"
	columnRefreshLogCreatedAt = "created_at"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// MetricStateRecord holds one tracker's state document. The document is
// the same JSON written by the file store, so the two backends are
// interchangeable (see the 'import' command).
type MetricStateRecord struct {
	Name     string `gorm:"primaryKey" json:"name"`
	Document string `gorm:"type:text;not null" json:"document"`
	ModelUnixTime
}

// RefreshLog records a single manual refresh, whether it came from a
// slash command, a button, or the API.
//
//nolint:lll // struct tags can't be split
type RefreshLog struct {
	ModelUintID
	Tracker       string `json:"tracker" gorm:"index;not null"`
	Source        string `json:"source" gorm:"type:string"`
	InteractionID string `json:"interaction_id,omitempty" gorm:"type:string"`
	UserID        string `json:"user_id,omitempty" gorm:"index"`
	Username      string `json:"username,omitempty" gorm:"type:string"`
	GuildID       string `json:"guild_id,omitempty" gorm:"type:string"`
	ChannelID     string `json:"channel_id,omitempty" gorm:"type:string"`
	Outcome       string `json:"outcome" gorm:"type:string"`
	Value         *int64 `json:"value,omitempty"`
	RetryAfterMS  int64  `json:"retry_after_ms,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
}

// database serializes writes to a gorm.DB. SQLite only tolerates a
// single writer, so every write takes the mutex unless concurrent
// writes are enabled (postgres).
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withDBTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

// UpsertMetricState inserts or replaces the state document for name
func (d *database) UpsertMetricState(
	ctx context.Context,
	name string,
	document []byte,
) error {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	record := &MetricStateRecord{Name: name, Document: string(document)}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnMetricStateName}},
			DoUpdates: clause.AssignmentColumns(
				[]string{columnMetricStateDocument, columnUpdatedAt},
			),
		},
	).Create(record).Error
}

// MetricState returns the stored document for name, or
// gorm.ErrRecordNotFound.
func (d *database) MetricState(ctx context.Context, name string) (
	*MetricStateRecord,
	error,
) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var record MetricStateRecord
	err := d.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", columnMetricStateName), name).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RecentRefreshLogs returns up to limit refresh logs for tracker,
// newest first.
func (d *database) RecentRefreshLogs(
	ctx context.Context,
	tracker string,
	limit int,
) ([]RefreshLog, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var logs []RefreshLog
	err := d.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", columnRefreshLogTracker), tracker).
		Order(fmt.Sprintf("%s desc", columnRefreshLogCreatedAt)).
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// CreateDB opens the database and migrates the schema, for the 'init'
// and 'import' commands.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	dbLogger := slog.New(handler)
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)

	db, err := openDB(
		ctx,
		databaseType,
		database,
		newGORMLogger(handler, 500*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// openDB connects to the database, applying the sqlite connection pool
// limits and pragmas when applicable.
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}
	if databaseType != dbTypeSQLite {
		return db, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
		return nil, pragmaErr
	}
	return db, nil
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(
		&MetricStateRecord{},
		&RefreshLog{},
	); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
