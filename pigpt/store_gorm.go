package pigpt

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	conversationTable = "conversations"
	leaseTable        = "conversation_leases"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// Conversation is the persisted History for a single user
type Conversation struct {
	UserID   string  `gorm:"primaryKey" json:"user_id"`
	Messages History `gorm:"not null" json:"messages"`
	ModelUnixTime
}

func (Conversation) TableName() string {
	return conversationTable
}

// Lease is a time-bounded lock on a user's conversation. ExpiresAt is
// a Unix timestamp in milliseconds.
type Lease struct {
	UserID    string `gorm:"primaryKey" json:"user_id"`
	ExpiresAt int64  `gorm:"not null" json:"expires_at"`
}

func (Lease) TableName() string {
	return leaseTable
}

func (l Lease) Expires() time.Time {
	return time.UnixMilli(l.ExpiresAt).UTC()
}

// GormStore is a Store backed by SQLite or PostgreSQL
type GormStore struct {
	db            *gorm.DB
	systemPrompt  string
	leaseDuration time.Duration
	now           func() time.Time
}

func NewGormStore(
	db *gorm.DB,
	systemPrompt string,
	leaseDuration time.Duration,
) *GormStore {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	return &GormStore{
		db:            db,
		systemPrompt:  systemPrompt,
		leaseDuration: leaseDuration,
		now:           time.Now,
	}
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// withTimeout applies dbOperationTimeout when ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// AcquireLock inserts the user's lease, or takes over an existing lease
// that has expired, in a single statement. A live lease is left as-is,
// and no rows are affected.
func (s *GormStore) AcquireLock(ctx context.Context, user string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := s.now()
	lease := Lease{
		UserID:    user,
		ExpiresAt: now.Add(s.leaseDuration).UnixMilli(),
	}
	rv := s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Lte{
						Column: clause.Column{Table: leaseTable, Name: "expires_at"},
						Value:  now.UnixMilli(),
					},
				},
			},
		},
	).Create(&lease)
	if rv.Error != nil {
		return false, storageError("acquire_lock", user, rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

func (s *GormStore) ReleaseLock(ctx context.Context, user string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).Where("user_id = ?", user).Delete(&Lease{})
	return storageError("release_lock", user, rv.Error)
}

func (s *GormStore) LoadHistory(ctx context.Context, user string) (History, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := s.db.WithContext(ctx)

	var conv Conversation
	err := db.Take(&conv, "user_id = ?", user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_, logger := contextLoggerOr(ctx, nil)
		logger.InfoContext(ctx, "initializing conversation", "user_id", user)

		// another instance may create the same record concurrently, in
		// which case theirs wins and is read back below
		conv = Conversation{UserID: user, Messages: NewHistory(s.systemPrompt)}
		if err = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error; err != nil {
			return nil, storageError("load_history", user, err)
		}
		conv = Conversation{}
		err = db.Take(&conv, "user_id = ?", user).Error
	}
	if err != nil {
		return nil, storageError("load_history", user, err)
	}
	if err = conv.Messages.Valid(); err != nil {
		return nil, storageError("load_history", user, err)
	}
	return conv.Messages, nil
}

func (s *GormStore) SaveHistory(ctx context.Context, user string, history History) error {
	if err := history.Valid(); err != nil {
		return storageError("save_history", user, err)
	}
	return storageError("save_history", user, s.upsert(ctx, user, history))
}

func (s *GormStore) ClearHistory(ctx context.Context, user string) error {
	return storageError(
		"clear_history",
		user,
		s.upsert(ctx, user, NewHistory(s.systemPrompt)),
	)
}

func (s *GormStore) upsert(ctx context.Context, user string, history History) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	conv := Conversation{UserID: user, Messages: history}
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"messages", "updated_at"}),
		},
	).Create(&conv).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the conversation tables.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//   - logger: Logger for gorm. If nil, slog.Default() is used.
//   - slowThreshold: Queries slower than this are logged as warnings.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	logger *slog.Logger,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)

	db, err := getDB(databaseType, database, newGORMLogger(logger, slowThreshold))
	if err != nil {
		return nil, err
	}

	if err = db.WithContext(ctx).AutoMigrate(&Conversation{}, &Lease{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
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
	case StoreTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error setting %q: %w", pragma, err)
			}
		}
		return db, nil
	case StoreTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, StoreTypeSQLite, StoreTypePostgres,
		)
	}
}
