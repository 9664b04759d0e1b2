package pigpt

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const (
	StoreTypeMemory   = "memory"
	StoreTypeSQLite   = "sqlite"
	StoreTypePostgres = "postgres"
	StoreTypeRedis    = "redis"
)

// Store persists conversation History per user, and provides per-user
// leases used to serialize turns for the same user.
//
// Failures of the underlying storage are returned as *StorageError.
type Store interface {
	// AcquireLock attempts to take a lease on the user. It returns true
	// if no lease exists or the existing one has expired, setting the
	// lease to expire after the store's lease duration. Otherwise, it
	// returns false without modifying anything.
	AcquireLock(ctx context.Context, user string) (bool, error)

	// ReleaseLock deletes the user's lease. It's idempotent.
	ReleaseLock(ctx context.Context, user string) error

	// LoadHistory returns the user's History, creating and persisting a
	// new History (with only the system Message) if none exists.
	LoadHistory(ctx context.Context, user string) (History, error)

	// SaveHistory overwrites the user's History
	SaveHistory(ctx context.Context, user string, history History) error

	// ClearHistory resets the user's History to only the system Message
	ClearHistory(ctx context.Context, user string) error

	Close() error
}

// WithLock runs fn while holding the user's lease. ErrUserBusy is
// returned if the lease can't be acquired. The lease is released however
// fn exits, including by panic.
func WithLock(
	ctx context.Context,
	store Store,
	user string,
	fn func(ctx context.Context) error,
) (err error) {
	ctx, logger := contextLoggerOr(ctx, nil)

	acquired, err := store.AcquireLock(ctx, user)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrUserBusy
	}

	defer func() {
		// the release shouldn't be skipped because the turn's context
		// was canceled or timed out
		releaseCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			dbOperationTimeout,
		)
		defer cancel()
		if releaseErr := store.ReleaseLock(releaseCtx, user); releaseErr != nil {
			logger.ErrorContext(
				ctx,
				"error releasing lease",
				"user_id", user,
				tint.Err(releaseErr),
			)
			if err == nil {
				err = releaseErr
			}
		}
	}()

	return fn(ctx)
}

// NewStore creates the Store selected by the config
func NewStore(
	ctx context.Context,
	config *StoreConfig,
	systemPrompt string,
	logger *slog.Logger,
) (Store, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(systemPrompt, config.LeaseDuration), nil
	case StoreTypeSQLite, StoreTypePostgres:
		db, err := CreateDB(ctx, config.Type, config.Database, logger, config.SlowThreshold)
		if err != nil {
			return nil, err
		}
		return NewGormStore(db, systemPrompt, config.LeaseDuration), nil
	case StoreTypeRedis:
		return NewRedisStore(
			ctx,
			newRedisClient(config),
			systemPrompt,
			config.LeaseDuration,
		)
	default:
		return nil, fmt.Errorf("unsupported store type: %q", config.Type)
	}
}

type memoryLease struct {
	expiresAt time.Time
}

// MemoryStore is a Store which only lives as long as the process.
type MemoryStore struct {
	systemPrompt  string
	leaseDuration time.Duration
	histories     map[string]History
	leases        map[string]memoryLease
	mu            sync.Mutex
	now           func() time.Time
}

func NewMemoryStore(systemPrompt string, leaseDuration time.Duration) *MemoryStore {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	return &MemoryStore{
		systemPrompt:  systemPrompt,
		leaseDuration: leaseDuration,
		histories:     map[string]History{},
		leases:        map[string]memoryLease{},
		now:           time.Now,
	}
}

func (m *MemoryStore) AcquireLock(_ context.Context, user string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if lease, ok := m.leases[user]; ok && lease.expiresAt.After(now) {
		return false, nil
	}
	m.leases[user] = memoryLease{expiresAt: now.Add(m.leaseDuration)}
	return true, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, user)
	return nil
}

func (m *MemoryStore) LoadHistory(_ context.Context, user string) (History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[user]
	if !ok {
		h = NewHistory(m.systemPrompt)
		m.histories[user] = h
	}
	return h.Clone(), nil
}

func (m *MemoryStore) SaveHistory(_ context.Context, user string, history History) error {
	if err := history.Valid(); err != nil {
		return storageError("save_history", user, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[user] = history.Clone()
	return nil
}

func (m *MemoryStore) ClearHistory(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[user] = NewHistory(m.systemPrompt)
	return nil
}

func (*MemoryStore) Close() error {
	return nil
}
