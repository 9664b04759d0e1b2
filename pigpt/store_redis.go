package pigpt

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/redis/go-redis/v9"
	"strconv"
	"time"
)

const (
	redisHistoryKeyPrefix = "pigpt:history:"
	redisLeaseKeyPrefix   = "pigpt:lease:"
)

// RedisStore is a Store backed by Redis. Histories are stored as JSON
// and leases are keys with a TTL, so Redis expires stale leases itself.
type RedisStore struct {
	client        *redis.Client
	systemPrompt  string
	leaseDuration time.Duration
	now           func() time.Time
}

func newRedisClient(config *StoreConfig) *redis.Client {
	return redis.NewClient(
		&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		},
	)
}

// NewRedisStore returns a RedisStore using the given client, after
// verifying the server is reachable.
func NewRedisStore(
	ctx context.Context,
	client *redis.Client,
	systemPrompt string,
	leaseDuration time.Duration,
) (*RedisStore, error) {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, storageError("ping", "", err)
	}
	return &RedisStore{
		client:        client,
		systemPrompt:  systemPrompt,
		leaseDuration: leaseDuration,
		now:           time.Now,
	}, nil
}

func (*RedisStore) historyKey(user string) string {
	return redisHistoryKeyPrefix + user
}

func (*RedisStore) leaseKey(user string) string {
	return redisLeaseKeyPrefix + user
}

// AcquireLock sets the lease key only if it doesn't exist. The value is
// the lease expiry (Unix milliseconds), and the key's TTL is the lease
// duration.
func (s *RedisStore) AcquireLock(ctx context.Context, user string) (bool, error) {
	expiresAt := s.now().Add(s.leaseDuration).UnixMilli()
	ok, err := s.client.SetNX(
		ctx,
		s.leaseKey(user),
		strconv.FormatInt(expiresAt, 10),
		s.leaseDuration,
	).Result()
	if err != nil {
		return false, storageError("acquire_lock", user, err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, user string) error {
	return storageError(
		"release_lock",
		user,
		s.client.Del(ctx, s.leaseKey(user)).Err(),
	)
}

func (s *RedisStore) LoadHistory(ctx context.Context, user string) (History, error) {
	key := s.historyKey(user)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		_, logger := contextLoggerOr(ctx, nil)
		logger.InfoContext(ctx, "initializing conversation", "user_id", user)

		data, marshalErr := json.Marshal(NewHistory(s.systemPrompt))
		if marshalErr != nil {
			return nil, storageError("load_history", user, marshalErr)
		}
		if err = s.client.SetNX(ctx, key, data, 0).Err(); err != nil {
			return nil, storageError("load_history", user, err)
		}
		val, err = s.client.Get(ctx, key).Result()
	}
	if err != nil {
		return nil, storageError("load_history", user, err)
	}

	var history History
	if err = json.Unmarshal([]byte(val), &history); err != nil {
		return nil, storageError("load_history", user, err)
	}
	if err = history.Valid(); err != nil {
		return nil, storageError("load_history", user, err)
	}
	return history, nil
}

func (s *RedisStore) SaveHistory(ctx context.Context, user string, history History) error {
	if err := history.Valid(); err != nil {
		return storageError("save_history", user, err)
	}
	return storageError("save_history", user, s.set(ctx, user, history))
}

func (s *RedisStore) ClearHistory(ctx context.Context, user string) error {
	return storageError(
		"clear_history",
		user,
		s.set(ctx, user, NewHistory(s.systemPrompt)),
	)
}

func (s *RedisStore) set(ctx context.Context, user string, history History) error {
	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.historyKey(user), data, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
