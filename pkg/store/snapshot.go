package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("store: no reputation snapshot")

// DefaultSnapshotKey is the Redis key (or SQL row id) of the reputation
// snapshot.
const DefaultSnapshotKey = "sentinel:reputation:snapshot"

// SnapshotStore saves and restores the reputation engine export.
type SnapshotStore interface {
	Save(ctx context.Context, snap reputation.Snapshot) error
	Load(ctx context.Context) (reputation.Snapshot, error)
}

// redisKV is the subset of the go-redis client the snapshot store uses.
type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisOptions locates the Redis server and names the snapshot key.
type RedisOptions struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"` // 0 keeps the snapshot forever
}

// RedisSnapshotStore keeps the snapshot as one JSON value.
type RedisSnapshotStore struct {
	client redisKV
	closer func() error
	key    string
	ttl    time.Duration
}

// NewRedisSnapshotStore connects lazily; the first Save or Load dials.
func NewRedisSnapshotStore(opts RedisOptions) *RedisSnapshotStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := newRedisSnapshotStore(rdb, opts.Key, opts.TTL)
	s.closer = rdb.Close
	return s
}

func newRedisSnapshotStore(client redisKV, key string, ttl time.Duration) *RedisSnapshotStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &RedisSnapshotStore{client: client, key: key, ttl: ttl}
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap reputation.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, body, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis snapshot save: %w", err)
	}
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context) (reputation.Snapshot, error) {
	body, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return reputation.Snapshot{}, ErrNoSnapshot
		}
		return reputation.Snapshot{}, fmt.Errorf("redis snapshot load: %w", err)
	}
	return decodeSnapshot(body)
}

// Clear deletes the stored snapshot.
func (s *RedisSnapshotStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *RedisSnapshotStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// SQLSnapshotStore keeps the snapshot in the entry database, for deployments
// without Redis.
type SQLSnapshotStore struct {
	db    *sql.DB
	key   string
	clock func() time.Time
}

func NewSQLSnapshotStore(db *sql.DB, key string) *SQLSnapshotStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &SQLSnapshotStore{db: db, key: key, clock: time.Now}
}

func (s *SQLSnapshotStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS reputation_snapshots (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	saved_at TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("store: init snapshot table: %w", err)
	}
	return nil
}

func (s *SQLSnapshotStore) Save(ctx context.Context, snap reputation.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reputation_snapshots (id, body, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, saved_at = excluded.saved_at
	`, s.key, string(body), s.clock().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

func (s *SQLSnapshotStore) Load(ctx context.Context) (reputation.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reputation_snapshots WHERE id = $1`, s.key).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reputation.Snapshot{}, ErrNoSnapshot
		}
		return reputation.Snapshot{}, fmt.Errorf("store: load snapshot: %w", err)
	}
	return decodeSnapshot([]byte(body))
}

func decodeSnapshot(body []byte) (reputation.Snapshot, error) {
	var snap reputation.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return reputation.Snapshot{}, fmt.Errorf("%w: %v", reputation.ErrInvalidSnapshot, err)
	}
	return snap, nil
}
