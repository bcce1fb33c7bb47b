package execmode

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
)

const modeKey = "tradegate:execmode"

// RedisStore persists execution mode state in redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// LoadMode returns the persisted state, or nil when none exists yet.
func (s *RedisStore) LoadMode(ctx context.Context) (*State, error) {
	data, err := s.client.Get(ctx, modeKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution mode: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt execution mode record: %w", err)
	}
	return &st, nil
}

// SaveMode writes the state.
func (s *RedisStore) SaveMode(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal execution mode: %w", err)
	}
	if err := s.client.Set(ctx, modeKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist execution mode: %w", err)
	}
	return nil
}

// FileStore persists execution mode state as a JSON file. Used when no
// redis is configured (single-host deployments).
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadMode returns the persisted state, or nil when the file is absent.
func (s *FileStore) LoadMode(_ context.Context) (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution mode file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt execution mode file %s: %w", s.path, err)
	}
	return &st, nil
}

// SaveMode writes the state atomically (write temp, rename).
func (s *FileStore) SaveMode(_ context.Context, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution mode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write execution mode file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace execution mode file: %w", err)
	}
	return nil
}
