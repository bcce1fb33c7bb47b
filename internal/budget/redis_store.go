package budget

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const budgetKeyPrefix = "tradegate:budget:"

// RedisStore persists budget state in redis so restarts resume the
// current daily window instead of granting a fresh quota.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// LoadBudget returns the persisted state for a class, or nil when absent.
func (s *RedisStore) LoadBudget(ctx context.Context, class string) (*State, error) {
	data, err := s.client.Get(ctx, budgetKeyPrefix+class).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget state for %s: %w", class, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt budget state for %s: %w", class, err)
	}
	return &st, nil
}

// SaveBudget writes the state for a class.
func (s *RedisStore) SaveBudget(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal budget state: %w", err)
	}
	if err := s.client.Set(ctx, budgetKeyPrefix+st.Class, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist budget state for %s: %w", st.Class, err)
	}
	return nil
}
