package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound means the org has no schedule of its own.
var ErrNotFound = errors.New("clinic: schedule not found")

const DefaultKeyPrefix = "clinic:schedule:"

// Store persists schedules in Redis as JSON documents.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	if client == nil {
		panic("clinic: redis client required")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{redis: client, prefix: prefix, now: time.Now}
}

func (s *Store) key(orgID string) string {
	return s.prefix + orgID
}

// Get returns the org's schedule or ErrNotFound.
func (s *Store) Get(ctx context.Context, orgID string) (*Schedule, error) {
	data, err := s.redis.Get(ctx, s.key(orgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get schedule: %w", err)
	}

	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, fmt.Errorf("clinic: unmarshal schedule: %w", err)
	}
	return &sched, nil
}

// Set validates and saves a schedule, stamping UpdatedAt.
func (s *Store) Set(ctx context.Context, sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	sched.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("clinic: marshal schedule: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(sched.OrgID), data, 0).Err(); err != nil {
		return fmt.Errorf("clinic: set schedule: %w", err)
	}
	return nil
}

// Delete drops the org's schedule so it falls back to the platform default.
func (s *Store) Delete(ctx context.Context, orgID string) error {
	n, err := s.redis.Del(ctx, s.key(orgID)).Result()
	if err != nil {
		return fmt.Errorf("clinic: delete schedule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
