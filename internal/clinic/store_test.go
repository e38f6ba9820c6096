package clinic

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, ""), mr
}

func TestStoreRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := store.Get(ctx, "org-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, weekdaySchedule()))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"org-1"))

	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "America/Denver", got.Timezone)
	assert.Equal(t, now, got.UpdatedAt)
	assert.Contains(t, got.Providers, "dr-late")

	require.NoError(t, store.Delete(ctx, "org-1"))
	assert.ErrorIs(t, store.Delete(ctx, "org-1"), ErrNotFound)
}

func TestStoreRejectsInvalidSchedule(t *testing.T) {
	store, mr := newTestStore(t)
	s := weekdaySchedule()
	s.Timezone = "Nowhere/Special"

	assert.ErrorIs(t, store.Set(context.Background(), s), ErrInvalidSchedule)
	assert.False(t, mr.Exists(DefaultKeyPrefix+"org-1"))
}

func TestStoreCorruptDocument(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set(DefaultKeyPrefix+"org-1", "{not json"))

	_, err := store.Get(context.Background(), "org-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
