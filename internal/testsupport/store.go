package testsupport

import (
	"context"
	"testing"

	"vodsum/internal/config"
	"vodsum/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a discovered job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, sourceID, videoID string, durationSeconds int64) *queue.Item {
	t.Helper()

	item, created, err := store.NewJob(context.Background(), sourceID, videoID, "Test Video "+videoID, "https://example.com/watch/"+videoID, durationSeconds)
	if err != nil {
		t.Fatalf("store.NewJob: %v", err)
	}
	if !created {
		t.Fatalf("expected job %s/%s to be newly created", sourceID, videoID)
	}
	return item
}

// MustUpdate persists an item and fails the test on error.
func MustUpdate(t testing.TB, store *queue.Store, item *queue.Item) {
	t.Helper()

	if err := store.Update(context.Background(), item); err != nil {
		t.Fatalf("store.Update: %v", err)
	}
}
