// Package discovery defines the types shared by video discovery sources.
package discovery

import (
	"context"
	"time"
)

// Video is one discoverable video as reported by a source. VideoID is the
// stable external identifier used for queue deduplication.
type Video struct {
	VideoID         string
	Title           string
	URL             string
	DurationSeconds int64
	PublishedAt     time.Time
}

// Lister enumerates the currently visible videos of one configured source.
// Implementations return the newest videos first when the upstream exposes
// ordering; callers must not rely on it.
type Lister interface {
	List(ctx context.Context, sourceURL string) ([]Video, error)
}
