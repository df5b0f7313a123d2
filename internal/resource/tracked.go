package resource

import (
	"context"
	"sync"
	"time"

	"github.com/ckzm/orchard/pkg/models"
)

// TrackedProvider wraps a Provider and remembers what it wrote and when, so
// watcher consumers can tell worker writes apart from external edits.
type TrackedProvider struct {
	Provider

	mu    sync.Mutex
	wrote map[models.ResourceID]time.Time
}

// NewTracked wraps the given provider.
func NewTracked(p Provider) *TrackedProvider {
	return &TrackedProvider{Provider: p, wrote: make(map[models.ResourceID]time.Time)}
}

// Write records the resource after a successful delegate write.
func (t *TrackedProvider) Write(ctx context.Context, id models.ResourceID, content []byte) error {
	if err := t.Provider.Write(ctx, id, content); err != nil {
		return err
	}
	t.mu.Lock()
	t.wrote[id] = time.Now()
	t.mu.Unlock()
	return nil
}

// WroteRecently reports whether this provider wrote the resource within the
// given window.
func (t *TrackedProvider) WroteRecently(id models.ResourceID, window time.Duration) bool {
	t.mu.Lock()
	ts, ok := t.wrote[id]
	t.mu.Unlock()
	return ok && time.Since(ts) <= window
}

var _ Provider = (*TrackedProvider)(nil)
