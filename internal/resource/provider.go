// Package resource supplies the content of addressable units to worker
// sessions and receives their outputs. The orchestrator never touches
// storage directly; everything goes through a Provider.
package resource

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ckzm/orchard/pkg/models"
)

// Provider reads and writes resource content. Implementations are supplied
// per deployment, e.g. a filesystem or a version-control adapter.
type Provider interface {
	// Read returns the current content of a resource.
	Read(ctx context.Context, id models.ResourceID) ([]byte, error)
	// Write replaces the content of a resource.
	Write(ctx context.Context, id models.ResourceID, content []byte) error
}

// FSProvider is a Provider backed by an afero filesystem. Resource ids are
// slash-separated paths relative to the provider root.
type FSProvider struct {
	fs afero.Fs
}

// NewFS creates a provider over the OS filesystem rooted at dir.
func NewFS(dir string) *FSProvider {
	return &FSProvider{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// NewFSWithFs creates a provider over an arbitrary afero filesystem.
// Tests use this with afero.NewMemMapFs().
func NewFSWithFs(fs afero.Fs) *FSProvider {
	return &FSProvider{fs: fs}
}

// Read returns the content of the resource file.
func (p *FSProvider) Read(ctx context.Context, id models.ResourceID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(p.fs, filepath.FromSlash(string(id)))
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", id, err)
	}
	return content, nil
}

// Write stores content for the resource, creating parent directories as
// needed.
func (p *FSProvider) Write(ctx context.Context, id models.ResourceID, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.FromSlash(string(id))
	if dir := filepath.Dir(path); dir != "." {
		if err := p.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create resource directory for %s: %w", id, err)
		}
	}
	if err := afero.WriteFile(p.fs, path, content, 0644); err != nil {
		return fmt.Errorf("write resource %s: %w", id, err)
	}
	return nil
}

var _ Provider = (*FSProvider)(nil)
