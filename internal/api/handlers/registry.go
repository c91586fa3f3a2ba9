// Per-root wiring behind the control API. Every library root carries its own
// index database, orchestrator and event bus; the registry maps requests to
// the right one.
package handlers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/slidemanager/slidemanager/internal/domain/index"
	"github.com/slidemanager/slidemanager/internal/infra/eventbus"
)

// Backend bundles the services of one library root.
type Backend struct {
	Root      string
	Recursive bool
	Manager   *index.Manager
	Searcher  *index.Searcher
	Bus       *eventbus.Bus
}

// Registry holds the daemon's backends in configuration order.
type Registry struct {
	backends []*Backend
}

// NewRegistry builds a Registry over the given backends.
func NewRegistry(backends []*Backend) *Registry {
	return &Registry{backends: backends}
}

// Backends returns the registered backends in configuration order.
func (r *Registry) Backends() []*Backend {
	return r.backends
}

// ByRoot resolves a requested library root against the whitelist. Paths are
// compared cleaned, so trailing slashes do not defeat the match.
func (r *Registry) ByRoot(requested string) (*Backend, bool) {
	cleaned := filepath.Clean(requested)
	for _, b := range r.backends {
		if filepath.Clean(b.Root) == cleaned {
			return b, true
		}
	}
	return nil, false
}

// ByJob finds the backend that owns jobID, together with the job's current
// status report. Returns an error when no backend knows the job.
func (r *Registry) ByJob(ctx context.Context, jobID string) (*Backend, index.StatusReport, error) {
	for _, b := range r.backends {
		report, err := b.Manager.Status(ctx, jobID)
		if err == nil {
			return b, report, nil
		}
	}
	return nil, index.StatusReport{}, fmt.Errorf("api: job %s not found", jobID)
}
