package workspace

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/forgebase/taskcore/internal/platform/config"
	"github.com/forgebase/taskcore/internal/platform/logging"
)

// Registry lazily constructs and caches one Context per workspace root,
// so concurrent callers asking for the same workspace share its queue,
// store, and bus instead of racing to open the same state.db (spec §4.8:
// "constructed on first use and cached").
type Registry struct {
	mu         sync.Mutex
	cfg        *config.Config
	log        *logging.Logger
	byID       map[string]*Context
	dbFileName string
}

// NewRegistry builds a Registry that opens each workspace's state.db as
// <root>/dbFileName; dbFileName defaults to "state.db".
func NewRegistry(cfg *config.Config, log *logging.Logger, dbFileName string) *Registry {
	if dbFileName == "" {
		dbFileName = "state.db"
	}
	return &Registry{cfg: cfg, log: log, byID: map[string]*Context{}, dbFileName: dbFileName}
}

// Get returns the cached Context for root, opening it on first use.
func (r *Registry) Get(root string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.byID[root]; ok {
		return ws, nil
	}
	dbPath := r.dbFileName
	if r.cfg.StateStore.DBPath != "" {
		// ADS_STATE_DB_PATH is a direct override of the state DB location
		// (spec §6.5), primarily for tests; it bypasses the per-root join.
		dbPath = r.cfg.StateStore.DBPath
	} else if dbPath != ":memory:" {
		dbPath = filepath.Join(root, dbPath)
	}
	ws, err := Open(root, dbPath, r.cfg, r.log)
	if err != nil {
		return nil, fmt.Errorf("registry: open workspace %s: %w", root, err)
	}
	r.byID[root] = ws
	return ws, nil
}

// Close tears down and evicts a single cached workspace, if present.
func (r *Registry) Close(root string) error {
	r.mu.Lock()
	ws, ok := r.byID[root]
	delete(r.byID, root)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ws.Close()
}

// CloseAll tears down every cached workspace; the first error is returned
// but every workspace is still given a chance to close.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	all := make([]*Context, 0, len(r.byID))
	for id := range r.byID {
		all = append(all, r.byID[id])
	}
	r.byID = map[string]*Context{}
	r.mu.Unlock()

	var firstErr error
	for _, ws := range all {
		if err := ws.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
