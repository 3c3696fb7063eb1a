package datasource

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/data"
)

// Loader resolves a data source that has not been registered yet.
type Loader func(ctx context.Context, uid string) (DataSource, error)

// legacyGrafanaUID is the name older dashboards use for the built-in source.
const legacyGrafanaUID = "-- Grafana --"

// Registry resolves data source references and caches their capabilities.
type Registry struct {
	mu         sync.RWMutex
	byUID      map[string]DataSource
	byName     map[string]string
	defaultUID string
	caps       map[string]Capabilities
	loader     Loader
	logger     *zap.Logger
}

// NewRegistry creates a registry. loader may be nil, in which case only
// registered data sources resolve.
func NewRegistry(loader Loader, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byUID:  make(map[string]DataSource),
		byName: make(map[string]string),
		caps:   make(map[string]Capabilities),
		loader: loader,
		logger: logger.Named("datasources"),
	}
}

// Register adds ds under its UID and any extra names.
func (r *Registry) Register(ds DataSource, names ...string) {
	uid := ds.Ref().UID
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byUID[uid] = ds
	delete(r.caps, uid)
	for _, n := range names {
		if n != "" && n != uid {
			r.byName[n] = uid
		}
	}
}

// SetDefault selects the data source used when a reference is empty.
func (r *Registry) SetDefault(uid string) {
	r.mu.Lock()
	r.defaultUID = uid
	r.mu.Unlock()
}

// Get resolves ref. A nil or empty reference resolves to the default source.
func (r *Registry) Get(ctx context.Context, ref *data.DataSourceRef) (DataSource, error) {
	uid := ""
	if ref != nil {
		uid = ref.UID
	}

	r.mu.RLock()
	if uid == "" {
		uid = r.defaultUID
	}
	if uid == legacyGrafanaUID {
		uid = data.GrafanaDataSourceUID
	}
	if alias, ok := r.byName[uid]; ok {
		uid = alias
	}
	ds, ok := r.byUID[uid]
	loader := r.loader
	r.mu.RUnlock()

	if ok {
		return ds, nil
	}
	if uid == "" {
		return nil, fmt.Errorf("no default datasource: %w", ErrNotFound)
	}
	if loader == nil {
		return nil, fmt.Errorf("datasource %q: %w", uid, ErrNotFound)
	}

	loaded, err := loader(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("load datasource %q: %w", uid, err)
	}
	if loaded == nil {
		return nil, fmt.Errorf("datasource %q: %w", uid, ErrNotFound)
	}
	r.logger.Debug("Loaded datasource", zap.String("uid", uid), zap.String("type", loaded.Ref().Type))
	r.Register(loaded, uid)
	return loaded, nil
}

// Capabilities returns the cached capabilities of ds, computing them on
// first use.
func (r *Registry) Capabilities(ds DataSource) Capabilities {
	uid := ds.Ref().UID

	r.mu.RLock()
	caps, ok := r.caps[uid]
	r.mu.RUnlock()
	if ok {
		return caps
	}

	caps = CapabilitiesOf(ds)
	r.mu.Lock()
	r.caps[uid] = caps
	r.mu.Unlock()
	return caps
}

// Len returns the number of registered data sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUID)
}
