// Package workerspace implements the Worker Space Registry: the
// per-(user, project) working set that lazily materializes agent
// descriptors, registers them with the shared Agent Bus, and routes
// incoming messages either directly at a named agent or through
// embedding-based orchestrated routing. It plays the role the
// teacher's examples/advanced/01_multi_tenant TenantManager plays for
// per-tenant session caching, generalized from one cached session id
// per tenant to a full per-(user, project) working set with its own
// agent cache and bus registrations.
package workerspace

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentcore/platform/internal/bus"
	"github.com/agentcore/platform/internal/cache"
	"github.com/agentcore/platform/internal/embeddings"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/vectorstore"
)

// Config parameterizes every Space the Registry creates, mirroring
// internal/config.CacheConfig plus the cleanup drain window spec §4.2
// fixes at 10s.
type Config struct {
	AgentCacheTTL       time.Duration
	AgentCacheMaxEntries int
	CleanupDrainWindow  time.Duration
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		AgentCacheTTL:        5 * time.Minute,
		AgentCacheMaxEntries: 10000,
		CleanupDrainWindow:   10 * time.Second,
	}
}

// Registry owns every active Worker Space and the single process-wide
// Agent Bus and vector store those spaces register agents against.
// Spec §4.2's "Cyclic references (Worker Space ↔ Agent Bus ↔
// handler)" note is resolved the same way here: the Bus is a
// dependency the Registry hands down to each Space, never a holder of
// a Space reference back.
type Registry struct {
	cfg    Config
	st     *store.Store
	bus    *bus.Bus
	vstore *vectorstore.Store
	embed  embeddings.Embedder
	acache cache.Cache
	logger logging.Logger

	mu     sync.RWMutex
	spaces map[string]*Space

	group singleflight.Group
}

// New builds a Registry. The Bus, vector store, and agent-descriptor
// cache are process singletons constructed once at startup (the Bus's
// Dispatcher is where the shared internal/llm.Client actually gets
// called) and shared by every Space the Registry creates. Sharing one
// cache.Cache across every Space is safe because agent ids are
// globally unique (spec §4.2's agent_id-keyed cache), so no per-space
// key prefixing is needed.
func New(cfg Config, st *store.Store, b *bus.Bus, vstore *vectorstore.Store, embed embeddings.Embedder, acache cache.Cache, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	if acache == nil {
		acache = cache.NewLocal(cfg.AgentCacheMaxEntries)
	}
	return &Registry{
		cfg:    cfg,
		st:     st,
		bus:    b,
		vstore: vstore,
		embed:  embed,
		acache: acache,
		logger: logger,
		spaces: make(map[string]*Space),
	}
}

func spaceKey(userID, projectID string) string {
	return userID + "/" + projectID
}

// GetOrCreate returns the existing Worker Space for (userID,
// projectID), or builds one. Concurrent callers for the same key
// collapse onto a single initialization via singleflight, matching
// spec §4.2's "must use a per-key lock so at most one initialization
// runs; all others await" — singleflight.Group is the idiomatic Go
// expression of exactly that guard, scoped per key rather than one
// registry-wide mutex held across the whole init.
func (r *Registry) GetOrCreate(ctx context.Context, userID, projectID string) (*Space, error) {
	key := spaceKey(userID, projectID)

	r.mu.RLock()
	if s, ok := r.spaces[key]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		if s, ok := r.spaces[key]; ok {
			r.mu.RUnlock()
			return s, nil
		}
		r.mu.RUnlock()

		s := newSpace(r.cfg, userID, projectID, r.st, r.bus, r.vstore, r.embed, r.acache, r.logger)

		r.mu.Lock()
		r.spaces[key] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Space), nil
}

// Get returns the existing Worker Space for (userID, projectID), or
// nil if none has been created yet.
func (r *Registry) Get(userID, projectID string) *Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spaces[spaceKey(userID, projectID)]
}

// Remove drains and releases the Worker Space for (userID,
// projectID), if one exists.
func (r *Registry) Remove(ctx context.Context, userID, projectID string) {
	key := spaceKey(userID, projectID)
	r.mu.Lock()
	s, ok := r.spaces[key]
	if ok {
		delete(r.spaces, key)
	}
	r.mu.Unlock()
	if ok {
		s.cleanup(ctx)
	}
}

// RemoveUserSpaces fans out Remove across every project-scoped Worker
// Space belonging to userID.
func (r *Registry) RemoveUserSpaces(ctx context.Context, userID string) {
	prefix := userID + "/"
	r.mu.Lock()
	var victims []*Space
	for key, s := range r.spaces {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			victims = append(victims, s)
			delete(r.spaces, key)
		}
	}
	r.mu.Unlock()
	for _, s := range victims {
		s.cleanup(ctx)
	}
}

// CleanupAll drains and releases every Worker Space, the process
// shutdown hook spec §4.2 names.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	spaces := make([]*Space, 0, len(r.spaces))
	for key, s := range r.spaces {
		spaces = append(spaces, s)
		delete(r.spaces, key)
	}
	r.mu.Unlock()
	for _, s := range spaces {
		s.cleanup(ctx)
	}
}

// Count reports the number of currently materialized Worker Spaces.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spaces)
}
