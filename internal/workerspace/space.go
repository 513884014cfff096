package workerspace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/bus"
	"github.com/agentcore/platform/internal/cache"
	"github.com/agentcore/platform/internal/embeddings"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/vectorstore"
)

// agentDescriptor is the in-memory, cached view of an agent: its
// durable config plus the collection name its long-term memory lives
// under. It is what agent_cache maps agent_id to (spec §4.2).
type agentDescriptor struct {
	Agent          store.Agent `json:"agent"`
	CollectionName string      `json:"collection_name"`
}

// Space is one materialized Worker Space: the per-(user, project)
// working set the registry hands back from get_or_create. It holds no
// reference back to the Registry, only to the shared singletons the
// Registry was built with (spec §4.2's cyclic-reference note).
type Space struct {
	cfg       Config
	userID    string
	projectID string

	st     *store.Store
	bus    *bus.Bus
	vstore *vectorstore.Store
	embed  embeddings.Embedder
	logger logging.Logger

	agentCache cache.Cache

	mu               sync.Mutex
	registeredAgents map[string]bool

	taskCounter  int64
	cacheHits    int64
	cacheMisses  int64
	startTime    time.Time
	lastActivity time.Time
}

func newSpace(cfg Config, userID, projectID string, st *store.Store, b *bus.Bus, vstore *vectorstore.Store, embed embeddings.Embedder, acache cache.Cache, logger logging.Logger) *Space {
	now := time.Now().UTC()
	return &Space{
		cfg:              cfg,
		userID:           userID,
		projectID:        projectID,
		st:               st,
		bus:              b,
		vstore:           vstore,
		embed:            embed,
		logger:           logger,
		agentCache:       acache,
		registeredAgents: make(map[string]bool),
		startTime:        now,
		lastActivity:     now,
	}
}

func (s *Space) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// GetAgent is cache-first: on miss it loads from the durable store,
// registers the agent with the Agent Bus using its own
// concurrency_limit, and caches the descriptor. Registration is
// idempotent (registerAgent skips an agent id this Space has already
// registered), matching spec §4.2's "registration is idempotent".
func (s *Space) GetAgent(ctx context.Context, agentID string) (*agentDescriptor, error) {
	s.touch()

	if raw, ok, _ := s.agentCache.Get(ctx, agentID); ok {
		var desc agentDescriptor
		if err := json.Unmarshal(raw, &desc); err == nil {
			s.mu.Lock()
			s.cacheHits++
			s.mu.Unlock()
			return &desc, nil
		}
	}

	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()

	agent, err := s.st.GetAgent(ctx, s.userID, agentID)
	if err != nil {
		return nil, err
	}
	if agent.ProjectID != s.projectID {
		return nil, apperror.New("workerspace.GetAgent", apperror.CodeNotFound, agentID)
	}

	desc := &agentDescriptor{
		Agent:          *agent,
		CollectionName: vectorstore.CollectionName(s.userID, s.projectID, agent.Name),
	}

	s.registerAgent(agent)

	if raw, err := json.Marshal(desc); err == nil {
		_ = s.agentCache.Set(ctx, agentID, raw, s.cfg.AgentCacheTTL)
	}
	return desc, nil
}

func (s *Space) registerAgent(agent *store.Agent) {
	s.mu.Lock()
	already := s.registeredAgents[agent.ID]
	s.registeredAgents[agent.ID] = true
	s.mu.Unlock()
	if !already {
		s.bus.Register(agent.ID, int64(agent.Config.ConcurrencyLimit))
	}
}

// InvalidateAgent evicts agentID from the cache. If it was registered
// with the Bus, it is deregistered too; the next GetAgent call
// re-registers it from a fresh read of the durable store, which is
// how a config change (e.g. a new concurrency_limit) takes effect.
func (s *Space) InvalidateAgent(agentID string) {
	_ = s.agentCache.Delete(context.Background(), agentID)
	s.mu.Lock()
	registered := s.registeredAgents[agentID]
	delete(s.registeredAgents, agentID)
	s.mu.Unlock()
	if registered {
		s.bus.Deregister(agentID)
	}
}

// ClearAgentCache drops every cached agent descriptor. Already
// registered bus workers are untouched and continue serving in-flight
// and newly submitted tasks; only the descriptor cache is cleared, so
// the next GetAgent call for any agent pays one durable-store read.
func (s *Space) ClearAgentCache() {
	s.agentCache.Clear()
}

// HandleMessage is the Worker Space's single entry point: a present
// targetAgent routes to DirectExecution, its absence to
// OrchestratedExecution (spec §4.2).
func (s *Space) HandleMessage(ctx context.Context, sessionID, content string, targetAgent *string, history []*store.Message, metadata map[string]any) (*bus.Result, error) {
	if targetAgent != nil {
		return s.DirectExecution(ctx, *targetAgent, sessionID, content, history, metadata)
	}
	return s.OrchestratedExecution(ctx, sessionID, content, history, metadata)
}

// dispatchPayload is what rides inside bus.Task.Payload; it carries
// everything the shared Bus's single Dispatcher (built once by
// NewDispatcher, which cmd/server calls, against internal/llm) needs to make the actual model
// call, since one process-wide Bus has no per-Space context of its
// own.
type dispatchPayload struct {
	Content     string
	History     []*store.Message
	AgentConfig store.AgentConfig
}

// DirectExecution enqueues content onto agentID's bus queue and blocks
// for the result, then persists the input/output pair to the agent's
// long-term memory on success (spec §4.2).
func (s *Space) DirectExecution(ctx context.Context, agentID, sessionID, content string, history []*store.Message, metadata map[string]any) (*bus.Result, error) {
	desc, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.taskCounter++
	s.mu.Unlock()

	task := &bus.Task{
		AgentID:   agentID,
		SessionID: sessionID,
		UserID:    s.userID,
		ProjectID: s.projectID,
		Payload:   dispatchPayload{Content: content, History: history, AgentConfig: desc.Agent.Config},
	}

	res, err := s.bus.Submit(ctx, task)
	if err != nil {
		return nil, err
	}

	if addErr := s.vstore.Add(ctx, desc.CollectionName, interactionRecord(content, res.Text, metadata), interactionMetadata(metadata)); addErr != nil {
		s.logger.Warn("failed to persist agent long-term memory", "agent_id", agentID, "session_id", sessionID, "error", addErr)
	}

	return res, nil
}

// OrchestratedExecution selects one registered agent by embedding
// similarity between content and each candidate's description,
// tie-breaking on the agent's current "ready" capacity (concurrency
// headroom) and finally on agent id for a fully deterministic choice,
// per the v1 routing policy spec §4.2 names. Fails with
// ErrNoAgentsAvailable if the project has no agents at all.
func (s *Space) OrchestratedExecution(ctx context.Context, sessionID, content string, history []*store.Message, metadata map[string]any) (*bus.Result, error) {
	agents, err := s.st.ListAgents(ctx, s.userID, s.projectID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, apperror.Wrap("workerspace.OrchestratedExecution", apperror.CodePermanent, apperror.ErrNoAgentsAvailable)
	}

	queryVec, err := s.embed.Embed(ctx, content)
	if err != nil {
		return nil, apperror.Wrap("workerspace.OrchestratedExecution", apperror.CodeTransient, err)
	}

	best, err := s.pickAgent(ctx, agents, queryVec)
	if err != nil {
		return nil, err
	}

	return s.DirectExecution(ctx, best.ID, sessionID, content, history, metadata)
}

func (s *Space) pickAgent(ctx context.Context, agents []*store.Agent, queryVec []float32) (*store.Agent, error) {
	var best *store.Agent
	var bestScore float64 = -2
	var bestReady int64 = -1

	for _, a := range agents {
		descVec, err := s.embed.Embed(ctx, a.Config.Description)
		if err != nil {
			continue
		}
		score := embeddings.CosineSimilarity(queryVec, descVec)

		status := s.bus.Status(a.ID)
		ready := int64(a.Config.ConcurrencyLimit) - status.InFlight
		if ready < 0 {
			ready = 0
		}

		switch {
		case score > bestScore:
			best, bestScore, bestReady = a, score, ready
		case score == bestScore && ready > bestReady:
			best, bestReady = a, ready
		case score == bestScore && ready == bestReady && (best == nil || a.ID < best.ID):
			best = a
		}
	}

	if best == nil {
		return nil, apperror.Wrap("workerspace.pickAgent", apperror.CodePermanent, apperror.ErrNoAgentsAvailable)
	}
	return best, nil
}

// SearchContext delegates to the vector store bound to agentID's
// collection (spec §4.2 search_context).
func (s *Space) SearchContext(ctx context.Context, agentID, query string, limit int, filters map[string]any) ([]vectorstore.Record, error) {
	desc, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.vstore.Search(ctx, desc.CollectionName, query, limit, filters)
}

// AddContext appends a record to agentID's long-term memory (spec
// §4.2 add_context).
func (s *Space) AddContext(ctx context.Context, agentID, content string, metadata map[string]any) error {
	desc, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return s.vstore.Add(ctx, desc.CollectionName, content, metadata)
}

// ClearContext removes every vector in agentID's collection (spec
// §4.2 clear_context).
func (s *Space) ClearContext(ctx context.Context, agentID string) error {
	desc, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return s.vstore.Clear(ctx, desc.CollectionName)
}

// cleanup drains the bus for every agent this Space registered,
// deregisters them, and releases the descriptor cache (spec §4.2
// cleanup). Each agent is given up to CleanupDrainWindow to finish its
// in-flight task before being deregistered anyway — the invariant that
// undrained tasks still "complete or are cancelled" within the window
// is honored on a best-effort basis: the bus has no forced-cancel
// primitive beyond detach-and-replace, so a task that overruns the
// window keeps running to completion in the background, discarded,
// while this Space stops waiting on it.
func (s *Space) cleanup(ctx context.Context) {
	s.mu.Lock()
	agentIDs := make([]string, 0, len(s.registeredAgents))
	for id := range s.registeredAgents {
		agentIDs = append(agentIDs, id)
	}
	s.registeredAgents = make(map[string]bool)
	s.mu.Unlock()

	for _, id := range agentIDs {
		s.drainAndDeregister(ctx, id)
	}
	s.agentCache.Clear()
}

func (s *Space) drainAndDeregister(ctx context.Context, agentID string) {
	deadline := time.Now().Add(s.cfg.CleanupDrainWindow)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

drain:
	for time.Now().Before(deadline) {
		st := s.bus.Status(agentID)
		if st.InFlight == 0 && st.QueueDepth == 0 {
			break drain
		}
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}
	s.bus.Deregister(agentID)
}

// Reset runs cleanup, which drains and deregisters every agent, waiting
// up to CleanupDrainWindow per agent; it does not cancel in-flight
// tasks. It then reinitializes the Space's stats so it behaves like a
// freshly created Worker Space without losing its place in the
// registry (spec §4.2 reset).
func (s *Space) Reset(ctx context.Context) {
	s.cleanup(ctx)
	s.mu.Lock()
	now := time.Now().UTC()
	s.taskCounter = 0
	s.cacheHits = 0
	s.cacheMisses = 0
	s.startTime = now
	s.lastActivity = now
	s.mu.Unlock()
}

// Metrics is the get_metrics() return shape spec §4.2 names.
type Metrics struct {
	UptimeSeconds        float64
	RegisteredAgentCount int
	CacheSize            int
	CacheHitRate         float64
	TaskCounter          int64
	LastActivity         time.Time
	Issues               []string
}

// GetMetrics reports this Space's lifecycle and cache statistics.
func (s *Space) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.cacheHits + s.cacheMisses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.cacheHits) / float64(total)
	}

	var issues []string
	if len(s.registeredAgents) == 0 {
		issues = append(issues, "no agents registered")
	}

	return Metrics{
		UptimeSeconds:        time.Since(s.startTime).Seconds(),
		RegisteredAgentCount: len(s.registeredAgents),
		CacheSize:            s.agentCache.Len(),
		CacheHitRate:         hitRate,
		TaskCounter:          s.taskCounter,
		LastActivity:         s.lastActivity,
		Issues:               issues,
	}
}

// interactionRecord formats the durable long-term-memory entry for one
// completed direct execution: input and output kept together so a
// later search_context hit returns enough context to be useful on its
// own, without a second lookup.
func interactionRecord(input, output string, _ map[string]any) string {
	return "user: " + input + "\nassistant: " + output
}

// interactionMetadata builds the {type, task_id?, success, timestamp}
// shape spec §4.2 add_context names, folding in any caller-supplied
// metadata (e.g. task_id) rather than discarding it.
func interactionMetadata(metadata map[string]any) map[string]any {
	out := map[string]any{
		"type":      "interaction",
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
