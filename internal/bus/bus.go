// Package bus implements the Agent Bus: one bounded FIFO queue per
// agent, a per-agent concurrency cap, and Transient-error retry with
// exponential backoff, sitting between the HTTP surface and the LLM
// call the way the teacher's worker.Worker sits between its polling
// loop and the Anthropic API.
package bus

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/logging"
)

// Dispatcher executes one submitted task and returns its result. The
// bus treats any error that apperror.Retryable accepts (Transient or
// Timeout) as retryable and anything else as final.
type Dispatcher func(ctx context.Context, task *Task) (*Result, error)

// Task is one unit of work submitted to an agent's queue.
type Task struct {
	AgentID   string
	SessionID string
	UserID    string
	ProjectID string
	Payload   any

	// ctx is the caller's context; the bus derives its own
	// cancellable context from it so a detach can happen without
	// cancelling the caller.
	ctx context.Context

	done chan struct{}
	res  *Result
	err  error

	// detached is set true when the caller replaces this task's
	// in-flight session before it completes; the result is then
	// discarded rather than delivered.
	mu       sync.Mutex
	detached bool
}

// Result is what a Dispatcher produces for a completed task.
type Result struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Config parameterizes a Bus, mirroring internal/config.BusConfig.
type Config struct {
	QueueCapacity          int
	MaxConcurrencyPerAgent int64
	DirectTimeout          time.Duration
	HardTimeout            time.Duration
	RetryMaxAttempts       int
	RetryBase              time.Duration
	RetryCap               time.Duration
}

type agentQueue struct {
	ch      chan *Task
	sem     *semaphore.Weighted
	weight  int64
	stop    chan struct{}
	stopped atomic.Bool

	// drainWG tracks goroutines executing a task dispatched from this
	// queue specifically, so Register's drain-then-re-register path
	// can wait for exactly this queue's in-flight work rather than
	// the whole Bus's.
	drainWG sync.WaitGroup

	mu      sync.Mutex
	current *Task // in-flight task for the agent's active session, if any

	inFlight  atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	statsMu      sync.Mutex
	lastComplete time.Time
	recentErrors []time.Time   // timestamps of failures within the last 5m, for error_rate_5m
	latenciesMS  []float64     // bounded recent-latency sample, for avg/p95
}

const maxLatencySamples = 256

func (q *agentQueue) recordLatency(ms float64, failed bool) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	q.lastComplete = time.Now()
	q.latenciesMS = append(q.latenciesMS, ms)
	if len(q.latenciesMS) > maxLatencySamples {
		q.latenciesMS = q.latenciesMS[len(q.latenciesMS)-maxLatencySamples:]
	}
	if failed {
		q.recentErrors = append(q.recentErrors, time.Now())
	}
}

func (q *agentQueue) errorRate5m() float64 {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	cutoff := time.Now().Add(-5 * time.Minute)
	kept := q.recentErrors[:0]
	for _, t := range q.recentErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	q.recentErrors = kept
	submitted := q.submitted.Load()
	if submitted == 0 {
		return 0
	}
	return float64(len(kept)) / float64(submitted)
}

func (q *agentQueue) latencyStats() (avg, p95 float64) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	n := len(q.latenciesMS)
	if n == 0 {
		return 0, 0
	}
	sorted := make([]float64, n)
	copy(sorted, q.latenciesMS)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sum / float64(n), sorted[idx]
}

// Bus fans incoming tasks out to one FIFO queue and worker pool per
// agent, enforcing a queue-depth backpressure limit and a
// per-agent concurrency cap.
type Bus struct {
	cfg        Config
	dispatch   Dispatcher
	logger     logging.Logger

	mu     sync.Mutex
	queues map[string]*agentQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Bus. dispatch is called once per attempt (retries call
// it again); callers never see intermediate attempts, only the final
// Result or error.
func New(cfg Config, dispatch Dispatcher, logger logging.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger,
		queues:   make(map[string]*agentQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Stop cancels all in-flight and queued work and waits for worker
// goroutines to exit.
func (b *Bus) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) queueFor(agentID string) *agentQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[agentID]
	if ok {
		return q
	}
	q = &agentQueue{
		ch:     make(chan *Task, b.cfg.QueueCapacity),
		sem:    semaphore.NewWeighted(b.cfg.MaxConcurrencyPerAgent),
		weight: b.cfg.MaxConcurrencyPerAgent,
		stop:   make(chan struct{}),
	}
	b.queues[agentID] = q
	b.wg.Add(1)
	go b.runQueue(agentID, q)
	return q
}

// Register pre-creates agentID's queue with its own concurrency cap,
// overriding the bus-wide default — spec §4.3's register(agent_id,
// concurrency_limit, handler) contract, where concurrency_limit comes
// from each Agent's own AgentConfig rather than one global setting.
// A no-op if the agent is already registered with the same limit.
// If it is registered with a different limit, the existing queue is
// deregistered and drained — its semaphore can't be resized safely
// out from under in-flight Acquire calls — and a fresh queue with the
// new weight takes its place once the drain completes. Callers that
// skip Register get the bus-wide default via queueFor's lazy path.
func (b *Bus) Register(agentID string, concurrencyLimit int64) {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}

	b.mu.Lock()
	existing, ok := b.queues[agentID]
	if ok {
		if existing.weight == concurrencyLimit {
			b.mu.Unlock()
			return
		}
		delete(b.queues, agentID)
	}
	b.mu.Unlock()

	if ok {
		if existing.stopped.CompareAndSwap(false, true) {
			close(existing.stop)
		}
		existing.drainWG.Wait()
	}

	q := &agentQueue{
		ch:     make(chan *Task, b.cfg.QueueCapacity),
		sem:    semaphore.NewWeighted(concurrencyLimit),
		weight: concurrencyLimit,
		stop:   make(chan struct{}),
	}
	b.mu.Lock()
	b.queues[agentID] = q
	b.mu.Unlock()
	b.wg.Add(1)
	go b.runQueue(agentID, q)
}

// Deregister removes agentID's queue so it no longer accepts Submit
// calls, signals its runQueue goroutine to exit, and releases the
// queue's resources. Any task already in flight runs to completion
// undisturbed; this only stops new dispatch from this queue. Matches
// spec §4.3's deregister(agent_id) contract, used by
// internal/workerspace when evicting an agent from the descriptor
// cache.
func (b *Bus) Deregister(agentID string) {
	b.mu.Lock()
	q, ok := b.queues[agentID]
	if ok {
		delete(b.queues, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if q.stopped.CompareAndSwap(false, true) {
		close(q.stop)
	}
}

// AgentStatus reports an agent queue's point-in-time occupancy, the
// spec §4.3 status(agent_id) contract.
type AgentStatus struct {
	Registered   bool
	QueueDepth   int
	QueueCap     int
	InFlight     int64
	HasCurrent   bool
	CurrentTask  string // session_id of the in-flight task, if any
}

// Status reports agentID's current queue occupancy. Registered is
// false if agentID has never been registered or submitted to, or has
// since been deregistered.
func (b *Bus) Status(agentID string) AgentStatus {
	b.mu.Lock()
	q, ok := b.queues[agentID]
	b.mu.Unlock()
	if !ok {
		return AgentStatus{Registered: false}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st := AgentStatus{
		Registered: true,
		QueueDepth: len(q.ch),
		QueueCap:   cap(q.ch),
		InFlight:   q.inFlight.Load(),
		HasCurrent: q.current != nil,
	}
	if q.current != nil {
		st.CurrentTask = q.current.SessionID
	}
	return st
}

// AgentMetrics reports the per-agent throughput/latency/error-rate
// figures the spec §4.3 metrics(agent_id) contract requires.
type AgentMetrics struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	ErrorRate5m   float64
	AvgLatencyMS  float64
	P95LatencyMS  float64
	LastCompleted time.Time
}

// Metrics reports agentID's cumulative counters and a rolling
// error-rate/latency sample. A never-registered agentID returns a
// zero-value AgentMetrics.
func (b *Bus) Metrics(agentID string) AgentMetrics {
	b.mu.Lock()
	q, ok := b.queues[agentID]
	b.mu.Unlock()
	if !ok {
		return AgentMetrics{}
	}
	avg, p95 := q.latencyStats()
	q.statsMu.Lock()
	last := q.lastComplete
	q.statsMu.Unlock()
	return AgentMetrics{
		Submitted:     q.submitted.Load(),
		Completed:     q.completed.Load(),
		Failed:        q.failed.Load(),
		ErrorRate5m:   q.errorRate5m(),
		AvgLatencyMS:  avg,
		P95LatencyMS:  p95,
		LastCompleted: last,
	}
}

// Submit enqueues task on its agent's FIFO. Returns
// apperror.ErrBackpressure immediately if the queue is at capacity,
// never blocking the caller (spec §4.1: backpressure rejects rather
// than queues unbounded).
func (b *Bus) Submit(ctx context.Context, task *Task) (*Result, error) {
	task.ctx = ctx
	task.done = make(chan struct{})

	q := b.queueFor(task.AgentID)
	select {
	case q.ch <- task:
		q.submitted.Add(1)
	default:
		return nil, apperror.New("bus.Submit", apperror.CodeBackpressure, "agent queue at capacity")
	}

	select {
	case <-task.done:
		return task.res, task.err
	case <-ctx.Done():
		task.mu.Lock()
		task.detached = true
		task.mu.Unlock()
		return nil, apperror.Wrap("bus.Submit", apperror.CodeCancelled, ctx.Err())
	}
}

// Replace detaches the agent's current in-flight task (if any) from
// its caller and lets it keep running to completion in the
// background; its eventual result is discarded. This implements the
// detach-and-replace cancellation spec §4.1 requires when a session
// sends a new message before the previous one finished.
func (b *Bus) Replace(agentID string) {
	b.mu.Lock()
	q, ok := b.queues[agentID]
	b.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	if q.current != nil {
		q.current.mu.Lock()
		q.current.detached = true
		q.current.mu.Unlock()
	}
	q.mu.Unlock()
}

func (b *Bus) runQueue(agentID string, q *agentQueue) {
	defer b.wg.Done()
	for {
		// Take a concurrency slot before taking a task, so a task waiting
		// for a slot stays in q.ch and still counts against its capacity.
		if err := q.sem.Acquire(b.ctx, 1); err != nil {
			return
		}
		select {
		case <-b.ctx.Done():
			q.sem.Release(1)
			return
		case <-q.stop:
			q.sem.Release(1)
			return
		case task := <-q.ch:
			q.mu.Lock()
			q.current = task
			q.mu.Unlock()
			q.inFlight.Add(1)

			q.drainWG.Add(1)
			b.wg.Add(1)
			go func(t *Task) {
				defer b.wg.Done()
				defer q.drainWG.Done()
				defer q.sem.Release(1)
				defer q.inFlight.Add(-1)
				b.execute(agentID, q, t)
				q.mu.Lock()
				if q.current == t {
					q.current = nil
				}
				q.mu.Unlock()
			}(task)
		}
	}
}

// execute runs task through the dispatcher with retry-on-Transient
// and a hard timeout ceiling, then either delivers the result to a
// still-attached caller or discards it for a detached one.
func (b *Bus) execute(agentID string, q *agentQueue, task *Task) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HardTimeout)
	defer cancel()

	start := time.Now()
	res, err := b.runWithRetry(ctx, task)
	elapsedMS := float64(time.Since(start).Milliseconds())

	if err != nil {
		q.failed.Add(1)
	} else {
		q.completed.Add(1)
	}
	q.recordLatency(elapsedMS, err != nil)

	task.mu.Lock()
	detached := task.detached
	task.mu.Unlock()
	if detached {
		if err != nil {
			b.logger.Warn("discarding result of detached task", "agent_id", agentID, "session_id", task.SessionID, "error", err)
		}
		return
	}

	task.res, task.err = res, err
	close(task.done)
}

func (b *Bus) runWithRetry(ctx context.Context, task *Task) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt, b.cfg.RetryBase, b.cfg.RetryCap)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apperror.Wrap("bus.execute", apperror.CodeTimeout, ctx.Err())
			}
		}

		res, err := b.dispatch(ctx, task)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !apperror.Retryable(err) {
			return nil, err
		}
		b.logger.Warn("transient dispatch failure, retrying", "agent_id", task.AgentID, "attempt", attempt, "error", err)
	}
	return nil, apperror.Wrap("bus.execute", apperror.CodeMaxRetriesExceeded, lastErr)
}

// backoff computes exponential backoff with full jitter, capped at
// cap. attempt is 1-indexed (the first retry uses attempt=1).
func backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
