// Package leadership provides leader election across platform
// instances backed by a TTL lease row in Postgres. Only one instance
// holds the lease at a time; that instance is responsible for running
// internal/maintenance's cleanup sweep. The lease is renewed on a
// fixed period and must be explicitly resigned on graceful shutdown,
// matching the teacher's root-level leadership.Elector almost
// unchanged — only the store dependency and config source differ.
package leadership

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcore/platform/internal/config"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
)

// Callbacks are invoked on leadership transitions.
type Callbacks struct {
	// OnBecameLeader is called with the context passed to Start() the
	// moment this instance acquires the lease.
	OnBecameLeader func(ctx context.Context)

	// OnLostLeadership is called when the lease is lost, whether by a
	// failed renewal, explicit Resign, or Stop().
	OnLostLeadership func(ctx context.Context)
}

// Elector runs the election loop for a single instance.
type Elector struct {
	store      *store.Store
	instanceID string
	cfg        config.LeaderConfig
	callbacks  Callbacks
	logger     logging.Logger

	mu       sync.RWMutex
	isLeader bool

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewElector builds an Elector for instanceID using the platform-wide
// leader config.
func NewElector(st *store.Store, instanceID string, cfg config.LeaderConfig, callbacks Callbacks, logger logging.Logger) *Elector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Elector{
		store:      st,
		instanceID: instanceID,
		cfg:        cfg,
		callbacks:  callbacks,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins the election loop in a goroutine and returns immediately.
func (e *Elector) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.runElectionLoop(ctx)

	return nil
}

// Stop halts the election loop, resigning the lease first if this
// instance currently holds it.
func (e *Elector) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}

	e.cancel()
	<-e.done

	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if wasLeader {
		resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.LeaderResign(resignCtx, e.instanceID); err != nil {
			e.logger.Warn("leadership: resign on stop failed", "error", err)
		}
		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}

	e.started.Store(false)
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// IsRunning reports whether the election loop is active.
func (e *Elector) IsRunning() bool {
	return e.started.Load()
}

// Resign voluntarily releases the lease without stopping the election
// loop; the instance will resume competing for leadership on its next
// tick.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if !wasLeader {
		return nil
	}

	if err := e.store.LeaderResign(ctx, e.instanceID); err != nil {
		return err
	}

	if e.callbacks.OnLostLeadership != nil {
		e.callbacks.OnLostLeadership(ctx)
	}
	return nil
}

func (e *Elector) runElectionLoop(ctx context.Context) {
	defer close(e.done)

	e.attemptElection(ctx)

	for {
		delay := e.cfg.ElectionPeriod
		if e.IsLeader() {
			delay = e.cfg.ReelectionDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if e.IsLeader() {
				e.attemptReelection(ctx)
			} else {
				e.attemptElection(ctx)
			}
		}
	}
}

func (e *Elector) attemptElection(ctx context.Context) {
	params := store.LeaderElectParams{LeaderID: e.instanceID, TTL: e.cfg.TTL}

	elected, err := e.store.LeaderAttemptElect(ctx, params)
	if err != nil {
		e.logger.Warn("leadership: election attempt failed", "error", err)
		return
	}

	if elected {
		e.mu.Lock()
		wasLeader := e.isLeader
		e.isLeader = true
		e.mu.Unlock()

		if !wasLeader {
			e.logger.Info("leadership: became leader", "instance_id", e.instanceID)
			if e.callbacks.OnBecameLeader != nil {
				e.callbacks.OnBecameLeader(ctx)
			}
		}
	}
}

func (e *Elector) attemptReelection(ctx context.Context) {
	params := store.LeaderElectParams{LeaderID: e.instanceID, TTL: e.cfg.TTL}

	reelected, err := e.store.LeaderAttemptReelect(ctx, params)
	if err != nil || !reelected {
		e.mu.Lock()
		e.isLeader = false
		e.mu.Unlock()

		e.logger.Info("leadership: lost leadership", "instance_id", e.instanceID, "error", err)
		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}
}
