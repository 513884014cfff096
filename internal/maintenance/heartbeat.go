// Package maintenance provides the background services every platform
// instance runs: a heartbeat that keeps the instance's row fresh in
// the instances table, and a leader-only cleanup sweep over stale
// instances, stuck tool executions, and expired leader leases. It
// generalizes the teacher's maintenance.Heartbeat and
// maintenance.Cleanup from "runs" to this domain's "tool executions".
package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
)

// HeartbeatConfig holds configuration for the heartbeat service.
type HeartbeatConfig struct {
	// Interval is how often to send heartbeats.
	Interval time.Duration

	// OnError is called when a heartbeat fails. If nil, errors are
	// logged and otherwise ignored.
	OnError func(err error)
}

// Heartbeat sends periodic heartbeats to keep an instance registered as active.
type Heartbeat struct {
	store      *store.Store
	instanceID string
	config     HeartbeatConfig
	logger     logging.Logger

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewHeartbeat creates a new heartbeat service.
func NewHeartbeat(st *store.Store, instanceID string, cfg HeartbeatConfig, logger logging.Logger) *Heartbeat {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Heartbeat{
		store:      st,
		instanceID: instanceID,
		config:     cfg,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins sending heartbeats in a goroutine and returns immediately.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)

	return nil
}

// Stop stops the heartbeat loop.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if !h.started.Load() {
		return ErrNotStarted
	}

	h.cancel()
	<-h.done

	h.started.Store(false)
	return nil
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	h.sendHeartbeat(ctx)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

func (h *Heartbeat) sendHeartbeat(ctx context.Context) {
	if err := h.store.UpdateInstanceHeartbeat(ctx, h.instanceID); err != nil {
		if h.config.OnError != nil {
			h.config.OnError(err)
		} else {
			h.logger.Warn("maintenance: heartbeat failed", "instance_id", h.instanceID, "error", err)
		}
	}
}

// IsRunning reports whether the heartbeat loop is active.
func (h *Heartbeat) IsRunning() bool {
	return h.started.Load()
}
