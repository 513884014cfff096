// Package stream implements the per-session event stream: a bounded
// ring buffer for resumable replay plus a fan-out reader set, the way
// zkoranges-go-claw's internal/bus.Bus fans events out to subscribers,
// but scoped per session and resumable by timestamp instead of
// topic-prefix matched and fire-and-forget.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentcore/platform/internal/logging"
)

// Event is one entry appended to a session's stream, matching the
// wire frame spec §4.5 fixes: one JSON object per line carrying the
// outbox row's id as event_id for client-side dedup.
type Event struct {
	EventID   string    `json:"event_id,omitempty"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload"`
}

// Config parameterizes the Manager, mirroring internal/config.StreamConfig.
type Config struct {
	BufferSize      int
	BufferTTL       time.Duration
	ReaderQueueSize int
	Heartbeat       time.Duration
}

// reader is one active subscriber to a session's stream.
type reader struct {
	ch     chan Event
	closed bool
}

// sessionStream holds one session's ring buffer and reader set behind
// a single mutex — the buffer and the fan-out set must stay
// consistent with each other (a reader attaching mid-broadcast must
// see a coherent view of "already delivered vs. needs replay").
type sessionStream struct {
	mu      sync.Mutex
	buf     []Event
	readers map[int]*reader
	nextID  int
}

// Manager owns one sessionStream per active session.
type Manager struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*sessionStream

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager and starts its heartbeat/sweep goroutine.
func New(cfg Config, logger logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*sessionStream),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go m.heartbeatLoop(ctx)
	return m
}

// Stop shuts down the heartbeat/sweep goroutine.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}

func (m *Manager) streamFor(sessionID string) *sessionStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionStream{readers: make(map[int]*reader)}
		m.sessions[sessionID] = s
	}
	return s
}

// Publish appends an event to sessionID's buffer and fans it out to
// every attached reader. A reader whose queue is full is dropped
// rather than allowed to stall the broadcast for every other reader.
// eventID is the publishing outbox row's id, echoed on the wire so
// clients can dedupe across live delivery and replay (spec §4.5).
func (m *Manager) Publish(sessionID, eventID, eventType string, payload any) {
	event := Event{
		EventID:   eventID,
		EventType: eventType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	m.deliver(sessionID, event, true)
}

// publishHeartbeat sends a synthetic heartbeat event directly to every
// live reader without touching the ring buffer — spec §4.5: heartbeats
// are "not buffered, not logged".
func (m *Manager) publishHeartbeat(sessionID string) {
	event := Event{EventType: "heartbeat", SessionID: sessionID, Timestamp: time.Now().UTC()}
	m.deliver(sessionID, event, false)
}

func (m *Manager) deliver(sessionID string, event Event, buffer bool) {
	s := m.streamFor(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if buffer {
		s.buf = append(s.buf, event)
		m.trimLocked(s)
	}

	for id, r := range s.readers {
		if r.closed {
			continue
		}
		select {
		case r.ch <- event:
		default:
			m.logger.Warn("dropping slow stream reader", "session_id", sessionID, "reader_id", id)
			close(r.ch)
			r.closed = true
			delete(s.readers, id)
		}
	}
}

// trimLocked drops buffered events older than BufferTTL. Caller holds s.mu.
func (m *Manager) trimLocked(s *sessionStream) {
	cutoff := time.Now().UTC().Add(-m.cfg.BufferTTL)
	i := 0
	for i < len(s.buf) && s.buf[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.buf = s.buf[i:]
	}
	if len(s.buf) > m.cfg.BufferSize {
		s.buf = s.buf[len(s.buf)-m.cfg.BufferSize:]
	}
}

// Reader is a live handle to a session's event stream.
type Reader struct {
	Ch      <-chan Event
	Replay  []Event
	cleanup func()
}

// Close detaches the reader from its session stream.
func (r *Reader) Close() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

// Subscribe attaches a new reader to sessionID. If since is non-nil,
// Replay is populated with every buffered event strictly after it —
// this is the resume path for `since=<iso8601>` reconnects (spec
// §4.3: resume must be gap-free across a reconnect).
func (m *Manager) Subscribe(sessionID string, since *time.Time) *Reader {
	s := m.streamFor(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []Event
	if since != nil {
		for _, e := range s.buf {
			if e.Timestamp.After(*since) {
				replay = append(replay, e)
			}
		}
	}

	id := s.nextID
	s.nextID++
	r := &reader{ch: make(chan Event, m.cfg.ReaderQueueSize)}
	s.readers[id] = r

	return &Reader{
		Ch:     r.ch,
		Replay: replay,
		cleanup: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if existing, ok := s.readers[id]; ok && !existing.closed {
				close(existing.ch)
				existing.closed = true
			}
			delete(s.readers, id)
		},
	}
}

// heartbeatLoop periodically publishes a heartbeat event on every
// active session so idle long-lived HTTP connections are kept alive
// and reconnect logic can distinguish "still connected, no news" from
// a silently dead connection.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			sessionIDs := make([]string, 0, len(m.sessions))
			for id := range m.sessions {
				sessionIDs = append(sessionIDs, id)
			}
			m.mu.Unlock()

			for _, id := range sessionIDs {
				m.publishHeartbeat(id)
			}
		}
	}
}

// WriteNDJSON streams sessionID's events to w as newline-delimited
// JSON until the request context is cancelled or the client
// disconnects, replaying buffered history first when since is set.
func (m *Manager) WriteNDJSON(w http.ResponseWriter, r *http.Request, sessionID string, since *time.Time) error {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	reader := m.Subscribe(sessionID, since)
	defer reader.Close()

	enc := json.NewEncoder(w)
	for _, e := range reader.Replay {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return nil
		case event, ok := <-reader.Ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(event); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
