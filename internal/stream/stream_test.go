package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/agentcore/platform/internal/logging"
)

func testConfig() Config {
	return Config{BufferSize: 10, BufferTTL: time.Minute, ReaderQueueSize: 4, Heartbeat: time.Hour}
}

func TestManager_SubscribeReceivesLiveEvents(t *testing.T) {
	m := New(testConfig(), logging.NewNop())
	defer m.Stop()

	r := m.Subscribe("session-1", nil)
	defer r.Close()

	m.Publish("session-1", "evt-1", "message", "hello")

	select {
	case e := <-r.Ch:
		if e.EventType != "message" || e.Payload != "hello" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestManager_ResumeReplaysSinceTimestamp(t *testing.T) {
	m := New(testConfig(), logging.NewNop())
	defer m.Stop()

	m.Publish("session-2", "evt-1", "message", "first")
	cutoff := time.Now().UTC()
	time.Sleep(time.Millisecond)
	m.Publish("session-2", "evt-2", "message", "second")

	r := m.Subscribe("session-2", &cutoff)
	defer r.Close()

	if len(r.Replay) != 1 || r.Replay[0].Payload != "second" {
		t.Fatalf("expected replay to contain only events after cutoff, got %+v", r.Replay)
	}
}

func TestManager_SlowReaderIsDroppedNotBlocking(t *testing.T) {
	cfg := testConfig()
	cfg.ReaderQueueSize = 1
	m := New(cfg, logging.NewNop())
	defer m.Stop()

	r := m.Subscribe("session-3", nil)
	defer r.Close()

	// Fill the reader's buffer, then publish beyond capacity; this
	// must not block the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			m.Publish("session-3", fmt.Sprintf("evt-%d", i), "message", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow reader instead of dropping it")
	}
}

func TestManager_BufferTrimsToCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 2
	m := New(cfg, logging.NewNop())
	defer m.Stop()

	for i := 0; i < 5; i++ {
		m.Publish("session-4", fmt.Sprintf("evt-%d", i), "message", i)
	}

	r := m.Subscribe("session-4", nil)
	defer r.Close()

	zero := time.Time{}
	r2 := m.Subscribe("session-4", &zero)
	defer r2.Close()

	if len(r2.Replay) != 2 {
		t.Fatalf("expected buffer trimmed to capacity 2, got %d entries", len(r2.Replay))
	}
}
