package main

import (
	"context"
	"encoding/json"

	"github.com/agentcore/platform/internal/metrics"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/stream"
)

// streamPublisher adapts the stream Manager to outbox.Publisher: every
// outbox row carries its owning session_id at the top level of its
// JSON payload (spec §6's wire frame requires it on every event), so
// publishing is just extracting that field and forwarding the rest of
// the payload unchanged.
type streamPublisher struct {
	streams *stream.Manager
	metrics *metrics.Registry
}

func newStreamPublisher(streams *stream.Manager, m *metrics.Registry) *streamPublisher {
	return &streamPublisher{streams: streams, metrics: m}
}

func (p *streamPublisher) Publish(ctx context.Context, row *store.OutboxRow) error {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(row.Payload, &body); err != nil {
		p.metrics.OutboxFailed.WithLabelValues(row.EventType).Inc()
		return err
	}

	var payload any
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		p.metrics.OutboxFailed.WithLabelValues(row.EventType).Inc()
		return err
	}

	p.streams.Publish(body.SessionID, row.ID, row.EventType, payload)
	p.metrics.OutboxPublished.WithLabelValues(row.EventType).Inc()
	return nil
}
