// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package events publishes sync-complete events to NATS for downstream
// consumers (dashboards, cache warmers) that subscribe rather than poll.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
)

// Publisher emits sync-complete events over NATS. Publishing is protected
// by a circuit breaker so a broker outage cannot stall the sync path; a
// failed emit is logged and dropped, never retried into the run.
type Publisher struct {
	publisher  message.Publisher
	topic      string
	alertTopic string
	cb         *gobreaker.CircuitBreaker[interface{}]

	mu     sync.RWMutex
	closed bool
}

// NewPublisher connects to NATS and builds the event publisher.
func NewPublisher(cfg *config.NATSConfig) (*Publisher, error) {
	wmLogger := newWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create event publisher: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "nats-publish",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", from.String()).Str("to", to.String()).Msg("Event publisher breaker transition")
		},
	})

	return &Publisher{publisher: pub, topic: cfg.Topic, alertTopic: cfg.AlertTopic, cb: cb}, nil
}

// EmitIntegrityAlert publishes one escalated integrity violation. Failures
// are logged and dropped so the guard's read path never blocks on the broker.
func (p *Publisher) EmitIntegrityAlert(severity, detail string) {
	if p == nil {
		return
	}

	p.mu.RLock()
	if p.closed || p.alertTopic == "" {
		p.mu.RUnlock()
		return
	}
	p.mu.RUnlock()

	event := models.IntegrityAlertEvent{
		Severity:  severity,
		Message:   detail,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal integrity alert")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("event_type", "integrity.alert")

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.alertTopic, msg)
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("failure").Inc()
		logging.Error().Err(err).Str("severity", severity).Msg("Failed to publish integrity alert")
		return
	}
	metrics.EventsPublished.WithLabelValues("success").Inc()
}

// EmitSyncComplete publishes one completion event. The run id doubles as the
// NATS message id so redelivered events deduplicate on the broker.
func (p *Publisher) EmitSyncComplete(ctx context.Context, event models.SyncCompleteEvent) error {
	if p == nil {
		return nil
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("event publisher is closed")
	}
	p.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal sync-complete event: %w", err)
	}

	msg := message.NewMessage(event.RunID, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, event.RunID)
	msg.Metadata.Set("event_type", "sync.completed")

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.topic, msg)
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("failure").Inc()
		return fmt.Errorf("publish sync-complete event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues("success").Inc()
	logging.Debug().Str("run_id", event.RunID).Str("topic", p.topic).Msg("Sync-complete event published")
	return nil
}

// Close shuts the publisher down. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
