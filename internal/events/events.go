// Package events publishes capture outcomes so downstream consumers (cache
// warmers, audit pipelines) can observe refresh activity. Publishing is
// fire-and-forget; a lost event never fails a preview request.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// CaptureEvent describes one capture attempt's outcome.
type CaptureEvent struct {
	URL        string    `json:"url"`
	RequestID  string    `json:"request_id"`
	Success    bool      `json:"success"`
	FailureTag string    `json:"failure_tag,omitempty"`
	ImageRef   string    `json:"image_ref,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits capture events.
type Publisher interface {
	Publish(ctx context.Context, ev CaptureEvent) error
	Close() error
}

// NoopPublisher drops every event. Used when Pub/Sub is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, CaptureEvent) error { return nil }
func (NoopPublisher) Close() error                                { return nil }

// PubSubPublisher emits events to a Google Cloud Pub/Sub topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher creates a client via Application Default Credentials and
// verifies the topic exists.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &PubSubPublisher{client: client, topic: topic}, nil
}

// Publish encodes and sends the event. The client batches and retries in the
// background; we do not wait for the server ack.
func (p *PubSubPublisher) Publish(ctx context.Context, ev CaptureEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode capture event: %w", err)
	}
	p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"url":        ev.URL,
			"request_id": ev.RequestID,
		},
	})
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
