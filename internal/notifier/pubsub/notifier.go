// Package pubsub publishes lifecycle notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/site-analyzer/internal/notifier"
)

// Notifier publishes JSON payloads to Pub/Sub topics, caching one topic
// handle per name.
type Notifier struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Notifier for the provided client.
func New(client *pubsub.Client) *Notifier {
	return &Notifier{client: client, topics: make(map[string]*pubsub.Topic)}
}

// Publish marshals payload to JSON and waits for the server-assigned ID.
// JobEvent payloads also carry filterable attributes.
func (n *Notifier) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if n.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	msg, err := buildMessage(payload)
	if err != nil {
		return "", err
	}
	id, err := n.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages on every cached topic.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, t := range n.topics {
		t.Stop()
		delete(n.topics, name)
	}
}

func (n *Notifier) topic(name string) *pubsub.Topic {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t
	}
	t := n.client.Topic(name)
	n.topics[name] = t
	return t
}

func buildMessage(payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if evt, ok := payload.(notifier.JobEvent); ok {
		msg.Attributes = evt.Attributes()
	}
	return msg, nil
}
