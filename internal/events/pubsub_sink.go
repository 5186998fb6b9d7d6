package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubSink publishes every validated event to a Google Cloud Pub/Sub topic
// for durable cross-service delivery. Ordering key is the tenant id so each
// tenant's events arrive in emission order.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink connects to the project and topic, creating the topic when it
// does not exist. Extra options carry the emulator endpoint in local runs.
func NewPubSubSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSink, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(cctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(cctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(cctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	s := &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	s.logger.Printf("connected to topic projects/%s/topics/%s", projectID, topicID)
	return s, nil
}

func (s *PubSubSink) Name() string { return "pubsub" }

// Ship publishes the event. The publish result is checked off the hot path;
// a failed publish is logged and the queue-level retry handles redelivery.
func (s *PubSubSink) Ship(event *Event) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	result := s.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":     event.EventType,
			"event_id":       event.EventID,
			"tenant_id":      event.TenantID,
			"schema_version": event.SchemaVersion,
			"occurred_at":    event.OccurredAt.Format(time.RFC3339Nano),
		},
		OrderingKey: event.TenantID,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			s.logger.Printf("publish failed for %s: %v", event.EventID, err)
		}
	}()
	return nil
}

// Close stops the topic and releases the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
