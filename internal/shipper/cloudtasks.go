package shipper

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/tollgate/controlplane/internal/events"
)

// CloudShipper enqueues deliveries onto a Google Cloud Tasks queue. The
// queue owns retry, backoff, and dead-lettering; a failed enqueue falls back
// to the in-process pool when one is configured.
type CloudShipper struct {
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Pool
}

// NewCloudShipper connects to the Cloud Tasks queue identified by project,
// location, and queue id.
func NewCloudShipper(projectID, locationID, queueID string, fallback *Pool) (*CloudShipper, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cs := &CloudShipper{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		fallback:  fallback,
	}
	cs.logger.Printf("connected to Cloud Tasks queue %s", cs.queuePath)
	return cs, nil
}

// Enqueue creates one HTTP task per delivery. Enqueuing runs off the hot
// path; the emitting decision never waits on the queue.
func (cs *CloudShipper) Enqueue(sub *Subscription, ev *events.Event) {
	payload, err := ev.JSON()
	if err != nil {
		cs.logger.Printf("event %s marshal failed: %v", ev.EventID, err)
		return
	}

	headers := map[string]string{
		"Content-Type":                "application/json",
		"X-Tollgate-Event-Type":       ev.EventType,
		"X-Tollgate-Event-ID":         ev.EventID,
		"X-Tollgate-Delivery-Attempt": "1",
	}
	if sub.Secret != "" {
		headers["X-Tollgate-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cs.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := cs.client.CreateTask(ctx, req); err != nil {
			cs.logger.Printf("enqueue failed: %s -> %s: %v", ev.EventID, sub.URL, err)
			if cs.fallback != nil {
				cs.fallback.Enqueue(sub, ev)
			}
		}
	}()
}

// Shutdown closes the client and the fallback pool.
func (cs *CloudShipper) Shutdown() {
	if cs.fallback != nil {
		cs.fallback.Shutdown()
	}
	if err := cs.client.Close(); err != nil {
		cs.logger.Printf("client close error: %v", err)
	}
}
