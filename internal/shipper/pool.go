package shipper

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/pb"
)

const maxAttempts = 3

// DeadLetterFunc receives a delivery that exhausted its retries. The
// maintenance replay driver archives these for later redelivery.
type DeadLetterFunc func(sub *Subscription, ev *events.Event, attempts int, cause error)

// Enqueuer is the delivery backend contract shared by the worker pool and
// the Cloud Tasks shipper.
type Enqueuer interface {
	Enqueue(sub *Subscription, ev *events.Event)
	Shutdown()
}

type deliveryJob struct {
	sub     *Subscription
	event   *events.Event
	attempt int
}

// Pool is the in-process delivery backend: a bounded queue drained by a
// fixed worker set, retrying with quadratic backoff before dead-lettering.
type Pool struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	deadLetter DeadLetterFunc
	ledger     pb.ShipmentLedgerClient
}

func NewPool(registry *Registry, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[SHIPPER] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// WithDeadLetter installs the exhausted-delivery hook.
func (p *Pool) WithDeadLetter(fn DeadLetterFunc) *Pool {
	p.deadLetter = fn
	return p
}

// WithLedger installs the delivery ledger client. Outcomes are reported
// best-effort; a ledger error never affects the delivery itself.
func (p *Pool) WithLedger(c pb.ShipmentLedgerClient) *Pool {
	p.ledger = c
	return p
}

// Enqueue queues one delivery. A full queue drops the delivery rather than
// blocking the emitting decision.
func (p *Pool) Enqueue(sub *Subscription, ev *events.Event) {
	select {
	case p.queue <- &deliveryJob{sub: sub, event: ev, attempt: 1}:
	default:
		p.logger.Printf("delivery queue full, dropping event %s for %s", ev.EventID, sub.ID)
		if p.deadLetter != nil {
			p.deadLetter(sub, ev, 0, fmt.Errorf("delivery queue full"))
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.deliver(job)
	}
}

func (p *Pool) deliver(job *deliveryJob) {
	payload, err := job.event.JSON()
	if err != nil {
		p.logger.Printf("event %s marshal failed: %v", job.event.EventID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(payload))
	if err != nil {
		p.logger.Printf("delivery request build failed for %s: %v", job.sub.URL, err)
		return
	}
	setDeliveryHeaders(req.Header, job.sub, job.event, payload, job.attempt)

	resp, err := p.httpClient.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 400 {
			p.registry.MarkDelivered(job.sub.ID)
			p.recordShipment(job, pb.Shipment_DELIVERED, nil)
			return
		}
		err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}

	p.logger.Printf("delivery failed: %s -> %s: %v", job.event.EventID, job.sub.URL, err)
	p.registry.MarkFailed(job.sub.ID)

	if job.attempt < maxAttempts {
		time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
		job.attempt++
		select {
		case p.queue <- job:
			return
		default:
		}
	}
	if p.deadLetter != nil {
		p.deadLetter(job.sub, job.event, job.attempt, err)
	}
	p.recordShipment(job, pb.Shipment_DEAD_LETTER, err)
}

func (p *Pool) recordShipment(job *deliveryJob, st pb.Shipment_Status, cause error) {
	if p.ledger == nil {
		return
	}
	s := &pb.Shipment{
		EventId:        job.event.EventID,
		EventType:      job.event.EventType,
		TenantId:       job.event.TenantID,
		SubscriptionId: job.sub.ID,
		Status:         st,
		Attempts:       int32(job.attempt),
	}
	var err error
	if st == pb.Shipment_DELIVERED {
		s.DeliveredAt = timestamppb.Now()
		_, err = p.ledger.RecordShipment(context.Background(), s)
	} else {
		if cause != nil {
			s.Cause = cause.Error()
		}
		_, err = p.ledger.RecordDeadLetter(context.Background(), s)
	}
	if err != nil {
		p.logger.Printf("shipment ledger record failed for %s: %v", job.event.EventID, err)
	}
}

// Shutdown drains the queue and stops the workers.
func (p *Pool) Shutdown() {
	close(p.queue)
	p.wg.Wait()
}

func setDeliveryHeaders(h http.Header, sub *Subscription, ev *events.Event, payload []byte, attempt int) {
	h.Set("Content-Type", "application/json")
	h.Set("X-Tollgate-Event-Type", ev.EventType)
	h.Set("X-Tollgate-Event-ID", ev.EventID)
	h.Set("X-Tollgate-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if sub.Secret != "" {
		h.Set("X-Tollgate-Signature", "sha256="+SignPayload(payload, sub.Secret))
	}
}
