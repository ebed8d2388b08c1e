package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/events"
	"github.com/Garl-Protocol/garl/internal/storage"
)

var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Dispatcher delivers reputation events to webhook subscribers from a
// bounded queue and a background worker pool. Delivery is at-least-once,
// best-effort ordered per subscriber; failures never reach the submitter.
type Dispatcher struct {
	store      storage.Store
	httpClient *http.Client
	queue      chan *deliveryJob
	breakers   map[string]*gobreaker.CircuitBreaker
	breakerMu  sync.Mutex
	logger     *log.Logger
	wg         sync.WaitGroup

	// Deliveries, when set, counts outcomes (success, failure, dropped).
	Deliveries *prometheus.CounterVec
}

type deliveryJob struct {
	webhook *core.Webhook
	event   *events.Event
	attempt int
}

// NewDispatcher creates a dispatcher with a worker pool.
func NewDispatcher(store storage.Store, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	d := &Dispatcher{
		store: store,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		queue:    make(chan *deliveryJob, queueSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Emit looks up the agent's active subscriptions for the event type and
// queues one delivery per subscriber. Satisfies the pipeline's event sink.
func (d *Dispatcher) Emit(agentID string, eventType core.EventType, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subs, err := d.store.ActiveWebhooksFor(ctx, agentID, eventType)
	if err != nil {
		d.logger.Printf("❌ Failed to load subscribers for %s/%s: %v", agentID, eventType, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	event := events.NewEvent(agentID, eventType, data)
	for _, sub := range subs {
		d.enqueue(&deliveryJob{webhook: sub, event: event, attempt: 0})
	}
}

// enqueue blocks briefly when the queue is full, then drops with a log line
// rather than stalling the submission path.
func (d *Dispatcher) enqueue(job *deliveryJob) {
	select {
	case d.queue <- job:
	case <-time.After(100 * time.Millisecond):
		d.logger.Printf("⚠️  Webhook queue full, dropping %s for %s", job.event.Event, job.webhook.ID)
		d.countDelivery("dropped")
	}
}

func (d *Dispatcher) countDelivery(outcome string) {
	if d.Deliveries != nil {
		d.Deliveries.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliverWithRetries(job)
	}
}

func (d *Dispatcher) deliverWithRetries(job *deliveryJob) {
	for {
		err := d.deliver(job)
		if err == nil {
			d.countDelivery("success")
			return
		}
		if job.attempt >= len(retryDelays) {
			d.logger.Printf("❌ Webhook delivery exhausted retries: %s → %s: %v",
				job.event.Event, job.webhook.URL, err)
			d.countDelivery("failure")
			return
		}
		time.Sleep(retryDelays[job.attempt])
		job.attempt++
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) error {
	payload, err := job.event.JSON()
	if err != nil {
		d.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return nil // not retryable
	}

	_, err = d.breakerFor(job.webhook.ID).Execute(func() (interface{}, error) {
		return nil, d.post(job.webhook, payload, job)
	})
	return err
}

func (d *Dispatcher) post(wh *core.Webhook, payload []byte, job *deliveryJob) error {
	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Garl-Event", string(job.event.Event))
	req.Header.Set("X-Garl-Delivery-Attempt", fmt.Sprintf("%d", job.attempt+1))
	req.Header.Set("X-Garl-Signature", SignPayload(payload, wh.Secret))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.store.TouchWebhook(ctx, wh.ID, time.Now().UTC()); err != nil {
		d.logger.Printf("⚠️  Failed to record delivery time for %s: %v", wh.ID, err)
	}
	d.logger.Printf("✅ Webhook delivered: %s → %s", job.event.Event, wh.URL)
	return nil
}

// breakerFor returns the per-endpoint circuit breaker, creating it lazily.
// An endpoint that keeps failing is skipped for a cooling-off period instead
// of burning worker time on every event.
func (d *Dispatcher) breakerFor(webhookID string) *gobreaker.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()

	cb, ok := d.breakers[webhookID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        webhookID,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		d.breakers[webhookID] = cb
	}
	return cb
}

// SignPayload computes the hex HMAC-SHA256 signature subscribers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
