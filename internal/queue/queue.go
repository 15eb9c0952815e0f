package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/unclebandit/wa-gateway/internal/provider"
)

const StatusTopic = "status_updates"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// InMemoryQueue is an in-process queue with retry
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	MaxRetries int
	Backoff    time.Duration
	// DeadLetter, when set, receives jobs that failed every attempt.
	DeadLetter func(topic string, payload any, err error)
	wg         sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	job := JobPayload{
		Payload:    payload,
		RetryCount: 0,
		MaxRetries: q.MaxRetries,
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(topic, handler, job)
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	for {
		err := handler(job.Payload)
		if err == nil {
			return // ACK
		}

		job.RetryCount++
		log.Printf("Job on %s failed (attempt %d/%d): %v\n", topic, job.RetryCount, job.MaxRetries+1, err)

		if job.RetryCount > job.MaxRetries {
			log.Printf("Job on %s permanently failed after %d attempts\n", topic, job.RetryCount)
			if q.DeadLetter != nil {
				q.DeadLetter(topic, job.Payload, err)
			}
			return // No requeue
		}

		time.Sleep(time.Duration(job.RetryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, including retries.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Decode converts a queue payload into v. In-memory payloads arrive as Go
// values, broker payloads as JSON.
func Decode(payload any, v any) error {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		raw = b
	}
	return json.Unmarshal(raw, v)
}

// StatusApplier stores delivery receipts.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, u provider.StatusUpdate) (bool, error)
}

// StartStatusSubscriber applies delivery receipts published by the webhook
// handler. Storage failures are returned so the queue retries them.
func StartStatusSubscriber(q Queue, applier StatusApplier) error {
	return q.Subscribe(StatusTopic, func(payload any) error {
		var u provider.StatusUpdate
		if err := Decode(payload, &u); err != nil {
			log.Println("⚠️ Invalid status payload:", err)
			return nil
		}

		changed, err := applier.ApplyStatus(context.Background(), u)
		if err != nil {
			log.Printf("⚠️ Failed to apply status %s for %s: %v", u.Status, u.ExternalID, err)
			return err
		}
		if changed {
			log.Printf("📬 Message %s is now %s", u.ExternalID, u.Status)
		}
		return nil
	})
}

// Forgetter releases a de-duplication claim.
type Forgetter interface {
	Forget(ctx context.Context, externalID, status string) error
}

// ForgetDroppedStatus is a DeadLetter hook for the status topic. It releases
// the claim on a receipt that could not be applied so a provider redelivery
// is processed again.
func ForgetDroppedStatus(f Forgetter) func(topic string, payload any, err error) {
	return func(topic string, payload any, _ error) {
		if topic != StatusTopic {
			return
		}
		var u provider.StatusUpdate
		if err := Decode(payload, &u); err != nil {
			return
		}
		if err := f.Forget(context.Background(), u.ExternalID, string(u.Status)); err != nil {
			log.Printf("⚠️ Failed to release dedupe key for %s: %v", u.ExternalID, err)
		}
	}
}
