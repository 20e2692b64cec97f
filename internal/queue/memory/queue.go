// Package memory provides an in-process work queue for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/se7ensam/orion-AI/internal/queue"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

const (
	defaultRedeliveryBase = time.Second
	defaultRedeliveryMax  = 5 * time.Minute
)

// Message is a queued or dead-lettered message as recorded by the queue.
type Message struct {
	ID      string
	Body    []byte
	Attempt int

	notBefore time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithRedeliveryBackoff delays a requeued message by base * 2^(attempt-1),
// capped at maxDelay, before it can be delivered again.
func WithRedeliveryBackoff(base, maxDelay time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
		if maxDelay > 0 {
			q.backoffMax = maxDelay
		}
		if q.backoffMax < q.backoffBase {
			q.backoffMax = q.backoffBase
		}
	}
}

// Queue is an unbounded FIFO with manual settlement. Requeued messages go to
// the back of the line with an incremented attempt counter and stay invisible
// until their redelivery backoff has elapsed.
type Queue struct {
	mu       sync.Mutex
	pending  []Message
	dead     []Message
	acked    int
	requeued int
	nextID   int
	notify   chan struct{}

	backoffBase time.Duration
	backoffMax  time.Duration

	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		backoffBase: defaultRedeliveryBase,
		backoffMax:  defaultRedeliveryMax,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish appends a message.
func (q *Queue) Publish(_ context.Context, body []byte) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	q.mu.Lock()
	q.nextID++
	id := fmt.Sprintf("mem-%d", q.nextID)
	q.pending = append(q.pending, Message{ID: id, Body: append([]byte(nil), body...), Attempt: 1})
	q.mu.Unlock()
	q.signal()
	return id, nil
}

// Consume hands messages to h one at a time until ctx is cancelled or the
// queue is closed.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		if ctx.Err() != nil || q.isClosed() {
			return nil
		}
		msg, wait, ok := q.pop(time.Now())
		if !ok {
			if !q.wait(ctx, wait) {
				return nil
			}
			continue
		}
		h(ctx, q.delivery(msg))
	}
}

// wait blocks until a publish, a requeue or the next visibility deadline. It
// returns false once ctx is done or the queue is closed.
func (q *Queue) wait(ctx context.Context, d time.Duration) bool {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	case <-q.notify:
	case <-timeout:
	}
	return true
}

func (q *Queue) delivery(msg Message) queue.Delivery {
	ack := func() error {
		q.mu.Lock()
		q.acked++
		q.mu.Unlock()
		return nil
	}
	reject := func(requeue bool) error {
		q.mu.Lock()
		if requeue {
			q.requeued++
			q.pending = append(q.pending, Message{
				ID:        msg.ID,
				Body:      msg.Body,
				Attempt:   msg.Attempt + 1,
				notBefore: time.Now().Add(q.redeliveryDelay(msg.Attempt)),
			})
		} else {
			q.dead = append(q.dead, msg)
		}
		q.mu.Unlock()
		if requeue {
			q.signal()
		}
		return nil
	}
	return queue.NewDelivery(msg.ID, msg.Body, msg.Attempt, ack, reject)
}

// pop removes the first message visible at now. When none is visible it
// returns how long until the earliest one becomes visible, or zero if the
// queue is empty.
func (q *Queue) pop(now time.Time) (Message, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var wait time.Duration
	for i, msg := range q.pending {
		if !msg.notBefore.After(now) {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return msg, 0, true
		}
		if d := msg.notBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return Message{}, wait, false
}

func (q *Queue) redeliveryDelay(attempt int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempt && d < q.backoffMax; i++ {
		d *= 2
	}
	return min(d, q.backoffMax)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DeadLetters returns messages rejected without requeue.
func (q *Queue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.dead...)
}

// Acked returns the number of acknowledged deliveries.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Requeued returns the number of deliveries rejected with requeue.
func (q *Queue) Requeued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeued
}

// Pending returns the number of messages waiting for delivery.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// StopChannel is a no-op; the memory queue has no per-channel resources.
func (q *Queue) StopChannel() error { return nil }

// Close stops consumption. Pending messages are kept for inspection.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

func (q *Queue) isClosed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}
