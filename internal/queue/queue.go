// Package queue defines the work-queue contract the consumer pulls jobs from.
// Implementations deliver one message at a time and require manual
// settlement: every delivery is either acknowledged or rejected, with or
// without requeue.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySettled is returned when a delivery is acked or rejected twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// Delivery is a single received message.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int

	once   *sync.Once
	ack    func() error
	reject func(requeue bool) error
}

// NewDelivery wires a delivery to its settlement callbacks. Only the first
// settlement call reaches the broker.
func NewDelivery(id string, body []byte, attempt int, ack func() error, reject func(requeue bool) error) Delivery {
	if attempt < 1 {
		attempt = 1
	}
	return Delivery{
		ID:      id,
		Body:    body,
		Attempt: attempt,
		once:    &sync.Once{},
		ack:     ack,
		reject:  reject,
	}
}

// Ack removes the message from the queue.
func (d Delivery) Ack() error {
	return d.settle(func() error { return d.ack() })
}

// Reject returns the message to the queue when requeue is true, otherwise
// dead-letters it.
func (d Delivery) Reject(requeue bool) error {
	return d.settle(func() error { return d.reject(requeue) })
}

func (d Delivery) settle(fn func() error) error {
	if d.once == nil {
		return ErrAlreadySettled
	}
	err := ErrAlreadySettled
	d.once.Do(func() { err = fn() })
	return err
}

// Handler processes one delivery. It must settle the delivery unless the
// process is abandoning it during shutdown.
type Handler func(ctx context.Context, d Delivery)

// Source is a durable queue subscription.
type Source interface {
	// Consume delivers messages to h one at a time until ctx is cancelled,
	// then waits for the running handler to return. A cancelled ctx is not
	// an error.
	Consume(ctx context.Context, h Handler) error
	// StopChannel releases per-subscription resources such as publishers.
	StopChannel() error
	// Close releases the broker connection.
	Close() error
}
