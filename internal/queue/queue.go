// Package queue carries execution ids from the trigger path to workers with
// at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("queue closed")

type Queue interface {
	Enqueue(ctx context.Context, executionID string) error
	// Receive blocks until a delivery is available, ctx is done or the
	// queue is closed.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is one received execution id. Exactly one of Ack or Nak must be
// called.
type Delivery interface {
	ExecutionID() string
	Attempt() int
	Ack() error
	Nak(delay time.Duration) error
	// InProgress extends the redelivery deadline while work continues.
	InProgress() error
}
