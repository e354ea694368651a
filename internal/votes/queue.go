package votes

import (
	"context"
	"errors"
	"time"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/queue"
)

// CastRequest is a ballot waiting in the deferred-cast queue.
type CastRequest struct {
	VoteID     string
	SubjectID  int64
	VoterID    string
	EnqueuedAt time.Time
}

// CastQueue is the unbounded FIFO of deferred ballots.
type CastQueue struct {
	items *queue.Queue[CastRequest]
}

// NewCastQueue constructs an empty cast queue.
func NewCastQueue() *CastQueue {
	return &CastQueue{items: queue.New[CastRequest]()}
}

// Enqueue appends the request without blocking. It fails only after Close.
func (q *CastQueue) Enqueue(request CastRequest) error {
	if err := q.items.Push(request); err != nil {
		return ErrQueueClosed
	}
	return nil
}

// Next blocks for the oldest request. ErrQueueClosed is returned once the queue is closed
// and drained.
func (q *CastQueue) Next(ctx context.Context) (CastRequest, error) {
	request, err := q.items.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return CastRequest{}, ErrQueueClosed
	}
	return request, err
}

// Len reports the number of pending requests.
func (q *CastQueue) Len() int {
	return q.items.Len()
}

// Close stops accepting requests; pending requests remain readable.
func (q *CastQueue) Close() {
	q.items.Close()
}
