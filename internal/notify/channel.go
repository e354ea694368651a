package notify

import (
	"context"
	"errors"
	"time"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/queue"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
)

// ErrChannelClosed is returned by publishers after Close, and by readers once drained.
var ErrChannelClosed = errors.New("notify: channel closed")

// Kind names the type of vote change.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
)

// Change is a vote snapshot captured when the change was published.
type Change struct {
	Kind      Kind
	Vote      votes.Vote
	EmittedAt time.Time
}

// Channel carries created and updated changes in two independent FIFO streams.
// Publishing never blocks. There is no ordering between the two streams.
type Channel struct {
	created *queue.Queue[Change]
	updated *queue.Queue[Change]
	clock   func() time.Time
}

// NewChannel constructs an open channel. A nil clock defaults to time.Now.
func NewChannel(clock func() time.Time) *Channel {
	if clock == nil {
		clock = time.Now
	}
	return &Channel{
		created: queue.New[Change](),
		updated: queue.New[Change](),
		clock:   clock,
	}
}

// PublishCreated enqueues a created change.
func (c *Channel) PublishCreated(vote votes.Vote) error {
	return c.publish(c.created, KindCreated, vote)
}

// PublishUpdated enqueues an updated change.
func (c *Channel) PublishUpdated(vote votes.Vote) error {
	return c.publish(c.updated, KindUpdated, vote)
}

// NextCreated blocks for the oldest created change.
func (c *Channel) NextCreated(ctx context.Context) (Change, error) {
	return next(ctx, c.created)
}

// NextUpdated blocks for the oldest updated change.
func (c *Channel) NextUpdated(ctx context.Context) (Change, error) {
	return next(ctx, c.updated)
}

// Pending reports the number of unread changes per stream.
func (c *Channel) Pending() (created, updated int) {
	return c.created.Len(), c.updated.Len()
}

// Close completes both streams. Readers drain what was published and then observe
// ErrChannelClosed.
func (c *Channel) Close() {
	c.created.Close()
	c.updated.Close()
}

func (c *Channel) publish(target *queue.Queue[Change], kind Kind, vote votes.Vote) error {
	change := Change{Kind: kind, Vote: vote.Clone(), EmittedAt: c.clock().UTC()}
	if err := target.Push(change); err != nil {
		return ErrChannelClosed
	}
	return nil
}

func next(ctx context.Context, source *queue.Queue[Change]) (Change, error) {
	change, err := source.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return Change{}, ErrChannelClosed
	}
	return change, err
}
