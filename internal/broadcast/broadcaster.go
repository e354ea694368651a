package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/notify"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/realtime"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxHoldCount  = 1
	defaultWaitWindow    = time.Second
	defaultTickInterval  = time.Second
	defaultSweepInterval = 5 * time.Second

	fieldVoteID = "vote_id"
)

var errMissingCollaborator = errors.New("broadcast: changes, loader and pusher are required")

// ChangeSource is the consuming side of the change notification channel.
type ChangeSource interface {
	NextCreated(ctx context.Context) (notify.Change, error)
	NextUpdated(ctx context.Context) (notify.Change, error)
}

// VoteLoader reads the current state of a vote.
type VoteLoader interface {
	LoadVote(ctx context.Context, voteID string) (votes.Vote, error)
}

// Pusher fans a message out to a transport group.
type Pusher interface {
	PushToGroup(group string, message realtime.Message) int
}

// Config describes the collaborators and debounce settings of a Broadcaster.
type Config struct {
	Changes       ChangeSource
	Votes         VoteLoader
	Pusher        Pusher
	MaxHoldCount  int
	WaitWindow    time.Duration
	TickInterval  time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

type debounceState struct {
	holdCount   int
	waitCounter int
}

// Broadcaster turns vote changes into transport pushes. Created changes go out at once to the
// lobby group. Updated changes are debounced per vote: a flush happens when no window is open
// or when MaxHoldCount events accumulated, and a window that closes with held events flushes
// once more so the last state always reaches subscribers.
type Broadcaster struct {
	changes       ChangeSource
	loader        VoteLoader
	pusher        Pusher
	maxHoldCount  int
	waitTicks     int
	tickInterval  time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	mu     sync.Mutex
	states map[string]*debounceState

	// flushMu pairs each load with its push; successive pushes carry non-decreasing reads.
	flushMu sync.Mutex
}

// NewBroadcaster validates the configuration and applies defaults.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Changes == nil || cfg.Votes == nil || cfg.Pusher == nil {
		return nil, errMissingCollaborator
	}
	maxHold := cfg.MaxHoldCount
	if maxHold <= 0 {
		maxHold = defaultMaxHoldCount
	}
	window := cfg.WaitWindow
	if window <= 0 {
		window = defaultWaitWindow
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	waitTicks := int(window / tick)
	if waitTicks < 1 {
		waitTicks = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		changes:       cfg.Changes,
		loader:        cfg.Votes,
		pusher:        cfg.Pusher,
		maxHoldCount:  maxHold,
		waitTicks:     waitTicks,
		tickInterval:  tick,
		sweepInterval: sweep,
		clock:         clock,
		logger:        logger,
		states:        make(map[string]*debounceState),
	}, nil
}

// Run consumes both change streams until they are closed and drained, or ctx ends.
// Held updates are flushed one last time when the streams complete.
func (b *Broadcaster) Run(ctx context.Context) error {
	timersCtx, stopTimers := context.WithCancel(ctx)
	defer stopTimers()

	timers, timersCtx := errgroup.WithContext(timersCtx)
	timers.Go(func() error { return b.every(timersCtx, b.tickInterval, b.tick) })
	timers.Go(func() error { return b.every(timersCtx, b.sweepInterval, b.sweep) })

	readers, readersCtx := errgroup.WithContext(ctx)
	readers.Go(func() error {
		return b.consume(readersCtx, b.changes.NextCreated, b.handleCreated)
	})
	readers.Go(func() error {
		return b.consume(readersCtx, b.changes.NextUpdated, b.handleUpdated)
	})

	err := readers.Wait()
	stopTimers()
	if timerErr := timers.Wait(); err == nil {
		err = timerErr
	}
	if ctx.Err() == nil {
		b.flushHeld(ctx)
	}
	b.logger.Info("broadcaster stopped")
	return err
}

func (b *Broadcaster) consume(ctx context.Context, next func(context.Context) (notify.Change, error), handle func(context.Context, votes.Vote)) error {
	for {
		change, err := next(ctx)
		if errors.Is(err, notify.ErrChannelClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(ctx, change.Vote)
	}
}

func (b *Broadcaster) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (b *Broadcaster) handleCreated(_ context.Context, vote votes.Vote) {
	// An update that raced ahead of its created change keeps its state.
	b.mu.Lock()
	if _, ok := b.states[vote.ID]; !ok {
		b.states[vote.ID] = &debounceState{}
	}
	b.mu.Unlock()

	now := b.clock()
	delivered := b.pusher.PushToGroup(realtime.LobbyGroup, realtime.Message{
		Event:     realtime.EventVoteCreated,
		Group:     realtime.LobbyGroup,
		Payload:   vote.View(now),
		Timestamp: now.UTC(),
	})
	b.logger.Debug("vote created broadcast",
		zap.String(fieldVoteID, vote.ID),
		zap.Int("delivered", delivered))
}

func (b *Broadcaster) handleUpdated(ctx context.Context, vote votes.Vote) {
	b.mu.Lock()
	state, ok := b.states[vote.ID]
	if !ok {
		state = &debounceState{}
		b.states[vote.ID] = state
	}
	state.holdCount++
	if state.holdCount < b.maxHoldCount && state.waitCounter > 0 {
		b.mu.Unlock()
		return
	}
	state.holdCount = 0
	state.waitCounter = b.waitTicks
	b.mu.Unlock()

	b.flush(ctx, vote.ID)
}

// tick decrements open wait windows. A window that closes with held events is flushed.
func (b *Broadcaster) tick(ctx context.Context) {
	var trailing []string
	b.mu.Lock()
	for voteID, state := range b.states {
		if state.waitCounter == 0 {
			continue
		}
		state.waitCounter--
		if state.waitCounter == 0 && state.holdCount > 0 {
			state.holdCount = 0
			state.waitCounter = b.waitTicks
			trailing = append(trailing, voteID)
		}
	}
	b.mu.Unlock()

	sort.Strings(trailing)
	for _, voteID := range trailing {
		b.flush(ctx, voteID)
	}
}

// sweep evicts bookkeeping of votes that are gone or no longer accept ballots.
func (b *Broadcaster) sweep(ctx context.Context) {
	now := b.clock()
	for _, voteID := range b.trackedIDs() {
		vote, err := b.loader.LoadVote(ctx, voteID)
		switch {
		case errors.Is(err, votes.ErrVoteNotFound):
			b.evict(voteID, "vote_not_found")
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broadcast sweep load failed", zap.String(fieldVoteID, voteID), zap.Error(err))
		case !vote.CanAcceptBallot(now):
			b.evict(voteID, "vote_terminal")
		}
	}
}

func (b *Broadcaster) flushHeld(ctx context.Context) {
	var held []string
	b.mu.Lock()
	for voteID, state := range b.states {
		if state.holdCount > 0 {
			state.holdCount = 0
			held = append(held, voteID)
		}
	}
	b.mu.Unlock()

	sort.Strings(held)
	for _, voteID := range held {
		b.flush(ctx, voteID)
	}
}

// flush pushes the stored state of the vote to its group.
func (b *Broadcaster) flush(ctx context.Context, voteID string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	vote, err := b.loader.LoadVote(ctx, voteID)
	if errors.Is(err, votes.ErrVoteNotFound) {
		b.evict(voteID, "vote_not_found")
		return
	}
	if err != nil {
		b.logger.Warn("broadcast flush load failed", zap.String(fieldVoteID, voteID), zap.Error(err))
		return
	}

	now := b.clock()
	group := votes.GroupName(voteID)
	delivered := b.pusher.PushToGroup(group, realtime.Message{
		Event:     realtime.EventVoteUpdated,
		Group:     group,
		Payload:   vote.View(now),
		Timestamp: now.UTC(),
	})
	b.logger.Debug("vote updated broadcast",
		zap.String(fieldVoteID, voteID),
		zap.Int("delivered", delivered))

	if !vote.CanAcceptBallot(now) {
		b.evict(voteID, "vote_terminal")
	}
}

func (b *Broadcaster) evict(voteID, reason string) {
	b.mu.Lock()
	_, ok := b.states[voteID]
	delete(b.states, voteID)
	b.mu.Unlock()
	if ok {
		b.logger.Debug("broadcast state evicted", zap.String(fieldVoteID, voteID), zap.String("reason", reason))
	}
}

func (b *Broadcaster) trackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.states))
	for voteID := range b.states {
		ids = append(ids, voteID)
	}
	sort.Strings(ids)
	return ids
}

// Tracked reports the number of votes with debounce bookkeeping.
func (b *Broadcaster) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.states)
}
