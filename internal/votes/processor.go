package votes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// VoterDirectory resolves whether a voter is known.
type VoterDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// ProcessorConfig describes the collaborators of the queue processor.
type ProcessorConfig struct {
	Queue    *CastQueue
	Store    Store
	Voters   VoterDirectory
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Processor drains the cast queue with a single consumer. Requests that cannot be applied
// are logged and dropped; conflicts are not retried.
type Processor struct {
	queue    *CastQueue
	store    Store
	voters   VoterDirectory
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewProcessor validates the configuration and constructs a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Processor{
		queue:    cfg.Queue,
		store:    cfg.Store,
		voters:   cfg.Voters,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run consumes requests in arrival order until the queue is closed and drained or ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("cast queue processor started")
	defer p.logger.Info("cast queue processor stopped")
	for {
		request, err := p.queue.Next(ctx)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.handle(ctx, request)
	}
}

func (p *Processor) handle(ctx context.Context, request CastRequest) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.drop(request, "panic", fmt.Errorf("recovered: %v", recovered))
		}
	}()

	if _, err := p.Apply(ctx, request); err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			p.drop(request, serviceErr.Code(), err)
			return
		}
		p.drop(request, "failed", err)
	}
}

// Apply processes a single request against the current store state.
func (p *Processor) Apply(ctx context.Context, request CastRequest) (Vote, error) {
	vote, err := p.store.LoadVote(ctx, request.VoteID)
	if err != nil {
		return Vote{}, newServiceError(opProcessCast, reasonFor(err), kindOrTransient(err), err)
	}

	if request.VoterID != "" && p.voters != nil {
		exists, err := p.voters.Exists(ctx, request.VoterID)
		if err != nil {
			return Vote{}, newServiceError(opProcessCast, "voter_lookup_failed", KindTransient, err)
		}
		if !exists {
			return Vote{}, newServiceError(opProcessCast, "voter_not_found", KindNotFound, ErrVoterNotFound)
		}
	}

	now := p.clock()
	if err := checkCastPreconditions(vote, request.SubjectID, request.VoterID, now); err != nil {
		return Vote{}, newServiceError(opProcessCast, reasonFor(err), KindOf(err), err)
	}

	updated, err := p.store.SaveBallot(ctx, vote, request.SubjectID, request.VoterID, now)
	if err != nil {
		return Vote{}, newServiceError(opProcessCast, reasonFor(err), kindOrTransient(err), err)
	}

	if p.notifier != nil {
		if err := p.notifier.PublishUpdated(updated.Clone()); err != nil {
			p.logger.Warn("vote updated notification dropped",
				zap.String(fieldVoteID, updated.ID),
				zap.Error(err))
		}
	}
	p.logger.Debug("queued ballot applied",
		zap.String(fieldVoteID, request.VoteID),
		zap.Int64(fieldSubjectID, request.SubjectID),
		zap.Duration("queued_for", now.Sub(request.EnqueuedAt)))
	return updated, nil
}

func (p *Processor) drop(request CastRequest, reason string, err error) {
	p.logger.Warn("queued ballot dropped",
		zap.String("reason", reason),
		zap.String(fieldVoteID, request.VoteID),
		zap.Int64(fieldSubjectID, request.SubjectID),
		zap.String(fieldVoterID, request.VoterID),
		zap.Error(err))
}

func kindOrTransient(err error) Kind {
	kind := KindOf(err)
	if kind == KindInternal {
		return KindTransient
	}
	return kind
}
