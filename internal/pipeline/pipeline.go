package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/broadcast"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/notify"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("pipeline: already started")

	errMissingComponent = errors.New("pipeline: queue, changes, processor and broadcaster are required")
)

// Config lists the background components owned by the pipeline.
type Config struct {
	Queue       *votes.CastQueue
	Changes     *notify.Channel
	Processor   *votes.Processor
	Broadcaster *broadcast.Broadcaster
	Logger      *zap.Logger
}

// Pipeline runs the queue processor and the broadcaster for the lifetime of the process.
type Pipeline struct {
	queue       *votes.CastQueue
	changes     *notify.Channel
	processor   *votes.Processor
	broadcaster *broadcast.Broadcaster
	logger      *zap.Logger

	mu              sync.Mutex
	started         bool
	cancel          context.CancelFunc
	group           *errgroup.Group
	processorDone   chan struct{}
	broadcasterDone chan struct{}
	shutdownOnce    sync.Once
	shutdownErr     error
}

// New validates the configuration.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Queue == nil || cfg.Changes == nil || cfg.Processor == nil || cfg.Broadcaster == nil {
		return nil, errMissingComponent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		queue:           cfg.Queue,
		changes:         cfg.Changes,
		processor:       cfg.Processor,
		broadcaster:     cfg.Broadcaster,
		logger:          logger,
		processorDone:   make(chan struct{}),
		broadcasterDone: make(chan struct{}),
	}, nil
}

// Start launches the background loops. They stop when ctx ends or Shutdown completes.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.group = group

	group.Go(func() error {
		defer close(p.processorDone)
		return p.processor.Run(groupCtx)
	})
	group.Go(func() error {
		defer close(p.broadcasterDone)
		return p.broadcaster.Run(groupCtx)
	})
	p.logger.Info("pipeline started")
	return nil
}

// Shutdown closes the cast queue and waits for the processor to drain it, then closes the
// change channel and waits for the broadcaster. If ctx ends first the loops are cancelled
// and ctx's error is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown(ctx)
	})
	return p.shutdownErr
}

func (p *Pipeline) shutdown(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	p.queue.Close()
	if !started {
		p.changes.Close()
		return nil
	}

	forced := false
	if !wait(ctx, p.processorDone) {
		forced = true
		p.logger.Warn("pipeline shutdown deadline reached before the cast queue drained",
			zap.Int("pending", p.queue.Len()))
		p.cancel()
	}
	p.changes.Close()
	if !wait(ctx, p.broadcasterDone) {
		forced = true
		p.cancel()
	}
	p.cancel()

	err := p.group.Wait()
	if forced {
		return ctx.Err()
	}
	p.logger.Info("pipeline stopped")
	return err
}

func wait(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
