package votes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/realtime"
	"go.uber.org/zap"
)

const (
	opServiceNew   = "votes.service.new"
	opCreateVote   = "votes.create_vote"
	opGetVote      = "votes.get_vote"
	opSubscribe    = "votes.subscribe"
	opUnsubscribe  = "votes.unsubscribe"
	opCastBallot   = "votes.cast_ballot"
	opEnqueueCast  = "votes.enqueue_ballot"
	opProcessCast  = "votes.process_ballot"
	fieldUserID    = "user_id"
	fieldVoterID   = "voter_id"
	fieldSubjectID = "subject_id"
	fieldAttempt   = "attempt"

	defaultMaxRetries = 3
	defaultJitterMin  = 10 * time.Millisecond
	defaultJitterMax  = 50 * time.Millisecond
)

var noOpLogger = zap.NewNop()

// Notifier receives change notifications once a vote is created or updated.
type Notifier interface {
	PublishCreated(vote Vote) error
	PublishUpdated(vote Vote) error
}

// GroupMembership is the transport surface used for vote subscriptions.
type GroupMembership interface {
	AddUserToGroup(userID, group string) int
	RemoveUserFromGroup(userID, group string) int
	PushToUser(userID string, message realtime.Message) int
}

// IDProvider issues vote identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the collaborators of the vote service.
type ServiceConfig struct {
	Store      Store
	Queue      *CastQueue
	Notifier   Notifier
	Groups     GroupMembership
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	MaxRetries int
	JitterMin  time.Duration
	JitterMax  time.Duration
}

// Service exposes vote creation, ballot casting, and subscriptions to the request layer.
type Service struct {
	store      Store
	queue      *CastQueue
	notifier   Notifier
	groups     GroupMembership
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	maxRetries int
	jitterMin  time.Duration
	jitterMax  time.Duration
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", KindInternal, errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", KindInternal, errMissingQueue)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	jitterMin, jitterMax := cfg.JitterMin, cfg.JitterMax
	if jitterMin <= 0 && jitterMax <= 0 {
		jitterMin, jitterMax = defaultJitterMin, defaultJitterMax
	}
	if jitterMax < jitterMin {
		jitterMax = jitterMin
	}

	return &Service{
		store:      cfg.Store,
		queue:      cfg.Queue,
		notifier:   cfg.Notifier,
		groups:     cfg.Groups,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		maxRetries: maxRetries,
		jitterMin:  jitterMin,
		jitterMax:  jitterMax,
	}, nil
}

// CreateVote validates the draft, stores the vote, and publishes a created notification.
func (s *Service) CreateVote(ctx context.Context, draft VoteDraft) (Vote, error) {
	voteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateVote, "id_generation_failed", err)
		return Vote{}, newServiceError(opCreateVote, "id_generation_failed", KindInternal, err)
	}

	vote, err := NewVote(draft, voteID, s.clock())
	if err != nil {
		return Vote{}, newServiceError(opCreateVote, "invalid_vote", KindInvalid, err)
	}

	stored, err := s.store.CreateVote(ctx, vote)
	if err != nil {
		s.logError(opCreateVote, "store_failed", err, zap.String(fieldVoteID, voteID))
		return Vote{}, newServiceError(opCreateVote, "store_failed", KindTransient, err)
	}

	if s.notifier != nil {
		if err := s.notifier.PublishCreated(stored.Clone()); err != nil {
			s.loggerOrDefault().Warn("vote created notification dropped",
				zap.String(fieldVoteID, stored.ID),
				zap.Error(err))
		}
	}
	return stored, nil
}

// GetVote returns the current state of a vote.
func (s *Service) GetVote(ctx context.Context, voteID string) (Vote, error) {
	vote, err := s.store.LoadVote(ctx, voteID)
	if errors.Is(err, ErrVoteNotFound) {
		return Vote{}, newServiceError(opGetVote, "vote_not_found", KindNotFound, err)
	}
	if err != nil {
		s.logError(opGetVote, "store_failed", err, zap.String(fieldVoteID, voteID))
		return Vote{}, newServiceError(opGetVote, "store_failed", KindTransient, err)
	}
	return vote, nil
}

// Subscribe joins every connection of userID to the vote's group and pushes the current
// snapshot to the user. It returns how many connections joined.
func (s *Service) Subscribe(ctx context.Context, voteID, userID string) (int, error) {
	vote, err := s.membershipTarget(ctx, opSubscribe, voteID, userID)
	if err != nil {
		return 0, err
	}
	joined := s.groups.AddUserToGroup(userID, vote.GroupName())
	now := s.clock()
	s.groups.PushToUser(userID, realtime.Message{
		Event:     realtime.EventVoteSnapshot,
		Group:     vote.GroupName(),
		Payload:   vote.View(now),
		Timestamp: now.UTC(),
	})
	s.loggerOrDefault().Debug("user subscribed to vote",
		zap.String(fieldVoteID, voteID),
		zap.String(fieldUserID, userID),
		zap.Int("connections", joined))
	return joined, nil
}

// Unsubscribe removes every connection of userID from the vote's group.
func (s *Service) Unsubscribe(ctx context.Context, voteID, userID string) (int, error) {
	vote, err := s.membershipTarget(ctx, opUnsubscribe, voteID, userID)
	if err != nil {
		return 0, err
	}
	left := s.groups.RemoveUserFromGroup(userID, vote.GroupName())
	s.loggerOrDefault().Debug("user unsubscribed from vote",
		zap.String(fieldVoteID, voteID),
		zap.String(fieldUserID, userID),
		zap.Int("connections", left))
	return left, nil
}

func (s *Service) membershipTarget(ctx context.Context, operation, voteID, userID string) (Vote, error) {
	if s.groups == nil {
		return Vote{}, newServiceError(operation, "missing_transport", KindInternal, errors.New("group membership is not configured"))
	}
	if strings.TrimSpace(userID) == "" {
		return Vote{}, newServiceError(operation, "missing_user_id", KindInvalid, errors.New("user identifier is required"))
	}
	vote, err := s.store.LoadVote(ctx, voteID)
	if errors.Is(err, ErrVoteNotFound) {
		return Vote{}, newServiceError(operation, "vote_not_found", KindNotFound, err)
	}
	if err != nil {
		s.logError(operation, "store_failed", err, zap.String(fieldVoteID, voteID))
		return Vote{}, newServiceError(operation, "store_failed", KindTransient, err)
	}
	return vote, nil
}

func (s *Service) publishUpdated(vote Vote) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishUpdated(vote.Clone()); err != nil {
		s.loggerOrDefault().Warn("vote updated notification dropped",
			zap.String(fieldVoteID, vote.ID),
			zap.Error(err))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("votes service error", attrs...)
}
