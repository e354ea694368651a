package votes

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CastCommand identifies a ballot to record. An empty VoterID casts anonymously.
type CastCommand struct {
	VoteID    string
	SubjectID int64
	VoterID   string
}

// CastBallot records a ballot synchronously. Preconditions are re-evaluated against a fresh
// read of the vote on every attempt; a stale concurrency token triggers up to MaxRetries
// retries separated by random jitter.
func (s *Service) CastBallot(ctx context.Context, command CastCommand) (Vote, error) {
	voteID := strings.TrimSpace(command.VoteID)
	if voteID == "" {
		return Vote{}, newServiceError(opCastBallot, "missing_vote_id", KindInvalid, errMissingVoteID)
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleepJitter(ctx); err != nil {
				return Vote{}, newServiceError(opCastBallot, "cancelled", KindTransient, err)
			}
		}

		vote, err := s.store.LoadVote(ctx, voteID)
		if errors.Is(err, ErrVoteNotFound) {
			return Vote{}, newServiceError(opCastBallot, "vote_not_found", KindNotFound, err)
		}
		if err != nil {
			s.logError(opCastBallot, "load_failed", err, zap.String(fieldVoteID, voteID))
			return Vote{}, newServiceError(opCastBallot, "load_failed", KindTransient, err)
		}

		now := s.clock()
		if err := checkCastPreconditions(vote, command.SubjectID, command.VoterID, now); err != nil {
			return Vote{}, newServiceError(opCastBallot, reasonFor(err), KindOf(err), err)
		}

		updated, err := s.store.SaveBallot(ctx, vote, command.SubjectID, command.VoterID, now)
		if errors.Is(err, ErrStaleVersion) {
			s.loggerOrDefault().Debug("ballot conflict, retrying",
				zap.String(fieldVoteID, voteID),
				zap.Int64(fieldSubjectID, command.SubjectID),
				zap.Int(fieldAttempt, attempt+1))
			continue
		}
		if err != nil {
			kind := KindOf(err)
			if kind == KindInternal {
				s.logError(opCastBallot, "save_failed", err, zap.String(fieldVoteID, voteID))
				return Vote{}, newServiceError(opCastBallot, "save_failed", KindTransient, err)
			}
			return Vote{}, newServiceError(opCastBallot, reasonFor(err), kind, err)
		}

		s.publishUpdated(updated)
		return updated, nil
	}

	s.loggerOrDefault().Warn("ballot retries exhausted",
		zap.String(fieldVoteID, voteID),
		zap.Int64(fieldSubjectID, command.SubjectID),
		zap.Int("retries", s.maxRetries))
	return Vote{}, newServiceError(opCastBallot, "retries_exhausted", KindTransient,
		fmt.Errorf("%w: %w", ErrRetriesExhausted, ErrStaleVersion))
}

// EnqueueBallot submits a ballot for asynchronous processing. Success only acknowledges
// the submission.
func (s *Service) EnqueueBallot(_ context.Context, command CastCommand) error {
	voteID := strings.TrimSpace(command.VoteID)
	if voteID == "" {
		return newServiceError(opEnqueueCast, "missing_vote_id", KindInvalid, errMissingVoteID)
	}
	err := s.queue.Enqueue(CastRequest{
		VoteID:     voteID,
		SubjectID:  command.SubjectID,
		VoterID:    command.VoterID,
		EnqueuedAt: s.clock().UTC(),
	})
	if err != nil {
		return newServiceError(opEnqueueCast, "queue_closed", KindTransient, err)
	}
	return nil
}

// checkCastPreconditions applies the ordered checks shared by both cast paths.
func checkCastPreconditions(vote Vote, subjectID int64, voterID string, now time.Time) error {
	if vote.HasBallotFrom(voterID) {
		return ErrAlreadyVoted
	}
	if vote.IsClosed(now) {
		return ErrVoteClosed
	}
	if vote.IsFull() {
		return ErrVoteFull
	}
	if _, ok := vote.Subject(subjectID); !ok {
		return ErrSubjectNotFound
	}
	return nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrVoteClosed):
		return "vote_closed"
	case errors.Is(err, ErrVoteFull):
		return "vote_full"
	case errors.Is(err, ErrSubjectNotFound):
		return "subject_not_found"
	case errors.Is(err, ErrVoteNotFound):
		return "vote_not_found"
	case errors.Is(err, ErrVoterNotFound):
		return "voter_not_found"
	case errors.Is(err, ErrStaleVersion):
		return "stale_version"
	default:
		return "failed"
	}
}

func (s *Service) sleepJitter(ctx context.Context) error {
	delay := s.jitterMin
	if spread := s.jitterMax - s.jitterMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
