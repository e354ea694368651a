package votes

import (
	"errors"
	"fmt"
)

// Kind classifies service errors for callers at the request boundary.
type Kind string

const (
	KindInvalid   Kind = "invalid"
	KindNotFound  Kind = "not_found"
	KindConflict  Kind = "conflict"
	KindForbidden Kind = "forbidden"
	KindTransient Kind = "transient"
	KindInternal  Kind = "internal"
)

var (
	ErrVoteNotFound     = errors.New("votes: vote not found")
	ErrSubjectNotFound  = errors.New("votes: subject not found")
	ErrVoterNotFound    = errors.New("votes: voter not found")
	ErrAlreadyVoted     = errors.New("votes: voter already cast a ballot")
	ErrVoteClosed       = errors.New("votes: vote is closed")
	ErrVoteFull         = errors.New("votes: vote reached its capacity")
	ErrStaleVersion     = errors.New("votes: concurrency token is stale")
	ErrRetriesExhausted = errors.New("votes: retries exhausted")
	ErrQueueClosed      = errors.New("votes: cast queue closed")

	errMissingStore  = errors.New("store is required")
	errMissingQueue  = errors.New("cast queue is required")
	errMissingVoteID = errors.New("vote identifier is required")
)

// ServiceError carries an operation-scoped code and a classification.
type ServiceError struct {
	code string
	kind Kind
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error classification.
func (e *ServiceError) Kind() Kind {
	return e.kind
}

func newServiceError(operation, reason string, kind Kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// KindOf classifies any error, inspecting ServiceError first and sentinels second.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	switch {
	case errors.Is(err, ErrInvalidVote):
		return KindInvalid
	case errors.Is(err, ErrVoteNotFound), errors.Is(err, ErrSubjectNotFound), errors.Is(err, ErrVoterNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyVoted):
		return KindConflict
	case errors.Is(err, ErrVoteClosed), errors.Is(err, ErrVoteFull):
		return KindForbidden
	case errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrQueueClosed):
		return KindTransient
	case errors.Is(err, ErrStaleVersion):
		return KindConflict
	default:
		return KindInternal
	}
}
