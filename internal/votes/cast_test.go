package votes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCastBallotRecordsAndPublishes(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	notifier := &recordingNotifier{}
	service := newTestService(t, store, notifier)
	seedVote(t, store, VoteDraft{Title: "Lunch", Subjects: []string{"Pizza", "Sushi"}}, "vote-1")

	updated, err := service.CastBallot(context.Background(), CastCommand{VoteID: "vote-1", SubjectID: 1, VoterID: "voter-1"})
	if err != nil {
		t.Fatalf("unexpected cast error: %v", err)
	}
	if updated.TotalBallots() != 1 || !updated.HasBallotFrom("voter-1") {
		t.Fatalf("unexpected vote after cast %#v", updated)
	}
	if notifier.updatedCount() != 1 {
		t.Fatalf("expected one updated notification, got %d", notifier.updatedCount())
	}
}

func TestCastBallotPreconditionOrder(t *testing.T) {
	expiresAt := testNow.Add(time.Minute)
	tests := []struct {
		name      string
		draft     VoteDraft
		seedVoter string
		command   CastCommand
		clock     func() time.Time
		wantErr   error
		wantKind  Kind
	}{
		{
			name:      "already-voted-before-closed",
			draft:     VoteDraft{Title: "Lunch", Subjects: []string{"a", "b"}, ExpiresAt: &expiresAt},
			seedVoter: "voter-1",
			command:   CastCommand{VoteID: "vote-1", SubjectID: 99, VoterID: "voter-1"},
			clock:     func() time.Time { return expiresAt.Add(time.Second) },
			wantErr:   ErrAlreadyVoted,
			wantKind:  KindConflict,
		},
		{
			name:     "closed-before-subject",
			draft:    VoteDraft{Title: "Lunch", Subjects: []string{"a", "b"}, ExpiresAt: &expiresAt},
			command:  CastCommand{VoteID: "vote-1", SubjectID: 99, VoterID: "voter-2"},
			clock:    func() time.Time { return expiresAt },
			wantErr:  ErrVoteClosed,
			wantKind: KindForbidden,
		},
		{
			name:      "full-before-subject",
			draft:     VoteDraft{Title: "Lunch", Subjects: []string{"a"}, MaxCount: int64Pointer(1)},
			seedVoter: "voter-1",
			command:   CastCommand{VoteID: "vote-1", SubjectID: 99, VoterID: "voter-2"},
			wantErr:   ErrVoteFull,
			wantKind:  KindForbidden,
		},
		{
			name:     "unknown-subject",
			draft:    VoteDraft{Title: "Lunch", Subjects: []string{"a"}},
			command:  CastCommand{VoteID: "vote-1", SubjectID: 99, VoterID: "voter-2"},
			wantErr:  ErrSubjectNotFound,
			wantKind: KindNotFound,
		},
		{
			name:     "unknown-vote",
			draft:    VoteDraft{Title: "Lunch", Subjects: []string{"a"}},
			command:  CastCommand{VoteID: "missing", SubjectID: 1},
			wantErr:  ErrVoteNotFound,
			wantKind: KindNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore(fixedClock)
			seeded := seedVote(t, store, tc.draft, "vote-1")
			if tc.seedVoter != "" {
				if _, err := store.SaveBallot(context.Background(), seeded, 1, tc.seedVoter, testNow); err != nil {
					t.Fatalf("failed to seed ballot: %v", err)
				}
			}
			service := newTestService(t, store, nil)
			if tc.clock != nil {
				service.clock = tc.clock
			}

			_, err := service.CastBallot(context.Background(), tc.command)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if KindOf(err) != tc.wantKind {
				t.Fatalf("expected kind %s, got %s", tc.wantKind, KindOf(err))
			}
		})
	}
}

func TestCastBallotAnonymousVotersAreNotDeduplicated(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	service := newTestService(t, store, nil)
	seedVote(t, store, VoteDraft{Title: "Lunch", Subjects: []string{"a"}}, "vote-1")

	for i := 0; i < 3; i++ {
		if _, err := service.CastBallot(context.Background(), CastCommand{VoteID: "vote-1", SubjectID: 1}); err != nil {
			t.Fatalf("unexpected anonymous cast error: %v", err)
		}
	}
	vote, _ := store.LoadVote(context.Background(), "vote-1")
	if vote.TotalBallots() != 3 {
		t.Fatalf("expected three anonymous ballots, got %d", vote.TotalBallots())
	}
}

func TestCastBallotRetriesStaleToken(t *testing.T) {
	memory := NewMemoryStore(fixedClock)
	seedVote(t, memory, VoteDraft{Title: "Lunch", Subjects: []string{"a"}}, "vote-1")
	store := &staleStore{Store: memory, failures: 2}
	service := newTestService(t, store, nil)

	if _, err := service.CastBallot(context.Background(), CastCommand{VoteID: "vote-1", SubjectID: 1, VoterID: "voter-1"}); err != nil {
		t.Fatalf("expected cast to succeed after retries, got %v", err)
	}
	if store.saves.Load() != 3 {
		t.Fatalf("expected three save attempts, got %d", store.saves.Load())
	}
}

func TestCastBallotRetriesExhausted(t *testing.T) {
	memory := NewMemoryStore(fixedClock)
	seedVote(t, memory, VoteDraft{Title: "Lunch", Subjects: []string{"a"}}, "vote-1")
	store := &staleStore{Store: memory, failures: 100}
	service := newTestService(t, store, nil)

	_, err := service.CastBallot(context.Background(), CastCommand{VoteID: "vote-1", SubjectID: 1, VoterID: "voter-1"})
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected retries exhausted wrapping stale version, got %v", err)
	}
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient kind, got %s", KindOf(err))
	}
	if got := store.saves.Load(); got != int32(defaultMaxRetries+1) {
		t.Fatalf("expected %d attempts, got %d", defaultMaxRetries+1, got)
	}
}

func TestCastBallotRespectsCancellationBetweenRetries(t *testing.T) {
	memory := NewMemoryStore(fixedClock)
	seedVote(t, memory, VoteDraft{Title: "Lunch", Subjects: []string{"a"}}, "vote-1")
	store := &staleStore{Store: memory, failures: 100}
	service := newTestService(t, store, nil)
	service.jitterMin, service.jitterMax = time.Second, time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := service.CastBallot(ctx, CastCommand{VoteID: "vote-1", SubjectID: 1, VoterID: "voter-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func concurrentStores(t *testing.T) map[string]Store {
	gormStore, _ := newTestGormStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(fixedClock),
		"gorm":   gormStore,
	}
}

func TestConcurrentCastsBySameVoter(t *testing.T) {
	for name, store := range concurrentStores(t) {
		t.Run(name, func(t *testing.T) {
			seedVote(t, store, VoteDraft{Title: "Lunch", Subjects: []string{"a", "b"}}, "vote-1")
			service := newTestService(t, store, nil)

			results := make([]error, 2)
			var wg sync.WaitGroup
			for i := range results {
				wg.Add(1)
				go func(index int) {
					defer wg.Done()
					_, results[index] = service.CastBallot(context.Background(), CastCommand{VoteID: "vote-1", SubjectID: int64(index + 1), VoterID: "voter-1"})
				}(i)
			}
			wg.Wait()

			succeeded, conflicted := 0, 0
			for _, err := range results {
				switch {
				case err == nil:
					succeeded++
				case KindOf(err) == KindConflict:
					conflicted++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if succeeded != 1 || conflicted != 1 {
				t.Fatalf("expected one success and one conflict, got %d/%d", succeeded, conflicted)
			}
			vote, _ := store.LoadVote(context.Background(), "vote-1")
			if vote.TotalBallots() != 1 {
				t.Fatalf("expected one stored ballot, got %d", vote.TotalBallots())
			}
		})
	}
}

func TestConcurrentCastsNeverExceedCapacity(t *testing.T) {
	const (
		capacity = 4
		voters   = 12
	)
	for name, store := range concurrentStores(t) {
		t.Run(name, func(t *testing.T) {
			seedVote(t, store, VoteDraft{Title: "Lunch", Subjects: []string{"a", "b"}, MaxCount: int64Pointer(capacity)}, "vote-1")
			service := newTestService(t, store, nil)

			results := make([]error, voters)
			var wg sync.WaitGroup
			for i := range results {
				wg.Add(1)
				go func(index int) {
					defer wg.Done()
					_, results[index] = service.CastBallot(context.Background(), CastCommand{
						VoteID:    "vote-1",
						SubjectID: int64(index%2 + 1),
						VoterID:   fmt.Sprintf("voter-%d", index),
					})
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range results {
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ErrVoteFull), errors.Is(err, ErrRetriesExhausted):
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if succeeded != capacity {
				t.Fatalf("expected %d successes, got %d", capacity, succeeded)
			}
			vote, _ := store.LoadVote(context.Background(), "vote-1")
			if vote.TotalBallots() != capacity {
				t.Fatalf("expected %d stored ballots, got %d", capacity, vote.TotalBallots())
			}
		})
	}
}

func TestEnqueueBallotAcknowledgesSubmission(t *testing.T) {
	service := newTestService(t, NewMemoryStore(fixedClock), nil)

	if err := service.EnqueueBallot(context.Background(), CastCommand{VoteID: "unknown", SubjectID: 7}); err != nil {
		t.Fatalf("expected enqueue to succeed without validation, got %v", err)
	}
	if service.queue.Len() != 1 {
		t.Fatalf("expected one pending request, got %d", service.queue.Len())
	}

	service.queue.Close()
	err := service.EnqueueBallot(context.Background(), CastCommand{VoteID: "vote-1", SubjectID: 1})
	if !errors.Is(err, ErrQueueClosed) || KindOf(err) != KindTransient {
		t.Fatalf("expected transient queue closed error, got %v", err)
	}
	if KindOf(service.EnqueueBallot(context.Background(), CastCommand{})) != KindInvalid {
		t.Fatalf("expected missing vote id to be invalid")
	}
}
