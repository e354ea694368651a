package votes

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDuplicateVote = errors.New("votes: vote already exists")

// MemoryStore keeps votes in process memory. Each vote has its own mutex so the
// capacity check and the append happen in one critical section per vote.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	nextRow int64
	nextID  int64
	clock   func() time.Time
}

type memoryEntry struct {
	mu   sync.Mutex
	vote Vote
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		clock:   clock,
	}
}

// LoadVote returns a copy of the stored vote.
func (s *MemoryStore) LoadVote(_ context.Context, voteID string) (Vote, error) {
	entry, ok := s.entry(voteID)
	if !ok {
		return Vote{}, ErrVoteNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.vote.Clone(), nil
}

// CreateVote stores a copy of the vote, assigning subject row ids.
func (s *MemoryStore) CreateVote(_ context.Context, vote Vote) (Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[vote.ID]; exists {
		return Vote{}, errDuplicateVote
	}
	stored := vote.Clone()
	for i := range stored.Subjects {
		s.nextRow++
		stored.Subjects[i].RowID = s.nextRow
		stored.Subjects[i].VoteID = stored.ID
	}
	s.entries[vote.ID] = &memoryEntry{vote: stored}
	return stored.Clone(), nil
}

// SaveBallot records the ballot while holding the vote's mutex.
func (s *MemoryStore) SaveBallot(_ context.Context, vote Vote, subjectID int64, voterID string, castAt time.Time) (Vote, error) {
	entry, ok := s.entry(vote.ID)
	if !ok {
		return Vote{}, ErrVoteNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	current := &entry.vote
	if current.Version != vote.Version {
		return Vote{}, ErrStaleVersion
	}
	expected, ok := vote.Subject(subjectID)
	if !ok {
		return Vote{}, ErrSubjectNotFound
	}
	stored, ok := current.Subject(subjectID)
	if !ok {
		return Vote{}, ErrSubjectNotFound
	}
	if stored.Version != expected.Version {
		return Vote{}, ErrStaleVersion
	}
	if !current.CanAcceptBallot(s.clock()) {
		if current.IsClosed(s.clock()) {
			return Vote{}, ErrVoteClosed
		}
		return Vote{}, ErrVoteFull
	}

	ballot := Ballot{
		BallotID:  s.nextBallotID(),
		SubjectID: subjectID,
		CastAt:    castAt.UTC(),
	}
	if voterID != "" {
		voter := voterID
		ballot.VoterID = &voter
	}
	current.RecordBallot(ballot)
	current.Version++
	for i := range current.Subjects {
		if current.Subjects[i].SubjectID == subjectID {
			current.Subjects[i].Version++
		}
	}
	return current.Clone(), nil
}

func (s *MemoryStore) entry(voteID string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[voteID]
	return entry, ok
}

func (s *MemoryStore) nextBallotID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}
