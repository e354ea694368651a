package votes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Unix(1700000000, 0).UTC()

func fixedClock() time.Time {
	return testNow
}

func int64Pointer(value int64) *int64 {
	return &value
}

func mustVote(t *testing.T, draft VoteDraft, id string) Vote {
	t.Helper()
	vote, err := NewVote(draft, id, testNow)
	if err != nil {
		t.Fatalf("unexpected vote error: %v", err)
	}
	return vote
}

func newTestGormStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:votes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func seedVote(t *testing.T, store Store, draft VoteDraft, id string) Vote {
	t.Helper()
	stored, err := store.CreateVote(context.Background(), mustVote(t, draft, id))
	if err != nil {
		t.Fatalf("failed to seed vote: %v", err)
	}
	return stored
}

type recordingNotifier struct {
	mu      sync.Mutex
	created []Vote
	updated []Vote
	err     error
}

func (n *recordingNotifier) PublishCreated(vote Vote) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, vote)
	return n.err
}

func (n *recordingNotifier) PublishUpdated(vote Vote) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, vote)
	return n.err
}

func (n *recordingNotifier) updatedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.updated)
}

// staleStore reports ErrStaleVersion for the first failures SaveBallot calls.
type staleStore struct {
	Store
	failures int32
	saves    atomic.Int32
}

func (s *staleStore) SaveBallot(ctx context.Context, vote Vote, subjectID int64, voterID string, castAt time.Time) (Vote, error) {
	if s.saves.Add(1) <= s.failures {
		return Vote{}, ErrStaleVersion
	}
	return s.Store.SaveBallot(ctx, vote, subjectID, voterID, castAt)
}

type staticVoters map[string]bool

func (v staticVoters) Exists(_ context.Context, userID string) (bool, error) {
	return v[userID], nil
}

func newTestService(t *testing.T, store Store, notifier Notifier) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:     store,
		Queue:     NewCastQueue(),
		Notifier:  notifier,
		Clock:     fixedClock,
		JitterMin: time.Millisecond,
		JitterMax: 2 * time.Millisecond,
		IDProvider: IDProviderFunc(func() (string, error) {
			return "vote-generated", nil
		}),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}
