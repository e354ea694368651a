package votes

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	fieldVoteID      = "vote_id"
	fieldSubjectRow  = "subject_row_id"
	fieldVersion     = "version"
	querySubjects    = "subject_id ASC"
	queryBallots     = "ballot_id ASC"
	queryVoteVersion = fieldVoteID + " = ? AND " + fieldVersion + " = ?"
	queryRowVersion  = fieldSubjectRow + " = ? AND " + fieldVersion + " = ?"
)

// Store persists votes and ballots. SaveBallot must return ErrStaleVersion when the vote or
// subject concurrency token read by the caller no longer matches the stored row.
type Store interface {
	LoadVote(ctx context.Context, voteID string) (Vote, error)
	CreateVote(ctx context.Context, vote Vote) (Vote, error)
	SaveBallot(ctx context.Context, vote Vote, subjectID int64, voterID string, castAt time.Time) (Vote, error)
}

// GormStore implements Store on top of a GORM database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GORM-backed store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("votes: database handle is required")
	}
	return &GormStore{db: db}, nil
}

// Models lists the GORM models the store needs migrated.
func Models() []any {
	return []any{&Vote{}, &Subject{}, &Ballot{}}
}

// LoadVote reads the vote with its subjects and ballots in cast order.
func (s *GormStore) LoadVote(ctx context.Context, voteID string) (Vote, error) {
	var vote Vote
	err := s.db.WithContext(ctx).
		Preload("Subjects", func(db *gorm.DB) *gorm.DB { return db.Order(querySubjects) }).
		Preload("Subjects.Ballots", func(db *gorm.DB) *gorm.DB { return db.Order(queryBallots) }).
		Where(fieldVoteID+" = ?", voteID).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Vote{}, ErrVoteNotFound
	}
	if err != nil {
		return Vote{}, err
	}
	return vote, nil
}

// CreateVote inserts the vote and its subjects in one transaction.
func (s *GormStore) CreateVote(ctx context.Context, vote Vote) (Vote, error) {
	stored := vote.Clone()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&stored).Error
	})
	if err != nil {
		return Vote{}, err
	}
	return stored, nil
}

// SaveBallot bumps the vote and subject tokens read in vote and inserts the ballot, all in
// one transaction. Either token mismatch aborts with ErrStaleVersion.
func (s *GormStore) SaveBallot(ctx context.Context, vote Vote, subjectID int64, voterID string, castAt time.Time) (Vote, error) {
	subject, ok := vote.Subject(subjectID)
	if !ok {
		return Vote{}, ErrSubjectNotFound
	}

	ballot := Ballot{
		VoteID:       vote.ID,
		SubjectRowID: subject.RowID,
		SubjectID:    subject.SubjectID,
		CastAt:       castAt.UTC(),
	}
	if voterID != "" {
		voter := voterID
		ballot.VoterID = &voter
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Vote{}).
			Where(queryVoteVersion, vote.ID, vote.Version).
			Update(fieldVersion, gorm.Expr(fieldVersion+" + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleVersion
		}

		result = tx.Model(&Subject{}).
			Where(queryRowVersion, subject.RowID, subject.Version).
			Update(fieldVersion, gorm.Expr(fieldVersion+" + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleVersion
		}

		return tx.Create(&ballot).Error
	})
	if err != nil {
		return Vote{}, err
	}

	updated := vote.Clone()
	updated.Version++
	for i := range updated.Subjects {
		if updated.Subjects[i].SubjectID == subjectID {
			updated.Subjects[i].Version++
		}
	}
	updated.RecordBallot(ballot)
	return updated, nil
}
