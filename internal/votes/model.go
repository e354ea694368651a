package votes

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minTitleLength      = 3
	maxIdentifierLength = 190
	maxNameLength       = 190
	groupPrefix         = "vote:"
)

var (
	// ErrInvalidVote indicates that a vote draft failed validation.
	ErrInvalidVote = errors.New("votes: invalid vote")
)

// Vote is the aggregate ballots are cast against.
type Vote struct {
	ID        string     `gorm:"column:vote_id;primaryKey;size:190;not null"`
	Title     string     `gorm:"column:title;size:190;not null"`
	CreatorID *string    `gorm:"column:creator_id;size:190;index"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	MaxCount  *int64     `gorm:"column:max_count"`
	Version   int64      `gorm:"column:version;not null;default:1"`
	Subjects  []Subject  `gorm:"foreignKey:VoteID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// Subject is one selectable option of a vote.
type Subject struct {
	RowID     int64    `gorm:"column:subject_row_id;primaryKey;autoIncrement"`
	VoteID    string   `gorm:"column:vote_id;size:190;not null;uniqueIndex:idx_subjects_vote_subject,priority:1"`
	SubjectID int64    `gorm:"column:subject_id;not null;uniqueIndex:idx_subjects_vote_subject,priority:2"`
	Name      string   `gorm:"column:name;size:190;not null"`
	Version   int64    `gorm:"column:version;not null;default:1"`
	Ballots   []Ballot `gorm:"foreignKey:SubjectRowID;references:RowID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Subject) TableName() string {
	return "vote_subjects"
}

// Ballot is a single recorded selection. BallotID increases in apply order.
type Ballot struct {
	BallotID     int64     `gorm:"column:ballot_id;primaryKey;autoIncrement"`
	VoteID       string    `gorm:"column:vote_id;size:190;not null;index:idx_ballots_vote_voter,priority:1"`
	SubjectRowID int64     `gorm:"column:subject_row_id;not null;index"`
	SubjectID    int64     `gorm:"column:subject_id;not null"`
	VoterID      *string   `gorm:"column:voter_id;size:190;index:idx_ballots_vote_voter,priority:2"`
	CastAt       time.Time `gorm:"column:cast_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Ballot) TableName() string {
	return "vote_ballots"
}

// IsClosed reports whether the vote has an expiry that is not after now.
func (v Vote) IsClosed(now time.Time) bool {
	return v.ExpiresAt != nil && !now.Before(*v.ExpiresAt)
}

// IsFull reports whether a capacity is set and has been reached.
func (v Vote) IsFull() bool {
	return v.MaxCount != nil && int64(v.TotalBallots()) >= *v.MaxCount
}

// CanAcceptBallot reports whether one more ballot may be recorded at now.
func (v Vote) CanAcceptBallot(now time.Time) bool {
	return !v.IsClosed(now) && !v.IsFull()
}

// TotalBallots counts ballots across all subjects.
func (v Vote) TotalBallots() int {
	total := 0
	for _, subject := range v.Subjects {
		total += len(subject.Ballots)
	}
	return total
}

// Subject returns the subject with the given id.
func (v Vote) Subject(subjectID int64) (Subject, bool) {
	for _, subject := range v.Subjects {
		if subject.SubjectID == subjectID {
			return subject, true
		}
	}
	return Subject{}, false
}

// HasBallotFrom reports whether voterID already cast a ballot on any subject.
func (v Vote) HasBallotFrom(voterID string) bool {
	if voterID == "" {
		return false
	}
	for _, subject := range v.Subjects {
		for _, ballot := range subject.Ballots {
			if ballot.VoterID != nil && *ballot.VoterID == voterID {
				return true
			}
		}
	}
	return false
}

// RecordBallot appends the ballot to its subject. Unknown subjects are ignored.
// Capacity and one-ballot-per-voter are enforced by callers.
func (v *Vote) RecordBallot(ballot Ballot) {
	for i := range v.Subjects {
		if v.Subjects[i].SubjectID == ballot.SubjectID {
			ballot.VoteID = v.ID
			ballot.SubjectRowID = v.Subjects[i].RowID
			v.Subjects[i].Ballots = append(v.Subjects[i].Ballots, ballot)
			return
		}
	}
}

// GroupName returns the broadcast group for the vote.
func (v Vote) GroupName() string {
	return GroupName(v.ID)
}

// GroupName returns the broadcast group for a vote identifier.
func GroupName(voteID string) string {
	return groupPrefix + voteID
}

// Clone returns a deep copy safe to hand to another goroutine.
func (v Vote) Clone() Vote {
	clone := v
	if v.CreatorID != nil {
		creator := *v.CreatorID
		clone.CreatorID = &creator
	}
	if v.ExpiresAt != nil {
		expiresAt := *v.ExpiresAt
		clone.ExpiresAt = &expiresAt
	}
	if v.MaxCount != nil {
		maxCount := *v.MaxCount
		clone.MaxCount = &maxCount
	}
	clone.Subjects = make([]Subject, len(v.Subjects))
	for i, subject := range v.Subjects {
		copied := subject
		copied.Ballots = make([]Ballot, len(subject.Ballots))
		for j, ballot := range subject.Ballots {
			if ballot.VoterID != nil {
				voter := *ballot.VoterID
				ballot.VoterID = &voter
			}
			copied.Ballots[j] = ballot
		}
		clone.Subjects[i] = copied
	}
	return clone
}

// VoteDraft carries the fields supplied when creating a vote.
type VoteDraft struct {
	Title     string
	Subjects  []string
	CreatorID string
	ExpiresAt *time.Time
	MaxCount  *int64
}

// NewVote validates the draft and builds a vote with subject ids numbered from 1.
func NewVote(draft VoteDraft, id string, now time.Time) (Vote, error) {
	title := strings.TrimSpace(draft.Title)
	titleLength := utf8.RuneCountInString(title)
	if titleLength < minTitleLength {
		return Vote{}, fmt.Errorf("%w: title must be at least %d characters", ErrInvalidVote, minTitleLength)
	}
	if titleLength > maxNameLength {
		return Vote{}, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidVote, maxNameLength)
	}
	if len(draft.Subjects) == 0 {
		return Vote{}, fmt.Errorf("%w: at least one subject required", ErrInvalidVote)
	}
	if strings.TrimSpace(id) == "" || len(id) > maxIdentifierLength {
		return Vote{}, fmt.Errorf("%w: invalid id", ErrInvalidVote)
	}

	subjects := make([]Subject, 0, len(draft.Subjects))
	for i, raw := range draft.Subjects {
		name := strings.TrimSpace(raw)
		if name == "" {
			return Vote{}, fmt.Errorf("%w: subject %d has no name", ErrInvalidVote, i+1)
		}
		if utf8.RuneCountInString(name) > maxNameLength {
			return Vote{}, fmt.Errorf("%w: subject %d exceeds %d characters", ErrInvalidVote, i+1, maxNameLength)
		}
		subjects = append(subjects, Subject{
			VoteID:    id,
			SubjectID: int64(i + 1),
			Name:      name,
			Version:   1,
		})
	}

	if draft.MaxCount != nil {
		maxCount := *draft.MaxCount
		if maxCount <= 0 || maxCount%int64(len(subjects)) != 0 {
			return Vote{}, fmt.Errorf("%w: max count must be a positive multiple of %d", ErrInvalidVote, len(subjects))
		}
	}
	if draft.ExpiresAt != nil && !draft.ExpiresAt.After(now) {
		return Vote{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidVote)
	}

	vote := Vote{
		ID:        id,
		Title:     title,
		CreatedAt: now.UTC(),
		Version:   1,
		Subjects:  subjects,
	}
	if creator := strings.TrimSpace(draft.CreatorID); creator != "" {
		vote.CreatorID = &creator
	}
	if draft.ExpiresAt != nil {
		expiresAt := draft.ExpiresAt.UTC()
		vote.ExpiresAt = &expiresAt
	}
	if draft.MaxCount != nil {
		maxCount := *draft.MaxCount
		vote.MaxCount = &maxCount
	}
	return vote, nil
}

// SubjectView is the public projection of a subject.
type SubjectView struct {
	SubjectID int64  `json:"subject_id"`
	Name      string `json:"name"`
	Ballots   int    `json:"ballots"`
}

// VoteView is the public projection of a vote sent to clients.
type VoteView struct {
	VoteID    string        `json:"vote_id"`
	Title     string        `json:"title"`
	CreatorID string        `json:"creator_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	MaxCount  *int64        `json:"max_count,omitempty"`
	Total     int           `json:"total"`
	Closed    bool          `json:"closed"`
	Accepting bool          `json:"accepting"`
	Subjects  []SubjectView `json:"subjects"`
}

// View projects the vote at now.
func (v Vote) View(now time.Time) VoteView {
	view := VoteView{
		VoteID:    v.ID,
		Title:     v.Title,
		CreatedAt: v.CreatedAt,
		ExpiresAt: v.ExpiresAt,
		MaxCount:  v.MaxCount,
		Total:     v.TotalBallots(),
		Closed:    v.IsClosed(now),
		Accepting: v.CanAcceptBallot(now),
		Subjects:  make([]SubjectView, 0, len(v.Subjects)),
	}
	if v.CreatorID != nil {
		view.CreatorID = *v.CreatorID
	}
	for _, subject := range v.Subjects {
		view.Subjects = append(view.Subjects, SubjectView{
			SubjectID: subject.SubjectID,
			Name:      subject.Name,
			Ballots:   len(subject.Ballots),
		})
	}
	return view
}
