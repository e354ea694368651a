package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"gorm.io/gorm"
)

var migrationTime = time.Date(2026, time.October, 10, 8, 0, 0, 0, time.UTC)

func openBareDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "migration.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(schemaModels()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestRunMigrationsRepairsLegacyRows(testContext *testing.T) {
	database := openBareDatabase(testContext)

	vote := votes.Vote{ID: "vote-1", Title: "Lunch", CreatedAt: migrationTime, Version: 1}
	if err := database.Create(&vote).Error; err != nil {
		testContext.Fatalf("failed to insert vote: %v", err)
	}
	subject := votes.Subject{VoteID: "vote-1", SubjectID: 1, Name: "Pizza", Version: 1}
	if err := database.Create(&subject).Error; err != nil {
		testContext.Fatalf("failed to insert subject: %v", err)
	}
	blank := "  "
	ballot := votes.Ballot{VoteID: "vote-1", SubjectRowID: subject.RowID, SubjectID: 1, VoterID: &blank, CastAt: migrationTime}
	if err := database.Create(&ballot).Error; err != nil {
		testContext.Fatalf("failed to insert ballot: %v", err)
	}
	for _, statement := range []string{"UPDATE votes SET version = 0", "UPDATE vote_subjects SET version = 0"} {
		if err := database.Exec(statement).Error; err != nil {
			testContext.Fatalf("failed to zero tokens: %v", err)
		}
	}

	applied, err := runMigrations(database, func() time.Time { return migrationTime })
	if err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if len(applied) != len(dataMigrations) {
		testContext.Fatalf("expected every migration applied, got %v", applied)
	}

	var storedVote votes.Vote
	if err := database.Where("vote_id = ?", "vote-1").Take(&storedVote).Error; err != nil {
		testContext.Fatalf("failed to reload vote: %v", err)
	}
	var storedSubject votes.Subject
	if err := database.Where("vote_id = ?", "vote-1").Take(&storedSubject).Error; err != nil {
		testContext.Fatalf("failed to reload subject: %v", err)
	}
	if storedVote.Version != 1 || storedSubject.Version != 1 {
		testContext.Fatalf("expected tokens backfilled, got vote=%d subject=%d", storedVote.Version, storedSubject.Version)
	}
	var storedBallot votes.Ballot
	if err := database.Where("ballot_id = ?", ballot.BallotID).Take(&storedBallot).Error; err != nil {
		testContext.Fatalf("failed to reload ballot: %v", err)
	}
	if storedBallot.VoterID != nil {
		testContext.Fatalf("expected blank voter stored as NULL, got %q", *storedBallot.VoterID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillConcurrencyTokens).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record: %v", err)
	}
	if !record.AppliedAt.Equal(migrationTime) {
		testContext.Fatalf("unexpected applied time %v", record.AppliedAt)
	}

	again, err := runMigrations(database, time.Now)
	if err != nil {
		testContext.Fatalf("expected re-run to succeed, got %v", err)
	}
	if len(again) != 0 {
		testContext.Fatalf("expected re-run to apply nothing, got %v", again)
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	database, err := Open(Options{Path: filepath.Join(testContext.TempDir(), "votecast.db")})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"votes", "vote_subjects", "vote_ballots", "users", "schema_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	var recorded int64
	if err := database.Model(&migrationRecord{}).Count(&recorded).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if recorded != int64(len(dataMigrations)) {
		testContext.Fatalf("expected %d migration records, got %d", len(dataMigrations), recorded)
	}
	if _, err := Open(Options{Path: "  "}); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestDataSourceNamePragmas(testContext *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{path: "votecast.db", want: "votecast.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{path: InMemoryPath, want: "file::memory:?_pragma=busy_timeout(5000)"},
		{path: "file:votes?mode=memory&cache=shared", want: "file:votes?mode=memory&cache=shared&_pragma=busy_timeout(5000)"},
	}
	for _, testCase := range cases {
		if got := dataSourceName(testCase.path, 5*time.Second); got != testCase.want {
			testContext.Fatalf("dataSourceName(%q) = %q, want %q", testCase.path, got, testCase.want)
		}
	}
}
