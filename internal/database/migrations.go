package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"gorm.io/gorm"
)

const (
	migrationBackfillConcurrencyTokens = "2026-10-01_backfill_concurrency_tokens"
	migrationAnonymousBallots          = "2026-10-08_anonymous_ballots_null_voter"
)

var errMigrationApplied = errors.New("migration already applied")

type migrationRecord struct {
	Name      string    `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

func (migrationRecord) TableName() string {
	return "schema_migrations"
}

// dataMigration rewrites rows that predate a storage invariant. Each one runs at most once.
type dataMigration struct {
	name  string
	apply func(tx *gorm.DB) error
}

var dataMigrations = []dataMigration{
	{name: migrationBackfillConcurrencyTokens, apply: backfillConcurrencyTokens},
	{name: migrationAnonymousBallots, apply: nullAnonymousVoters},
}

// runMigrations applies every pending data migration inside its own transaction together
// with its bookkeeping row, and returns the names it applied.
func runMigrations(db *gorm.DB, clock func() time.Time) ([]string, error) {
	applied := make([]string, 0, len(dataMigrations))
	for _, migration := range dataMigrations {
		err := db.Transaction(func(tx *gorm.DB) error {
			var record migrationRecord
			lookupErr := tx.Where("name = ?", migration.name).Take(&record).Error
			if lookupErr == nil {
				return errMigrationApplied
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return lookupErr
			}
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAt: clock().UTC()}).Error
		})
		if errors.Is(err, errMigrationApplied) {
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", migration.name, err)
		}
		applied = append(applied, migration.name)
	}
	return applied, nil
}

// backfillConcurrencyTokens gives rows written without a token the initial value so the
// conditional ballot update can match them.
func backfillConcurrencyTokens(tx *gorm.DB) error {
	if err := tx.Model(&votes.Vote{}).
		Where("version IS NULL OR version < 1").
		Update("version", 1).Error; err != nil {
		return err
	}
	return tx.Model(&votes.Subject{}).
		Where("version IS NULL OR version < 1").
		Update("version", 1).Error
}

// nullAnonymousVoters stores blank voter ids as NULL, which the duplicate-voter check skips.
func nullAnonymousVoters(tx *gorm.DB) error {
	return tx.Model(&votes.Ballot{}).
		Where("voter_id IS NOT NULL AND TRIM(voter_id) = ''").
		Update("voter_id", nil).Error
}
