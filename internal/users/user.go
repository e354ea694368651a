package users

import (
	"strings"
	"time"
)

// User is a voter known to the service.
type User struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
}

// TableName exposes the table backing voters.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
