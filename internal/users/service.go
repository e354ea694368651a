package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for voter resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records voters seen in validated sessions and answers existence checks.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewService constructs the voter directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveUser returns the voter for the session, creating the record on first sight and
// refreshing the display name and last-seen time afterwards.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (User, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return User{}, ErrInvalidIdentity
	}

	now := s.now().UTC()
	displayName := normalize(claims.UserDisplayName)

	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{
			UserID:      userID,
			DisplayName: displayName,
			CreatedAt:   now,
			LastSeenAt:  now,
		}
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
		if result.Error != nil {
			return User{}, result.Error
		}
		if result.RowsAffected == 0 {
			// A concurrent session inserted the voter first.
			if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error; err != nil {
				return User{}, err
			}
			s.touch(ctx, &user, displayName, now)
		}
	case err != nil:
		return User{}, err
	default:
		s.touch(ctx, &user, displayName, now)
	}

	s.known.Store(userID, struct{}{})
	return user, nil
}

// touch refreshes last-seen and display name. Failures are ignored; the row already exists.
func (s *Service) touch(ctx context.Context, user *User, displayName string, now time.Time) {
	updates := map[string]interface{}{"last_seen_at": now}
	if displayName != "" && displayName != user.DisplayName {
		updates["display_name"] = displayName
		user.DisplayName = displayName
	}
	user.LastSeenAt = now
	_ = s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", user.UserID).
		Updates(updates).
		Error
}

// Exists reports whether a voter with userID has been recorded.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	userID = normalize(userID)
	if userID == "" {
		return false, nil
	}
	if _, ok := s.known.Load(userID); ok {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	s.known.Store(userID, struct{}{})
	return true, nil
}
