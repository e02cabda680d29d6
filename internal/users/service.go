package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates an empty user identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// RosterServiceConfig describes the dependencies of the online roster.
type RosterServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// RosterService keeps the durable online_user roster in step with presence
// transitions. Roster writes are best effort bookkeeping: a failure never
// blocks the bind or unbind that triggered it.
type RosterService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRosterService constructs the roster service.
func NewRosterService(cfg RosterServiceConfig) (*RosterService, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RosterService{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// MarkOnline records the identity as reachable. Re-binding an already online
// identity refreshes the connection timestamp.
func (s *RosterService) MarkOnline(ctx context.Context, identity string) error {
	identity = normalize(identity)
	if identity == "" {
		return ErrInvalidIdentity
	}
	row := OnlineUser{ID: identity, ConnectedAt: s.now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"connected_at"}),
		}).
		Create(&row).Error
}

// MarkOffline removes the identity from the roster. Unknown identities are a
// no-op.
func (s *RosterService) MarkOffline(ctx context.Context, identity string) error {
	identity = normalize(identity)
	if identity == "" {
		return ErrInvalidIdentity
	}
	return s.db.WithContext(ctx).
		Where("id = ?", identity).
		Delete(&OnlineUser{}).Error
}

// Online lists the currently recorded roster.
func (s *RosterService) Online(ctx context.Context) ([]OnlineUser, error) {
	var roster []OnlineUser
	if err := s.db.WithContext(ctx).Order("id").Find(&roster).Error; err != nil {
		return nil, err
	}
	return roster, nil
}
