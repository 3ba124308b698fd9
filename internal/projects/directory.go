package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidMembership indicates an empty project or user id.
	ErrInvalidMembership = errors.New("projects: project and user ids are required")

	errMissingDatabase = errors.New("database handle is required")
)

// DirectoryConfig describes the dependencies of the membership directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory reads and writes project membership rows.
type Directory struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewDirectory validates the configuration and returns a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, clock: clock, logger: logger}, nil
}

// MemberIDs lists the user ids of a project ordered by join time.
func (d *Directory) MemberIDs(ctx context.Context, projectID string) ([]string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrInvalidMembership
	}
	memberIDs := make([]string, 0)
	err := d.db.WithContext(ctx).
		Model(&Member{}).
		Where("project_id = ?", projectID).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &memberIDs).Error
	if err != nil {
		d.logger.Error("project member listing failed", zap.String("project_id", projectID), zap.Error(err))
		return nil, fmt.Errorf("list project members: %w", err)
	}
	return memberIDs, nil
}

// IsMember reports whether the user belongs to the project.
func (d *Directory) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	projectID = strings.TrimSpace(projectID)
	userID = strings.TrimSpace(userID)
	if projectID == "" || userID == "" {
		return false, ErrInvalidMembership
	}
	var count int64
	err := d.db.WithContext(ctx).
		Model(&Member{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check project member: %w", err)
	}
	return count > 0, nil
}

// AddMember inserts the membership or updates the role of an existing one.
func (d *Directory) AddMember(ctx context.Context, projectID, userID, role string) error {
	projectID = strings.TrimSpace(projectID)
	userID = strings.TrimSpace(userID)
	if projectID == "" || userID == "" {
		return ErrInvalidMembership
	}
	if strings.TrimSpace(role) == "" {
		role = RoleMember
	}
	member := Member{ProjectID: projectID, UserID: userID, Role: role, JoinedAt: d.clock().UTC()}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
	if err != nil {
		d.logger.Error("project member insert failed",
			zap.String("project_id", projectID),
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

// RemoveMember deletes the membership. Removing an absent member succeeds.
func (d *Directory) RemoveMember(ctx context.Context, projectID, userID string) error {
	projectID = strings.TrimSpace(projectID)
	userID = strings.TrimSpace(userID)
	if projectID == "" || userID == "" {
		return ErrInvalidMembership
	}
	err := d.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&Member{}).Error
	if err != nil {
		return fmt.Errorf("remove project member: %w", err)
	}
	return nil
}
