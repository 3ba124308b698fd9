package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrMembershipUnavailable indicates the project audience could not be resolved.
	ErrMembershipUnavailable = errors.New("notifications: project membership unavailable")

	errMissingStore   = errors.New("notification store is required")
	errMissingMembers = errors.New("member lister is required")
)

// MemberLister resolves the user ids belonging to a project.
type MemberLister interface {
	MemberIDs(ctx context.Context, projectID string) ([]string, error)
}

// DirectoryConfig describes the dependencies of the fan-out directory.
type DirectoryConfig struct {
	Store   *Store
	Members MemberLister
	Logger  *zap.Logger
}

// Directory turns one project event into one notification per member.
type Directory struct {
	store   *Store
	members MemberLister
	logger  *zap.Logger
}

// NewDirectory validates the configuration and returns a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Members == nil {
		return nil, errMissingMembers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Directory{store: cfg.Store, members: cfg.Members, logger: logger}, nil
}

// Store exposes the backing notification store.
func (d *Directory) Store() *Store {
	return d.store
}

// FanOutRequest describes a project event ready to be persisted.
type FanOutRequest struct {
	ProjectID  string
	Type       Type
	Message    string
	EntityID   string
	EntityType string
	ActorID    string
}

// FanOut writes one notification per project member except the actor. A failing
// recipient is logged and skipped; a membership failure aborts the whole fan-out.
func (d *Directory) FanOut(ctx context.Context, request FanOutRequest) ([]Notification, error) {
	if !request.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, request.Type)
	}
	recipients, err := d.audience(ctx, request.ProjectID, request.ActorID)
	if err != nil {
		return nil, err
	}

	created := make([]Notification, 0, len(recipients))
	for _, recipientID := range recipients {
		notification, err := d.store.Create(ctx, CreateParams{
			RecipientID: recipientID,
			ProjectID:   request.ProjectID,
			Type:        request.Type,
			Message:     request.Message,
			EntityID:    request.EntityID,
			EntityType:  request.EntityType,
			TriggeredBy: request.ActorID,
		})
		if err != nil {
			metrics.IncrementFanOut(metrics.FanOutFailed)
			d.logger.Warn("fan-out recipient skipped",
				zap.String("project_id", request.ProjectID),
				zap.String("recipient_id", recipientID),
				zap.String("type", string(request.Type)),
				zap.Error(err))
			continue
		}
		metrics.IncrementFanOut(metrics.FanOutCreated)
		created = append(created, notification)
	}

	if len(created) < len(recipients) {
		d.logger.Warn("partial fan-out failure",
			zap.String("project_id", request.ProjectID),
			zap.Int("expected", len(recipients)),
			zap.Int("created", len(created)))
	}
	return created, nil
}

// RefreshUnreadCounts recomputes the unread count of every project member for the project.
// Members whose count cannot be read are omitted from the result.
func (d *Directory) RefreshUnreadCounts(ctx context.Context, projectID string) (map[string]int64, error) {
	members, err := d.audience(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(members))
	for _, memberID := range members {
		count, err := d.store.CountUnread(ctx, memberID, projectID)
		if err != nil {
			d.logger.Warn("unread count refresh skipped",
				zap.String("project_id", projectID),
				zap.String("user_id", memberID),
				zap.Error(err))
			continue
		}
		counts[memberID] = count
	}
	return counts, nil
}

// audience returns the distinct project members, excluding actorID, in lister order.
func (d *Directory) audience(ctx context.Context, projectID, actorID string) ([]string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", ErrInvalidArgument)
	}
	memberIDs, err := d.members.MemberIDs(ctx, projectID)
	if err != nil {
		d.logger.Error("project membership lookup failed",
			zap.String("project_id", projectID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrMembershipUnavailable, err)
	}

	actorID = strings.TrimSpace(actorID)
	seen := make(map[string]struct{}, len(memberIDs))
	recipients := make([]string, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		memberID = strings.TrimSpace(memberID)
		if memberID == "" || memberID == actorID {
			continue
		}
		if _, duplicate := seen[memberID]; duplicate {
			continue
		}
		seen[memberID] = struct{}{}
		recipients = append(recipients, memberID)
	}
	return recipients, nil
}
