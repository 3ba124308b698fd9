package notifications

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

var (
	errMissingDirectory = errors.New("notification directory is required")
	errMissingPusher    = errors.New("notification pusher is required")
)

// Pusher delivers notifications and unread counts to live connections.
type Pusher interface {
	PushToUser(userID string, notification Notification)
	PushCountUpdate(projectID, userID string, count int64)
}

// NameResolver resolves a user id to a display name.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// NotifierConfig describes the dependencies of the notification pipeline.
type NotifierConfig struct {
	Directory *Directory
	Pusher    Pusher
	Names     NameResolver
	Logger    *zap.Logger
}

// Notifier runs the persist, push, recount pipeline for project events.
type Notifier struct {
	directory *Directory
	pusher    Pusher
	names     NameResolver
	logger    *zap.Logger
}

// NewNotifier validates the configuration and returns a Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Pusher == nil {
		return nil, errMissingPusher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Notifier{
		directory: cfg.Directory,
		pusher:    cfg.Pusher,
		names:     cfg.Names,
		logger:    logger,
	}, nil
}

// Event is a domain mutation reported by the task, board, column, comment or label handlers.
// Subject names the affected entity ("Fix login"); user events default it to the actor's name.
type Event struct {
	ProjectID  string
	Type       Type
	Subject    string
	EntityID   string
	EntityType string
	ActorID    string
}

// Notify persists the event for every member but the actor, pushes each row to its
// recipient and then pushes refreshed unread counts for the project.
func (n *Notifier) Notify(ctx context.Context, event Event) ([]Notification, error) {
	request := FanOutRequest{
		ProjectID:  event.ProjectID,
		Type:       event.Type,
		Message:    event.Type.Message(n.subject(ctx, event)),
		EntityID:   event.EntityID,
		EntityType: event.EntityType,
		ActorID:    event.ActorID,
	}
	if strings.TrimSpace(request.EntityType) == "" {
		request.EntityType = event.Type.EntityType()
	}

	created, err := n.directory.FanOut(ctx, request)
	if err != nil {
		return nil, err
	}
	for _, notification := range created {
		n.pusher.PushToUser(notification.UserID, notification)
	}

	counts, err := n.directory.RefreshUnreadCounts(ctx, event.ProjectID)
	if err != nil {
		// The rows are already persisted; clients recover the count on their next join.
		n.logger.Warn("unread count refresh failed",
			zap.String("project_id", event.ProjectID),
			zap.Error(err))
		return created, nil
	}
	for userID, count := range counts {
		n.pusher.PushCountUpdate(event.ProjectID, userID, count)
	}
	return created, nil
}

// PushUnreadCount recomputes and pushes one user's unread count for a project.
func (n *Notifier) PushUnreadCount(ctx context.Context, projectID, userID string) error {
	count, err := n.directory.Store().CountUnread(ctx, userID, projectID)
	if err != nil {
		return err
	}
	n.pusher.PushCountUpdate(projectID, userID, count)
	return nil
}

func (n *Notifier) subject(ctx context.Context, event Event) string {
	subject := strings.TrimSpace(event.Subject)
	if subject != "" || !event.Type.IsUserEvent() {
		return subject
	}
	actorID := strings.TrimSpace(event.ActorID)
	if n.names == nil || actorID == "" {
		return actorID
	}
	name, err := n.names.DisplayName(ctx, actorID)
	if err != nil {
		n.logger.Debug("actor display name unavailable", zap.String("user_id", actorID), zap.Error(err))
		return actorID
	}
	return name
}
