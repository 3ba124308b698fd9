package realtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	"go.uber.org/zap"
)

// State is the lifecycle position of an authenticated session.
type State string

const (
	StateAuthenticated State = "authenticated"
	StateSubscribed    State = "subscribed"
	StateClosed        State = "closed"
)

const (
	messageUserMismatch     = "User ID mismatch"
	messageProjectRequired  = "projectId is required"
	messageNotSubscribed    = "Not subscribed to a project"
	messageProjectMismatch  = "Project does not match the joined project"
	messageNotFound         = "Notification not found"
	messageLoadFailed       = "Failed to load notifications"
	messageMarkReadFailed   = "Failed to mark notification as read"
	messageMarkAllFailed    = "Failed to mark notifications as read"
	messageMalformedMessage = "Malformed message"
	messageUnknownEvent     = "Unknown event: "
)

// Session is the per-connection protocol state machine after authentication.
type Session struct {
	gateway      *Gateway
	connectionID string
	userID       string
	conn         Conn
	closed       atomic.Bool
}

// ConnectionID returns the transport-assigned connection id.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// UserID returns the authenticated user id.
func (s *Session) UserID() string {
	return s.userID
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	if s.closed.Load() {
		return StateClosed
	}
	if _, ok := s.gateway.registry.SubscribedProject(s.connectionID); ok {
		return StateSubscribed
	}
	return StateAuthenticated
}

// Handle processes one inbound frame. Protocol errors are reported to the client as
// error events; only ErrMalformedMessage is returned so the transport can close.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	if s.closed.Load() {
		return nil
	}
	envelope, err := decodeEnvelope(raw)
	if err != nil {
		s.sendError(messageMalformedMessage)
		return err
	}

	switch envelope.Event {
	case EventJoinProject:
		var payload joinProjectPayload
		if err := decodePayload(envelope, &payload); err != nil {
			s.sendError(messageMalformedMessage)
			return err
		}
		s.joinProject(ctx, payload)
	case EventLeaveProject:
		var payload leaveProjectPayload
		if err := decodePayload(envelope, &payload); err != nil {
			s.sendError(messageMalformedMessage)
			return err
		}
		s.leaveProject(payload)
	case EventMarkAsRead:
		var payload markAsReadPayload
		if err := decodePayload(envelope, &payload); err != nil {
			s.sendError(messageMalformedMessage)
			return err
		}
		s.markAsRead(ctx, payload)
	case EventMarkAllAsRead:
		var payload markAllAsReadPayload
		if err := decodePayload(envelope, &payload); err != nil {
			s.sendError(messageMalformedMessage)
			return err
		}
		s.markAllAsRead(ctx, payload)
	default:
		s.sendError(messageUnknownEvent + envelope.Event)
	}
	return nil
}

// Close unregisters the connection. Repeated calls are no-ops.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.gateway.unregister(s.connectionID)
}

func (s *Session) joinProject(ctx context.Context, payload joinProjectPayload) {
	projectID := strings.TrimSpace(payload.ProjectID)
	if projectID == "" {
		s.sendError(messageProjectRequired)
		return
	}
	if strings.TrimSpace(payload.UserID) != s.userID {
		s.gateway.logger.Warn("realtime join rejected",
			zap.String("connection_id", s.connectionID),
			zap.String("user_id", s.userID),
			zap.String("claimed_user_id", payload.UserID),
			zap.Error(ErrIdentityMismatch))
		s.sendError(messageUserMismatch)
		return
	}
	if !s.gateway.registry.Join(s.connectionID, projectID) {
		return
	}

	unread, err := s.gateway.store.ListUnread(ctx, s.userID, projectID)
	if err != nil {
		s.gateway.logger.Error("realtime join snapshot failed",
			zap.String("connection_id", s.connectionID),
			zap.String("project_id", projectID),
			zap.Error(err))
		s.sendError(messageLoadFailed)
		return
	}
	s.send(Envelope{
		Event: EventUnreadNotifications,
		Data:  UnreadNotificationsPayload{Notifications: unread, Count: len(unread)},
	})
}

func (s *Session) leaveProject(payload leaveProjectPayload) {
	projectID := strings.TrimSpace(payload.ProjectID)
	if !s.gateway.registry.Leave(s.connectionID, projectID) {
		s.sendError(messageNotSubscribed)
		return
	}
	s.send(Envelope{Event: EventLeftProject, Data: LeftProjectPayload{ProjectID: projectID}})
}

func (s *Session) markAsRead(ctx context.Context, payload markAsReadPayload) {
	if _, subscribed := s.gateway.registry.SubscribedProject(s.connectionID); !subscribed {
		s.sendError(messageNotSubscribed)
		return
	}
	notificationID := strings.TrimSpace(payload.NotificationID)
	existing, err := s.gateway.store.Get(ctx, notificationID)
	if errors.Is(err, notifications.ErrNotFound) || (err == nil && existing.UserID != s.userID) {
		s.sendError(messageNotFound)
		return
	}
	if err != nil {
		s.sendError(messageMarkReadFailed)
		return
	}

	updated, err := s.gateway.store.MarkRead(ctx, notificationID)
	if errors.Is(err, notifications.ErrNotFound) {
		s.sendError(messageNotFound)
		return
	}
	if err != nil {
		s.sendError(messageMarkReadFailed)
		return
	}
	s.send(Envelope{Event: EventNotificationMarkedRead, Data: MarkedAsReadPayload{NotificationID: updated.ID}})
	s.pushCount(ctx, updated.ProjectID)
}

func (s *Session) markAllAsRead(ctx context.Context, payload markAllAsReadPayload) {
	projectID, subscribed := s.gateway.registry.SubscribedProject(s.connectionID)
	if !subscribed {
		s.sendError(messageNotSubscribed)
		return
	}
	if requested := strings.TrimSpace(payload.ProjectID); requested != "" && requested != projectID {
		s.sendError(messageProjectMismatch)
		return
	}

	count, err := s.gateway.store.MarkAllRead(ctx, s.userID, projectID)
	if err != nil {
		s.sendError(messageMarkAllFailed)
		return
	}
	s.send(Envelope{Event: EventAllNotificationsRead, Data: AllMarkedAsReadPayload{ProjectID: projectID, Count: count}})
	s.pushCount(ctx, projectID)
}

func (s *Session) pushCount(ctx context.Context, projectID string) {
	count, err := s.gateway.store.CountUnread(ctx, s.userID, projectID)
	if err != nil {
		s.gateway.logger.Warn("realtime count refresh failed",
			zap.String("user_id", s.userID),
			zap.String("project_id", projectID),
			zap.Error(err))
		return
	}
	s.gateway.PushCountUpdate(projectID, s.userID, count)
}

func (s *Session) send(envelope Envelope) {
	s.gateway.send(target{connectionID: s.connectionID, conn: s.conn}, envelope)
}

func (s *Session) sendError(message string) {
	s.send(messageEnvelope(EventError, message))
}
