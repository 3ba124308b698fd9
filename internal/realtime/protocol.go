package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
)

// Client to server events.
const (
	EventJoinProject   = "joinProject"
	EventLeaveProject  = "leaveProject"
	EventMarkAsRead    = "markAsRead"
	EventMarkAllAsRead = "markAllAsRead"
)

// Server to client events.
const (
	EventAuthRequired            = "authRequired"
	EventAuthError               = "authError"
	EventTokenExpired            = "tokenExpired"
	EventUnreadNotifications     = "unreadNotifications"
	EventNewNotification         = "newNotification"
	EventNotificationCountUpdate = "notificationCountUpdate"
	EventNotificationMarkedRead  = "notificationMarkedAsRead"
	EventAllNotificationsRead    = "allNotificationsMarkedAsRead"
	EventLeftProject             = "leftProject"
	EventError                   = "error"
)

// ErrMalformedMessage indicates an inbound frame that is not a valid envelope.
var ErrMalformedMessage = errors.New("realtime: malformed message")

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessagePayload carries human readable text for auth and error signals.
type MessagePayload struct {
	Message string `json:"message"`
}

// UnreadNotificationsPayload is the join snapshot.
type UnreadNotificationsPayload struct {
	Notifications []notifications.Notification `json:"notifications"`
	Count         int                          `json:"count"`
}

// NewNotificationPayload wraps a pushed notification.
type NewNotificationPayload struct {
	Notification notifications.Notification `json:"notification"`
}

// CountUpdatePayload carries a user's unread count for one project.
type CountUpdatePayload struct {
	ProjectID string `json:"projectId"`
	Count     int64  `json:"count"`
}

// MarkedAsReadPayload acknowledges a single mark as read.
type MarkedAsReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// AllMarkedAsReadPayload acknowledges mark all as read with the number of changed rows.
type AllMarkedAsReadPayload struct {
	ProjectID string `json:"projectId"`
	Count     int64  `json:"count"`
}

// LeftProjectPayload acknowledges a leave.
type LeftProjectPayload struct {
	ProjectID string `json:"projectId"`
}

type joinProjectPayload struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

type leaveProjectPayload struct {
	ProjectID string `json:"projectId"`
}

type markAsReadPayload struct {
	NotificationID string `json:"notificationId"`
}

type markAllAsReadPayload struct {
	ProjectID string `json:"projectId"`
}

func decodeEnvelope(raw []byte) (inboundEnvelope, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return inboundEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	envelope.Event = strings.TrimSpace(envelope.Event)
	if envelope.Event == "" {
		return inboundEnvelope{}, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	return envelope, nil
}

func decodePayload(envelope inboundEnvelope, target any) error {
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, envelope.Event, err)
	}
	return nil
}

func messageEnvelope(event, message string) Envelope {
	return Envelope{Event: event, Data: MessagePayload{Message: message}}
}
