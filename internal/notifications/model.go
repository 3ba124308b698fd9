package notifications

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Type enumerates the project events that produce notifications.
type Type string

const (
	TypeTaskCreated       Type = "TASK_CREATED"
	TypeTaskUpdated       Type = "TASK_UPDATED"
	TypeTaskDeleted       Type = "TASK_DELETED"
	TypeCommentCreated    Type = "COMMENT_CREATED"
	TypeBoardCreated      Type = "BOARD_CREATED"
	TypeBoardUpdated      Type = "BOARD_UPDATED"
	TypeBoardDeleted      Type = "BOARD_DELETED"
	TypeColumnCreated     Type = "COLUMN_CREATED"
	TypeColumnUpdated     Type = "COLUMN_UPDATED"
	TypeColumnDeleted     Type = "COLUMN_DELETED"
	TypeUserJoinedProject Type = "USER_JOINED_PROJECT"
	TypeUserLeftProject   Type = "USER_LEFT_PROJECT"
	TypeLabelCreated      Type = "LABEL_CREATED"
	TypeLabelUpdated      Type = "LABEL_UPDATED"
	TypeLabelDeleted      Type = "LABEL_DELETED"
)

// Entity kinds carried in Notification.EntityType.
const (
	EntityTask    = "task"
	EntityComment = "comment"
	EntityBoard   = "board"
	EntityColumn  = "column"
	EntityLabel   = "label"
)

// AllProjects scopes store queries to every project of a user.
const AllProjects = ""

// ErrUnknownType indicates a notification type outside the closed enumeration.
var ErrUnknownType = errors.New("notifications: unknown notification type")

type typeDescriptor struct {
	template   string
	entityType string
}

var typeDescriptors = map[Type]typeDescriptor{
	TypeTaskCreated:       {template: "New task created: %s", entityType: EntityTask},
	TypeTaskUpdated:       {template: "Task updated: %s", entityType: EntityTask},
	TypeTaskDeleted:       {template: "Task deleted: %s", entityType: EntityTask},
	TypeCommentCreated:    {template: "New comment on task: %s", entityType: EntityComment},
	TypeBoardCreated:      {template: "New board created: %s", entityType: EntityBoard},
	TypeBoardUpdated:      {template: "Board updated: %s", entityType: EntityBoard},
	TypeBoardDeleted:      {template: "Board deleted: %s", entityType: EntityBoard},
	TypeColumnCreated:     {template: "New column created: %s", entityType: EntityColumn},
	TypeColumnUpdated:     {template: "Column updated: %s", entityType: EntityColumn},
	TypeColumnDeleted:     {template: "Column deleted: %s", entityType: EntityColumn},
	TypeUserJoinedProject: {template: "%s joined the project"},
	TypeUserLeftProject:   {template: "%s left the project"},
	TypeLabelCreated:      {template: "New label created: %s", entityType: EntityLabel},
	TypeLabelUpdated:      {template: "Label updated: %s", entityType: EntityLabel},
	TypeLabelDeleted:      {template: "Label deleted: %s", entityType: EntityLabel},
}

// ParseType validates raw input against the closed set of notification types.
func ParseType(raw string) (Type, error) {
	candidate := Type(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := typeDescriptors[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
	return candidate, nil
}

// Types lists the enumeration in lexical order.
func Types() []Type {
	types := make([]Type, 0, len(typeDescriptors))
	for notificationType := range typeDescriptors {
		types = append(types, notificationType)
	}
	slices.Sort(types)
	return types
}

// Valid reports whether the type belongs to the enumeration.
func (t Type) Valid() bool {
	_, ok := typeDescriptors[t]
	return ok
}

// Message renders the human readable text for an event about subject.
func (t Type) Message(subject string) string {
	descriptor, ok := typeDescriptors[t]
	if !ok {
		return subject
	}
	return fmt.Sprintf(descriptor.template, strings.TrimSpace(subject))
}

// EntityType returns the entity kind the event concerns, empty for user events.
func (t Type) EntityType() string {
	return typeDescriptors[t].entityType
}

// IsUserEvent reports whether the subject of the event is a project member.
func (t Type) IsUserEvent() bool {
	return t == TypeUserJoinedProject || t == TypeUserLeftProject
}

// Notification is a single-recipient record of a project event.
type Notification struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Message     string    `gorm:"column:message;type:text;not null" json:"message"`
	Type        Type      `gorm:"column:type;size:32;not null" json:"type"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index:idx_notifications_recipient,priority:1" json:"userId"`
	ProjectID   string    `gorm:"column:project_id;size:190;not null;index:idx_notifications_recipient,priority:2;index:idx_notifications_project" json:"projectId"`
	EntityID    *string   `gorm:"column:entity_id;size:190" json:"entityId,omitempty"`
	EntityType  *string   `gorm:"column:entity_type;size:32" json:"entityType,omitempty"`
	TriggeredBy *string   `gorm:"column:triggered_by;size:190" json:"triggeredBy,omitempty"`
	IsRead      bool      `gorm:"column:is_read;not null;default:false;index:idx_notifications_recipient,priority:3" json:"isRead"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_notifications_recipient,priority:4" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
