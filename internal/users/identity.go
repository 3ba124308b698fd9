package users

import (
	"strings"
	"time"
)

// Identity links a login provider subject to the canonical user id that notifications
// address as recipient and actor.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Identity) TableName() string {
	return "user_identities"
}

// label picks the name shown in "<name> joined the project" messages: the display
// name, else the local part of the email. Empty when neither is known.
func (i Identity) label() string {
	if name := normalize(i.DisplayName); name != "" {
		return name
	}
	if local, _, found := strings.Cut(normalize(i.Email), "@"); found && local != "" {
		return local
	}
	return ""
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
