package projects

import "time"

// Member roles recorded by the project CRUD layer.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Member links a user to a project.
type Member struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_project_members_user"`
	Role      string    `gorm:"column:role;size:32;not null"`
	JoinedAt  time.Time `gorm:"column:joined_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "project_members"
}
