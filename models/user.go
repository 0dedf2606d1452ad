package models

import (
	"time"

	"gorm.io/gorm"
)

// Operator roles carried in the Auth0 role claim and mirrored on User.Role
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// User is an authenticated account. Admin users operate the chat console;
// chat customers are identified by email only and never get a row here.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Auth0ID   string         `gorm:"uniqueIndex;not null" json:"auth0_id"` // Auth0 user ID (from 'sub' claim)
	Name      string         `gorm:"not null" json:"name"`
	Email     string         `gorm:"uniqueIndex;not null" json:"email"`
	Role      string         `gorm:"not null;default:'customer'" json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for the User model
func (User) TableName() string {
	return "users"
}

// IsAdmin reports whether the user may operate the admin chat console
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
