package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	StatusActive ConversationStatus = "active"
	StatusClosed ConversationStatus = "closed"
)

// Valid reports whether s is a known conversation status
func (s ConversationStatus) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// Reasons recorded in closed_reason
const (
	ClosedReasonInactivity = "inactivity"
	ClosedReasonAdmin      = "admin"
)

// Conversation is a support thread between one customer and the admin team.
// At most one active conversation may exist per customer email; the partial
// unique index below enforces it in the database.
type Conversation struct {
	ID              string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CustomerEmail   string             `gorm:"type:varchar(255);not null;index;index:idx_conversations_active_email,unique,where:status = 'active'" json:"customer_email"`
	CustomerName    *string            `gorm:"type:varchar(255)" json:"customer_name"`
	Status          ConversationStatus `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	LastMessage     string             `gorm:"type:text" json:"last_message"`
	LastMessageTime *time.Time         `gorm:"index" json:"last_message_time"`
	UnreadCount     int                `gorm:"not null;default:0;check:unread_count >= 0" json:"unread_count"`
	LastActivity    time.Time          `gorm:"not null;index" json:"last_activity"`
	ClosedAt        *time.Time         `json:"closed_at"`
	ClosedReason    *string            `gorm:"type:varchar(255)" json:"closed_reason"`
	Metadata        datatypes.JSON     `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// TableName specifies the table name for the Conversation model
func (Conversation) TableName() string {
	return "conversations"
}

// BeforeCreate assigns a server-generated id
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// IsActive reports whether the conversation accepts new messages
func (c *Conversation) IsActive() bool {
	return c.Status == StatusActive
}

// DisplayName returns the customer name, falling back to the email
func (c *Conversation) DisplayName() string {
	if c.CustomerName != nil && *c.CustomerName != "" {
		return *c.CustomerName
	}
	return c.CustomerEmail
}

// Matches reports whether the conversation satisfies a status filter and a
// case-insensitive search over email, name and last message.
func (c *Conversation) Matches(status string, search string) bool {
	if status != "" && status != "all" && string(c.Status) != status {
		return false
	}
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return true
	}
	name := ""
	if c.CustomerName != nil {
		name = *c.CustomerName
	}
	for _, field := range []string{c.CustomerEmail, name, c.LastMessage} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// RealtimeKeys exposes the filterable columns of the row
func (c *Conversation) RealtimeKeys() map[string]string {
	return map[string]string{
		"id":             c.ID,
		"customer_email": c.CustomerEmail,
		"status":         string(c.Status),
	}
}

// NormalizeEmail lower-cases and trims an email address for storage and lookups
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
