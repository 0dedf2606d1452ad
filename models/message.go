package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SenderType identifies who authored a message
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAdmin    SenderType = "admin"
)

// MaxMessageLength bounds the content of a single message
const MaxMessageLength = 4000

// Message represents a single text entry within a conversation.
// Messages are never edited; only Read flips from false to true.
type Message struct {
	ID             string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ConversationID string        `gorm:"type:varchar(36);not null;index;uniqueIndex:idx_chat_messages_client_id" json:"conversation_id"`
	Conversation   *Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
	SenderType     SenderType    `gorm:"type:varchar(16);not null" json:"sender_type"`
	SenderID       string        `gorm:"type:varchar(255);not null" json:"sender_id"`
	Content        string        `gorm:"type:text;not null" json:"content"`
	Read           bool          `gorm:"not null;default:false" json:"read"`
	ClientID       *string       `gorm:"type:varchar(64);uniqueIndex:idx_chat_messages_client_id" json:"client_id,omitempty"`
	CreatedAt      time.Time     `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for the Message model
func (Message) TableName() string {
	return "chat_messages"
}

// BeforeCreate assigns a server-generated id
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// RealtimeKeys exposes the filterable columns of the row
func (m *Message) RealtimeKeys() map[string]string {
	return map[string]string{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_type":     string(m.SenderType),
	}
}
