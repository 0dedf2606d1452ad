package models

import "time"

// QuickReply is a canned response an operator can drop into the compose field
type QuickReply struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Title     string    `gorm:"type:varchar(120);not null" json:"title"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Category  *string   `gorm:"type:varchar(64)" json:"category,omitempty"`
	Position  int       `gorm:"not null;default:0" json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for the QuickReply model
func (QuickReply) TableName() string {
	return "quick_replies"
}
