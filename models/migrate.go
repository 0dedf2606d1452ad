package models

import "gorm.io/gorm"

// All lists every model owned by the API, in dependency order
func All() []interface{} {
	return []interface{}{&User{}, &Conversation{}, &Message{}, &QuickReply{}}
}

// AutoMigrate creates or updates the tables for every model
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(All()...)
}
