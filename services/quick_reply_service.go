package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/evently-studio/evently-api/models"
	"gorm.io/gorm"
)

func category(name string) *string {
	return &name
}

// DefaultQuickReplies seeds an empty catalog when no QUICK_REPLIES_FILE is configured
var DefaultQuickReplies = []models.QuickReply{
	{Title: "Greeting", Content: "Hi! Thanks for reaching out. How can we help with your event?", Category: category("general")},
	{Title: "Availability", Content: "Could you share your event date and approximate guest count? We'll check our availability right away.", Category: category("booking")},
	{Title: "Pricing", Content: "Our packages depend on the size and style of your event. We'd be happy to put together a tailored quote.", Category: category("booking")},
	{Title: "Consultation", Content: "Would you like to book a free consultation call with one of our planners?", Category: category("booking")},
	{Title: "Follow up", Content: "Is there anything else we can help you with today?", Category: category("general")},
	{Title: "Closing", Content: "Thanks for chatting with us! Feel free to come back any time.", Category: category("general")},
}

// SeedQuickReplies fills an empty quick reply catalog from path, or from the
// built-in defaults when path is empty. It returns the number of rows inserted.
func SeedQuickReplies(ctx context.Context, db *gorm.DB, path string) (int, error) {
	db = db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.QuickReply{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count quick replies: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	replies, err := loadQuickReplies(path)
	if err != nil {
		return 0, err
	}
	if len(replies) == 0 {
		return 0, nil
	}
	for i := range replies {
		replies[i].ID = 0
		if replies[i].Position == 0 {
			replies[i].Position = i + 1
		}
	}

	if err := db.Create(&replies).Error; err != nil {
		return 0, fmt.Errorf("failed to seed quick replies: %w", err)
	}
	log.Printf("Seeded %d quick replies", len(replies))
	return len(replies), nil
}

func loadQuickReplies(path string) ([]models.QuickReply, error) {
	if path == "" {
		replies := make([]models.QuickReply, len(DefaultQuickReplies))
		copy(replies, DefaultQuickReplies)
		return replies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quick replies file: %w", err)
	}
	var replies []models.QuickReply
	if err := json.Unmarshal(data, &replies); err != nil {
		return nil, fmt.Errorf("failed to parse quick replies file %s: %w", path, err)
	}
	for i, reply := range replies {
		if reply.Title == "" || reply.Content == "" {
			return nil, fmt.Errorf("quick reply %d in %s needs a title and content", i, path)
		}
	}
	return replies, nil
}
