package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableNames(t *testing.T) {
	assert.Equal(t, "users", User{}.TableName())
	assert.Equal(t, "conversations", Conversation{}.TableName())
	assert.Equal(t, "chat_messages", Message{}.TableName())
	assert.Equal(t, "quick_replies", QuickReply{}.TableName())
}

func TestUserIsAdmin(t *testing.T) {
	tests := []struct {
		name string
		role string
		want bool
	}{
		{"admin role", RoleAdmin, true},
		{"customer role", RoleCustomer, false},
		{"empty role", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := User{Email: "ops@evently.example", Role: tt.role}
			assert.Equal(t, tt.want, user.IsAdmin())
		})
	}
}
