package controllers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	chat     *services.ChatService
	presence *realtime.MemoryPresence
	store    *services.MockS3Service
	reaper   *services.Reaper
}

// setupAdminRouter mounts the console behind a fake operator with the given scope
func setupAdminRouter(t *testing.T, scope string) (*gin.Engine, adminFixture) {
	t.Helper()
	f := adminFixture{
		chat:     services.NewChatService(setupTestDB(t), realtime.NewBroker()),
		presence: realtime.NewMemoryPresence(),
		store:    services.NewMockS3Service(),
	}
	f.reaper = services.NewReaper(f.chat, "*/5 * * * *", time.Millisecond)

	router := setupTestRouter()
	admin := router.Group("/api/v1/admin")
	admin.Use(mockScopedAuthMiddleware("auth0|ops", models.RoleAdmin, scope))
	NewAdminChatController(f.chat, f.reaper, f.presence, nil).Register(admin)
	return router, f
}

func startConversation(t *testing.T, chat *services.ChatService, email, name, message string) *models.Conversation {
	t.Helper()
	result, err := chat.StartConversation(context.Background(), services.StartInput{Email: email, Name: name, Message: message})
	require.NoError(t, err)
	return result.Conversation
}

func TestAdminListConversations(t *testing.T) {
	router, f := setupAdminRouter(t, "")
	startConversation(t, f.chat, "jo@example.com", "Jo", "Wedding in June")
	closed := startConversation(t, f.chat, "sam@example.com", "Sam", "Birthday party")
	_, err := f.chat.SetStatus(context.Background(), closed.ID, models.StatusClosed, "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		query    string
		expected []string
	}{
		{"all", "", []string{"sam@example.com", "jo@example.com"}},
		{"active only", "?status=active", []string{"jo@example.com"}},
		{"closed only", "?status=closed", []string{"sam@example.com"}},
		{"search by name", "?search=SAM", []string{"sam@example.com"}},
		{"search by last message", "?search=wedding", []string{"jo@example.com"}},
		{"no match", "?search=gala", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodGet, "/api/v1/admin/conversations"+tt.query, nil)
			require.Equal(t, http.StatusOK, w.Code, "Response body: %s", w.Body.String())

			var conversations []models.Conversation
			decodeEnvelope(t, w, &conversations)
			emails := []string{}
			for _, c := range conversations {
				emails = append(emails, c.CustomerEmail)
			}
			assert.Equal(t, tt.expected, emails)
		})
	}

	w := doJSON(router, http.MethodGet, "/api/v1/admin/conversations?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeEnvelope(t, w, nil).Error.Fields, "status")
}

func TestAdminReplyAndRead(t *testing.T) {
	router, f := setupAdminRouter(t, "")
	conversation := startConversation(t, f.chat, "jo@example.com", "Jo", "Hi")
	base := "/api/v1/admin/conversations/" + conversation.ID

	w := doJSON(router, http.MethodPost, base+"/messages", AdminReplyRequest{Content: "Happy to help!", ClientID: "op-1"})
	require.Equal(t, http.StatusCreated, w.Code, "Response body: %s", w.Body.String())
	var reply models.Message
	decodeEnvelope(t, w, &reply)
	assert.Equal(t, models.SenderAdmin, reply.SenderType)
	assert.Equal(t, "auth0|ops", reply.SenderID)

	w = doJSON(router, http.MethodPost, base+"/messages", AdminReplyRequest{Content: "Happy to help!", ClientID: "op-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var resent models.Message
	decodeEnvelope(t, w, &resent)
	assert.Equal(t, reply.ID, resent.ID, "a resend with the same client id returns the stored message")

	current, err := f.chat.GetConversation(context.Background(), conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.UnreadCount, "operator replies leave the unread count alone")

	w = doJSON(router, http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var read models.Conversation
	decodeEnvelope(t, w, &read)
	assert.Equal(t, 0, read.UnreadCount)

	w = doJSON(router, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var messages []models.Message
	decodeEnvelope(t, w, &messages)
	require.Len(t, messages, 2)
	assert.True(t, messages[0].Read, "the customer message is read once an operator opens it")
	assert.False(t, messages[1].Read)

	w = doJSON(router, http.MethodPut, "/api/v1/admin/messages/"+messages[1].ID+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var single models.Message
	decodeEnvelope(t, w, &single)
	assert.True(t, single.Read)

	w = doJSON(router, http.MethodPut, "/api/v1/admin/messages/missing/read", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MESSAGE_NOT_FOUND", decodeEnvelope(t, w, nil).Error.Code)
}

func TestAdminUpdateConversation(t *testing.T) {
	router, f := setupAdminRouter(t, "")
	conversation := startConversation(t, f.chat, "jo@example.com", "Jo", "Hi")
	path := "/api/v1/admin/conversations/" + conversation.ID

	w := doJSON(router, http.MethodPut, path, UpdateConversationRequest{Status: models.StatusClosed})
	require.Equal(t, http.StatusOK, w.Code, "Response body: %s", w.Body.String())
	var closed models.Conversation
	decodeEnvelope(t, w, &closed)
	assert.Equal(t, models.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedReason)
	assert.Equal(t, models.ClosedReasonAdmin, *closed.ClosedReason)
	assert.NotNil(t, closed.ClosedAt)

	w = doJSON(router, http.MethodPost, path+"/messages", AdminReplyRequest{Content: "Still there?"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONVERSATION_CLOSED", decodeEnvelope(t, w, nil).Error.Code)

	startConversation(t, f.chat, "jo@example.com", "Jo", "New question")
	w = doJSON(router, http.MethodPut, path, UpdateConversationRequest{Status: models.StatusActive})
	assert.Equal(t, http.StatusConflict, w.Code, "reopening must not create a second active conversation")
	assert.Equal(t, "CONVERSATION_CONFLICT", decodeEnvelope(t, w, nil).Error.Code)

	tests := []struct {
		name           string
		path           string
		body           interface{}
		expectedStatus int
	}{
		{"missing status", path, map[string]string{}, http.StatusBadRequest},
		{"unknown status", path, UpdateConversationRequest{Status: "archived"}, http.StatusBadRequest},
		{"unknown conversation", "/api/v1/admin/conversations/missing", UpdateConversationRequest{Status: models.StatusClosed}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestAdminReopenConversation(t *testing.T) {
	router, f := setupAdminRouter(t, "")
	conversation := startConversation(t, f.chat, "jo@example.com", "Jo", "Hi")
	_, err := f.chat.SetStatus(context.Background(), conversation.ID, models.StatusClosed, "resolved")
	require.NoError(t, err)

	w := doJSON(router, http.MethodPut, "/api/v1/admin/conversations/"+conversation.ID, UpdateConversationRequest{Status: models.StatusActive})
	require.Equal(t, http.StatusOK, w.Code, "Response body: %s", w.Body.String())
	var reopened models.Conversation
	decodeEnvelope(t, w, &reopened)
	assert.Equal(t, models.StatusActive, reopened.Status)
	assert.Nil(t, reopened.ClosedAt)
	assert.Nil(t, reopened.ClosedReason)
}

func TestAdminDeleteConversationRequiresScope(t *testing.T) {
	tests := []struct {
		name           string
		scope          string
		expectedStatus int
	}{
		{"without delete scope", "read:conversations", http.StatusForbidden},
		{"with delete scope", "read:conversations delete:conversations", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, f := setupAdminRouter(t, tt.scope)
			conversation := startConversation(t, f.chat, "jo@example.com", "Jo", "Hi")

			w := doJSON(router, http.MethodDelete, "/api/v1/admin/conversations/"+conversation.ID, nil)
			assert.Equal(t, tt.expectedStatus, w.Code)

			_, err := f.chat.GetConversation(context.Background(), conversation.ID)
			if tt.expectedStatus == http.StatusOK {
				assert.ErrorIs(t, err, services.ErrConversationNotFound)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAdminTranscript(t *testing.T) {
	router, f := setupAdminRouter(t, "")
	conversation := startConversation(t, f.chat, "jo@example.com", "Jo", "Hi")
	path := "/api/v1/admin/conversations/" + conversation.ID + "/transcript"

	w := doJSON(router, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "TRANSCRIPTS_DISABLED", decodeEnvelope(t, w, nil).Error.Code)

	f.chat.SetArchiver(services.NewS3TranscriptArchiver(f.store))

	w = doJSON(router, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code, "Response body: %s", w.Body.String())
	var data struct {
		URL string `json:"url"`
	}
	decodeEnvelope(t, w, &data)
	assert.Contains(t, data.URL, services.TranscriptKey(conversation.ID))

	_, stored := f.store.Object(services.TranscriptKey(conversation.ID))
	assert.True(t, stored)
}

func TestAdminPresence(t *testing.T) {
	router, f := setupAdminRouter(t, "")
	ctx := context.Background()
	require.NoError(t, f.presence.Join(ctx, "conn-1", "auth0|ops"))
	require.NoError(t, f.presence.Join(ctx, "conn-2", "auth0|ops"))
	require.NoError(t, f.presence.Join(ctx, "conn-3", "auth0|other"))

	w := doJSON(router, http.MethodGet, "/api/v1/admin/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var data struct {
		Online    int      `json:"online"`
		Operators []string `json:"operators"`
	}
	decodeEnvelope(t, w, &data)
	assert.Equal(t, 2, data.Online, "an operator with two tabs counts once")
	assert.ElementsMatch(t, []string{"auth0|ops", "auth0|other"}, data.Operators)
}

func TestAdminRunReaper(t *testing.T) {
	router, f := setupAdminRouter(t, "")
	conversation := startConversation(t, f.chat, "jo@example.com", "Jo", "Hi")
	time.Sleep(20 * time.Millisecond)

	w := doJSON(router, http.MethodPost, "/api/v1/admin/reaper/run", nil)
	require.Equal(t, http.StatusOK, w.Code, "Response body: %s", w.Body.String())
	var data struct {
		Closed        int                   `json:"closed"`
		Conversations []models.Conversation `json:"conversations"`
	}
	decodeEnvelope(t, w, &data)
	assert.Equal(t, 1, data.Closed)
	require.Len(t, data.Conversations, 1)
	assert.Equal(t, conversation.ID, data.Conversations[0].ID)

	current, err := f.chat.GetConversation(context.Background(), conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, current.Status)
	require.NotNil(t, current.ClosedReason)
	assert.Equal(t, models.ClosedReasonInactivity, *current.ClosedReason)
}

func TestAdminRunReaperDisabled(t *testing.T) {
	router := setupTestRouter()
	chat := services.NewChatService(setupTestDB(t), nil)
	NewAdminChatController(chat, nil, nil, nil).Register(router.Group("/api/v1/admin"))

	w := doJSON(router, http.MethodPost, "/api/v1/admin/reaper/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "REAPER_DISABLED", decodeEnvelope(t, w, nil).Error.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/admin/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
