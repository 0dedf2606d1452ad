package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestConversation(t *testing.T, svc *ChatService, email, name, message string) *models.Conversation {
	t.Helper()
	result, err := svc.StartConversation(context.Background(), StartInput{Email: email, Name: name, Message: message})
	require.NoError(t, err)
	return result.Conversation
}

func TestStartConversation(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)
	ctx := context.Background()

	result, err := svc.StartConversation(ctx, StartInput{
		Email:    "A@B.com",
		Name:     "Jo",
		Message:  "Hi",
		ClientID: "client-1",
		Metadata: map[string]interface{}{"page": "/services"},
	})
	require.NoError(t, err)

	conversation := result.Conversation
	assert.NotEmpty(t, conversation.ID)
	assert.Equal(t, "a@b.com", conversation.CustomerEmail, "emails are stored normalized")
	assert.Equal(t, "Jo", *conversation.CustomerName)
	assert.Equal(t, models.StatusActive, conversation.Status)
	assert.Equal(t, 1, conversation.UnreadCount)
	assert.Equal(t, "Hi", conversation.LastMessage)
	require.NotNil(t, conversation.LastMessageTime)
	assert.JSONEq(t, `{"page":"/services"}`, string(conversation.Metadata))

	require.NotNil(t, result.Message)
	assert.Equal(t, conversation.ID, result.Message.ConversationID)
	assert.Equal(t, models.SenderCustomer, result.Message.SenderType)
	assert.Equal(t, "a@b.com", result.Message.SenderID)
	assert.Equal(t, "Hi", result.Message.Content)
	assert.False(t, result.Message.Read)

	messages, err := svc.ListMessages(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	assert.Len(t, publisher.of(realtime.TableConversations, realtime.EventInsert), 1)
	assert.Len(t, publisher.of(realtime.TableMessages, realtime.EventInsert), 1)
}

func TestStartConversationValidation(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)

	_, err := svc.StartConversation(context.Background(), StartInput{Email: "nope", Name: "J", Message: " "})

	var verr *utils.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "name")
	assert.Contains(t, verr.Fields, "message")
	assert.Empty(t, publisher.events)

	list, err := svc.ListConversations(context.Background(), ConversationFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "nothing is written when validation fails")
}

func TestStartConversationWithActiveConversation(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()

	first, err := svc.StartConversation(ctx, StartInput{Email: "a@b.com", Name: "Jo", Message: "Hi", ClientID: "c-1"})
	require.NoError(t, err)

	t.Run("second start is rejected with the existing conversation", func(t *testing.T) {
		result, err := svc.StartConversation(ctx, StartInput{Email: "A@b.com ", Name: "Jo", Message: "Hello again"})
		assert.ErrorIs(t, err, ErrActiveConversationExists)
		require.NotNil(t, result)
		assert.Equal(t, first.Conversation.ID, result.Conversation.ID)
	})

	t.Run("retried start with the same client id replays the first result", func(t *testing.T) {
		result, err := svc.StartConversation(ctx, StartInput{Email: "a@b.com", Name: "Jo", Message: "Hi", ClientID: "c-1"})
		require.NoError(t, err)
		assert.Equal(t, first.Conversation.ID, result.Conversation.ID)
		assert.Equal(t, first.Message.ID, result.Message.ID)
	})

	messages, err := svc.ListMessages(ctx, first.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestFindActiveConversation(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()

	_, err := svc.FindActiveConversation(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")

	found, err := svc.FindActiveConversation(ctx, " A@B.COM ")
	require.NoError(t, err)
	assert.Equal(t, conversation.ID, found.ID)

	_, err = svc.SetStatus(ctx, conversation.ID, models.StatusClosed, "")
	require.NoError(t, err)

	_, err = svc.FindActiveConversation(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrConversationNotFound, "closed conversations are not resumed")

	_, err = svc.FindActiveConversation(ctx, "not-an-email")
	var verr *utils.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSendCustomerMessage(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")
	publisher.reset()

	message, err := svc.SendCustomerMessage(ctx, conversation.ID, SendInput{Content: "  Are you free in June?  "})
	require.NoError(t, err)
	assert.Equal(t, "Are you free in June?", message.Content)
	assert.Equal(t, "a@b.com", message.SenderID)

	updated, err := svc.GetConversation(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.UnreadCount)
	assert.Equal(t, "Are you free in June?", updated.LastMessage)
	assert.True(t, updated.LastActivity.After(conversation.LastActivity))

	assert.Len(t, publisher.of(realtime.TableMessages, realtime.EventInsert), 1)
	assert.Len(t, publisher.of(realtime.TableConversations, realtime.EventUpdate), 1)
}

func TestSendCustomerMessageErrors(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")

	tests := []struct {
		name     string
		id       string
		input    SendInput
		expected error
	}{
		{"unknown conversation", "missing", SendInput{Content: "hello"}, ErrConversationNotFound},
		{"someone else's conversation", conversation.ID, SendInput{Content: "hello", SenderID: "eve@example.com"}, ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SendCustomerMessage(ctx, tt.id, tt.input)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	t.Run("empty content", func(t *testing.T) {
		_, err := svc.SendCustomerMessage(ctx, conversation.ID, SendInput{Content: "   "})
		var verr *utils.ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	t.Run("closed conversation", func(t *testing.T) {
		_, err := svc.SetStatus(ctx, conversation.ID, models.StatusClosed, "")
		require.NoError(t, err)

		_, err = svc.SendCustomerMessage(ctx, conversation.ID, SendInput{Content: "hello?"})
		assert.ErrorIs(t, err, ErrConversationClosed)

		_, err = svc.SendAdminMessage(ctx, conversation.ID, SendInput{Content: "hello?"})
		assert.ErrorIs(t, err, ErrConversationClosed)
	})
}

func TestSendAdminMessageLeavesUnreadCount(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")

	message, err := svc.SendAdminMessage(ctx, conversation.ID, SendInput{Content: "Hello Jo!", SenderID: "auth0|planner"})
	require.NoError(t, err)
	assert.Equal(t, models.SenderAdmin, message.SenderType)
	assert.Equal(t, "auth0|planner", message.SenderID)

	updated, err := svc.GetConversation(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UnreadCount)
	assert.Equal(t, "Hello Jo!", updated.LastMessage)
}

func TestSendIsIdempotentByClientID(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")
	publisher.reset()

	first, err := svc.SendCustomerMessage(ctx, conversation.ID, SendInput{Content: "Once", ClientID: "tab-1-msg-2"})
	require.NoError(t, err)
	second, err := svc.SendCustomerMessage(ctx, conversation.ID, SendInput{Content: "Once", ClientID: "tab-1-msg-2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.ClientID)
	assert.Equal(t, "tab-1-msg-2", *second.ClientID)

	messages, err := svc.ListMessages(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	updated, err := svc.GetConversation(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.UnreadCount, "a replayed send does not count twice")
	assert.Len(t, publisher.of(realtime.TableMessages, realtime.EventInsert), 1)
}

func TestListMessagesOrdering(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "first")

	_, err := svc.SendAdminMessage(ctx, conversation.ID, SendInput{Content: "second"})
	require.NoError(t, err)
	_, err = svc.SendCustomerMessage(ctx, conversation.ID, SendInput{Content: "third"})
	require.NoError(t, err)

	messages, err := svc.ListMessages(ctx, conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{messages[0].Content, messages[1].Content, messages[2].Content})

	_, err = svc.ListMessages(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMarkConversationRead(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")
	_, err := svc.SendCustomerMessage(ctx, conversation.ID, SendInput{Content: "Anyone there?"})
	require.NoError(t, err)
	_, err = svc.SendAdminMessage(ctx, conversation.ID, SendInput{Content: "Yes!"})
	require.NoError(t, err)
	publisher.reset()

	updated, err := svc.MarkConversationRead(ctx, conversation.ID, models.SenderAdmin)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.UnreadCount)

	messages, err := svc.ListMessages(ctx, conversation.ID)
	require.NoError(t, err)
	for _, m := range messages {
		if m.SenderType == models.SenderCustomer {
			assert.True(t, m.Read, "customer message %q is read by the admin", m.Content)
		} else {
			assert.False(t, m.Read, "admin message %q is untouched", m.Content)
		}
	}
	assert.Len(t, publisher.of(realtime.TableMessages, realtime.EventUpdate), 2)
	assert.Len(t, publisher.of(realtime.TableConversations, realtime.EventUpdate), 1)

	publisher.reset()
	_, err = svc.MarkConversationRead(ctx, conversation.ID, models.SenderAdmin)
	require.NoError(t, err)
	assert.Empty(t, publisher.events, "marking an already read conversation publishes nothing")

	_, err = svc.MarkConversationRead(ctx, conversation.ID, models.SenderCustomer)
	require.NoError(t, err)
	messages, err = svc.ListMessages(ctx, conversation.ID)
	require.NoError(t, err)
	for _, m := range messages {
		assert.True(t, m.Read)
	}

	_, err = svc.MarkConversationRead(ctx, conversation.ID, "robot")
	var verr *utils.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestMarkMessageRead(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)
	ctx := context.Background()
	result, err := svc.StartConversation(ctx, StartInput{Email: "a@b.com", Name: "Jo", Message: "Hi"})
	require.NoError(t, err)
	publisher.reset()

	message, err := svc.MarkMessageRead(ctx, result.Message.ID)
	require.NoError(t, err)
	assert.True(t, message.Read)
	assert.Len(t, publisher.of(realtime.TableMessages, realtime.EventUpdate), 1)

	_, err = svc.MarkMessageRead(ctx, result.Message.ID)
	require.NoError(t, err)
	assert.Len(t, publisher.of(realtime.TableMessages, realtime.EventUpdate), 1, "already read messages are not republished")

	_, err = svc.MarkMessageRead(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestListConversations(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()

	alice := startTestConversation(t, svc, "alice@example.com", "Alice", "Wedding in May")
	bob := startTestConversation(t, svc, "bob@example.com", "Bob", "Corporate retreat")
	carol := startTestConversation(t, svc, "carol@example.com", "Carol", "Birthday_party 100%")

	_, err := svc.SetStatus(ctx, bob.ID, models.StatusClosed, "")
	require.NoError(t, err)
	_, err = svc.SendCustomerMessage(ctx, alice.ID, SendInput{Content: "Any update?"})
	require.NoError(t, err)

	ids := func(list []models.Conversation) []string {
		out := make([]string, len(list))
		for i, c := range list {
			out[i] = c.ID
		}
		return out
	}

	tests := []struct {
		name     string
		filter   ConversationFilter
		expected []string
	}{
		{"all, most recent message first", ConversationFilter{Status: "all"}, []string{alice.ID, carol.ID, bob.ID}},
		{"default is all", ConversationFilter{}, []string{alice.ID, carol.ID, bob.ID}},
		{"active only", ConversationFilter{Status: "active"}, []string{alice.ID, carol.ID}},
		{"closed only", ConversationFilter{Status: "closed"}, []string{bob.ID}},
		{"search by name", ConversationFilter{Search: "ALI"}, []string{alice.ID}},
		{"search by email", ConversationFilter{Search: "bob@"}, []string{bob.ID}},
		{"search by last message", ConversationFilter{Search: "update"}, []string{alice.ID}},
		{"search treats wildcards literally", ConversationFilter{Search: "_party 100%"}, []string{carol.ID}},
		{"search and status combine", ConversationFilter{Status: "closed", Search: "alice"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := svc.ListConversations(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ids(list))
		})
	}

	_, err = svc.ListConversations(ctx, ConversationFilter{Status: "archived"})
	var verr *utils.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSetStatus(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")
	publisher.reset()

	closed, err := svc.SetStatus(ctx, conversation.ID, models.StatusClosed, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	require.NotNil(t, closed.ClosedReason)
	assert.Equal(t, models.ClosedReasonAdmin, *closed.ClosedReason)
	assert.Len(t, publisher.of(realtime.TableConversations, realtime.EventUpdate), 1)

	again, err := svc.SetStatus(ctx, conversation.ID, models.StatusClosed, "spam")
	require.NoError(t, err)
	assert.Equal(t, models.ClosedReasonAdmin, *again.ClosedReason, "closing twice keeps the first reason")
	assert.Len(t, publisher.of(realtime.TableConversations, realtime.EventUpdate), 1)

	reopened, err := svc.SetStatus(ctx, conversation.ID, models.StatusActive, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, reopened.Status)
	assert.Nil(t, reopened.ClosedAt)
	assert.Nil(t, reopened.ClosedReason)
	assert.True(t, reopened.LastActivity.After(conversation.LastActivity))

	_, err = svc.SetStatus(ctx, conversation.ID, "archived", "")
	var verr *utils.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = svc.SetStatus(ctx, "missing", models.StatusClosed, "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestReopenConflictsWithNewerActiveConversation(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()

	old := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")
	_, err := svc.SetStatus(ctx, old.ID, models.StatusClosed, "")
	require.NoError(t, err)
	startTestConversation(t, svc, "a@b.com", "Jo", "Hi again")

	_, err = svc.SetStatus(ctx, old.ID, models.StatusActive, "")
	assert.ErrorIs(t, err, ErrConversationConflict)
}

func TestDeleteConversation(t *testing.T) {
	svc, publisher, _ := newTestChatService(t)
	ctx := context.Background()
	store := NewMockS3Service()
	svc.SetArchiver(NewS3TranscriptArchiver(store))

	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")
	_, err := svc.SendAdminMessage(ctx, conversation.ID, SendInput{Content: "Hello"})
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, conversation.ID, models.StatusClosed, "")
	require.NoError(t, err)
	publisher.reset()

	require.NoError(t, svc.DeleteConversation(ctx, conversation.ID))

	_, err = svc.GetConversation(ctx, conversation.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Len(t, publisher.of(realtime.TableConversations, realtime.EventDelete), 1)
	assert.Len(t, publisher.of(realtime.TableMessages, realtime.EventDelete), 2)
	_, archived := store.Object(TranscriptKey(conversation.ID))
	assert.False(t, archived, "the transcript is removed with the conversation")

	assert.ErrorIs(t, svc.DeleteConversation(ctx, conversation.ID), ErrConversationNotFound)
}

func TestCloseIdle(t *testing.T) {
	svc, publisher, clock := newTestChatService(t)
	ctx := context.Background()
	store := NewMockS3Service()
	svc.SetArchiver(NewS3TranscriptArchiver(store))

	stale := startTestConversation(t, svc, "stale@example.com", "Stale", "Hello?")
	clock.advance(2 * time.Hour)
	fresh := startTestConversation(t, svc, "fresh@example.com", "Fresh", "Hi")
	publisher.reset()

	closed, err := svc.CloseIdle(ctx, clock.current().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, stale.ID, closed[0].ID)
	assert.Equal(t, models.ClosedReasonInactivity, *closed[0].ClosedReason)

	still, err := svc.GetConversation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, still.IsActive())

	assert.Len(t, publisher.of(realtime.TableConversations, realtime.EventUpdate), 1)
	_, archived := store.Object(TranscriptKey(stale.ID))
	assert.True(t, archived)

	closed, err = svc.CloseIdle(ctx, clock.current().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, closed, "already closed conversations are skipped")
}

func TestTranscriptURL(t *testing.T) {
	svc, _, _ := newTestChatService(t)
	ctx := context.Background()
	conversation := startTestConversation(t, svc, "a@b.com", "Jo", "Hi")

	_, err := svc.TranscriptURL(ctx, conversation.ID)
	assert.ErrorIs(t, err, ErrTranscriptsDisabled)

	store := NewMockS3Service()
	svc.SetArchiver(NewS3TranscriptArchiver(store))

	url, err := svc.TranscriptURL(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "transcripts/"+conversation.ID+".json")

	_, err = svc.TranscriptURL(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestServiceErrorMatching(t *testing.T) {
	err := dbError("load conversation", errors.New("disk full"))

	assert.ErrorIs(t, err, ErrDatabase)
	assert.NotErrorIs(t, err, ErrConversationNotFound)
	assert.Equal(t, "Failed to load conversation: disk full", err.Error())
	assert.Equal(t, "Conversation is closed", ErrConversationClosed.Error())
}
