package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Publisher receives row change events after they are committed
type Publisher interface {
	Publish(e realtime.Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(realtime.Event) {}

// ChatService owns the conversation and message stores. Every write runs in
// a single transaction and announces the rows it changed once committed.
type ChatService struct {
	db        *gorm.DB
	publisher Publisher
	archiver  TranscriptArchiver
	now       func() time.Time
}

// NewChatService creates a chat service. publisher may be nil.
func NewChatService(db *gorm.DB, publisher Publisher) *ChatService {
	if publisher == nil {
		publisher = discardPublisher{}
	}
	return &ChatService{
		db:        db,
		publisher: publisher,
		archiver:  NoopArchiver{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetArchiver archives transcripts of conversations as they close
func (s *ChatService) SetArchiver(archiver TranscriptArchiver) {
	if archiver == nil {
		archiver = NoopArchiver{}
	}
	s.archiver = archiver
}

// StartInput is the contact form plus the optional client-generated id of the first message
type StartInput struct {
	Email    string
	Name     string
	Message  string
	ClientID string
	Metadata map[string]interface{}
}

// StartResult holds the conversation and its first message
type StartResult struct {
	Conversation *models.Conversation `json:"conversation"`
	Message      *models.Message      `json:"message,omitempty"`
}

// SendInput is a new message. SenderID defaults to the customer email or "admin".
type SendInput struct {
	Content  string
	SenderID string
	ClientID string
}

// ConversationFilter narrows ListConversations
type ConversationFilter struct {
	Status string
	Search string
}

// FindActiveConversation returns the most recent active conversation for email
func (s *ChatService) FindActiveConversation(ctx context.Context, email string) (*models.Conversation, error) {
	if err := utils.ValidateEmail(email); err != nil {
		return nil, err
	}
	conversation, err := findActive(s.db.WithContext(ctx), models.NormalizeEmail(email))
	if err != nil {
		return nil, lookupError(err, ErrConversationNotFound, "look up active conversation")
	}
	return conversation, nil
}

// GetConversation returns a conversation in any status
func (s *ChatService) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := s.db.WithContext(ctx).First(&conversation, "id = ?", id).Error; err != nil {
		return nil, lookupError(err, ErrConversationNotFound, "load conversation")
	}
	return &conversation, nil
}

// StartConversation opens a conversation with its first customer message.
// When the email already has an active conversation the result carries it
// alongside ErrActiveConversationExists, unless the first message was already
// stored under the same client id, in which case the earlier result is returned.
func (s *ChatService) StartConversation(ctx context.Context, in StartInput) (*StartResult, error) {
	form := utils.ContactForm{Email: in.Email, Name: in.Name, Message: in.Message}
	if err := utils.ValidateContactForm(&form); err != nil {
		return nil, err
	}
	email := models.NormalizeEmail(form.Email)

	var metadata datatypes.JSON
	if len(in.Metadata) > 0 {
		data, err := json.Marshal(in.Metadata)
		if err != nil {
			verr := &utils.ValidationError{}
			verr.Add("metadata", "INVALID", "metadata must be a JSON object")
			return nil, verr
		}
		metadata = data
	}

	now := s.now()
	conversation := &models.Conversation{
		CustomerEmail:   email,
		CustomerName:    &form.Name,
		Status:          models.StatusActive,
		LastMessage:     form.Message,
		LastMessageTime: &now,
		UnreadCount:     1,
		LastActivity:    now,
		Metadata:        metadata,
	}
	message := &models.Message{
		SenderType: models.SenderCustomer,
		SenderID:   email,
		Content:    form.Message,
		ClientID:   optional(in.ClientID),
		CreatedAt:  now,
	}

	var result *StartResult
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findActive(tx, email)
		switch {
		case err == nil:
			result = &StartResult{Conversation: existing}
			if replay, ok := findByClientID(tx, existing.ID, in.ClientID); ok {
				result.Message = replay
				return nil
			}
			return ErrActiveConversationExists
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return dbError("look up active conversation", err)
		}

		if err := tx.Create(conversation).Error; err != nil {
			return err
		}
		message.ConversationID = conversation.ID
		if err := tx.Create(message).Error; err != nil {
			return dbError("create message", err)
		}
		result = &StartResult{Conversation: conversation, Message: message}
		created = true
		return nil
	})

	if err != nil {
		var serr *ServiceError
		if errors.As(err, &serr) {
			return result, err
		}
		// Lost a race with another tab creating the conversation
		if existing, findErr := findActive(s.db.WithContext(ctx), email); findErr == nil {
			return &StartResult{Conversation: existing}, ErrActiveConversationExists
		}
		return nil, dbError("create conversation", err)
	}

	if created {
		conversationsStarted.Inc()
		messagesSent.WithLabelValues(string(models.SenderCustomer)).Inc()
		log.Printf("Chat: conversation %s started by %s", conversation.ID, email)
		s.publish(realtime.TableConversations, realtime.EventInsert, result.Conversation)
		s.publish(realtime.TableMessages, realtime.EventInsert, result.Message)
	}
	return result, nil
}

// SendCustomerMessage appends a customer message and bumps the unread count
func (s *ChatService) SendCustomerMessage(ctx context.Context, conversationID string, in SendInput) (*models.Message, error) {
	return s.send(ctx, conversationID, models.SenderCustomer, in)
}

// SendAdminMessage appends an operator reply. The unread count is left alone.
func (s *ChatService) SendAdminMessage(ctx context.Context, conversationID string, in SendInput) (*models.Message, error) {
	return s.send(ctx, conversationID, models.SenderAdmin, in)
}

func (s *ChatService) send(ctx context.Context, conversationID string, sender models.SenderType, in SendInput) (*models.Message, error) {
	content, err := utils.ValidateContent(in.Content)
	if err != nil {
		return nil, err
	}

	var (
		conversation models.Conversation
		message      *models.Message
		created      bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conversation, "id = ?", conversationID).Error; err != nil {
			return lookupError(err, ErrConversationNotFound, "load conversation")
		}

		senderID := strings.TrimSpace(in.SenderID)
		if sender == models.SenderCustomer {
			if senderID != "" && models.NormalizeEmail(senderID) != conversation.CustomerEmail {
				return ErrForbidden
			}
			senderID = conversation.CustomerEmail
		} else if senderID == "" {
			senderID = string(models.SenderAdmin)
		}

		if existing, ok := findByClientID(tx, conversationID, in.ClientID); ok {
			message = existing
			return nil
		}
		if !conversation.IsActive() {
			return ErrConversationClosed
		}

		now := s.now()
		message = &models.Message{
			ConversationID: conversationID,
			SenderType:     sender,
			SenderID:       senderID,
			Content:        content,
			ClientID:       optional(in.ClientID),
			CreatedAt:      now,
		}
		if err := tx.Create(message).Error; err != nil {
			return dbError("create message", err)
		}

		updates := map[string]interface{}{
			"last_message":      content,
			"last_message_time": now,
			"last_activity":     now,
			"updated_at":        now,
		}
		if sender == models.SenderCustomer {
			updates["unread_count"] = gorm.Expr("unread_count + 1")
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Updates(updates).Error; err != nil {
			return dbError("update conversation", err)
		}
		if err := tx.First(&conversation, "id = ?", conversationID).Error; err != nil {
			return dbError("reload conversation", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		messagesSent.WithLabelValues(string(sender)).Inc()
		s.publish(realtime.TableMessages, realtime.EventInsert, message)
		s.publish(realtime.TableConversations, realtime.EventUpdate, &conversation)
	}
	return message, nil
}

// ListMessages returns the messages of a conversation, oldest first
func (s *ChatService) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	messages, err := messagesOf(s.db.WithContext(ctx), conversationID)
	if err != nil {
		return nil, dbError("list messages", err)
	}
	return messages, nil
}

// MarkConversationRead marks every message written by the other side as read
// and resets the unread count.
func (s *ChatService) MarkConversationRead(ctx context.Context, conversationID string, reader models.SenderType) (*models.Conversation, error) {
	var author models.SenderType
	switch reader {
	case models.SenderCustomer:
		author = models.SenderAdmin
	case models.SenderAdmin:
		author = models.SenderCustomer
	default:
		verr := &utils.ValidationError{}
		verr.Add("reader", "INVALID", "reader must be customer or admin")
		return nil, verr
	}

	var (
		conversation models.Conversation
		unread       []models.Message
		resetCount   bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conversation, "id = ?", conversationID).Error; err != nil {
			return lookupError(err, ErrConversationNotFound, "load conversation")
		}

		if err := tx.Where("conversation_id = ? AND sender_type = ? AND read = ?", conversationID, author, false).
			Find(&unread).Error; err != nil {
			return dbError("load unread messages", err)
		}
		if len(unread) > 0 {
			ids := make([]string, len(unread))
			for i := range unread {
				ids[i] = unread[i].ID
				unread[i].Read = true
			}
			if err := tx.Model(&models.Message{}).Where("id IN ?", ids).Update("read", true).Error; err != nil {
				return dbError("mark messages read", err)
			}
		}

		if conversation.UnreadCount != 0 {
			if err := tx.Model(&conversation).Update("unread_count", 0).Error; err != nil {
				return dbError("reset unread count", err)
			}
			conversation.UnreadCount = 0
			resetCount = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range unread {
		s.publish(realtime.TableMessages, realtime.EventUpdate, &unread[i])
	}
	if resetCount {
		s.publish(realtime.TableConversations, realtime.EventUpdate, &conversation)
	}
	return &conversation, nil
}

// MarkMessageRead flips a single message to read
func (s *ChatService) MarkMessageRead(ctx context.Context, messageID string) (*models.Message, error) {
	var message models.Message
	db := s.db.WithContext(ctx)
	if err := db.First(&message, "id = ?", messageID).Error; err != nil {
		return nil, lookupError(err, ErrMessageNotFound, "load message")
	}
	if message.Read {
		return &message, nil
	}
	if err := db.Model(&message).Update("read", true).Error; err != nil {
		return nil, dbError("mark message read", err)
	}
	message.Read = true
	s.publish(realtime.TableMessages, realtime.EventUpdate, &message)
	return &message, nil
}

// ListConversations returns conversations matching filter, most recently active first
func (s *ChatService) ListConversations(ctx context.Context, filter ConversationFilter) ([]models.Conversation, error) {
	query := s.db.WithContext(ctx).Model(&models.Conversation{})

	switch filter.Status {
	case "", "all":
	case string(models.StatusActive), string(models.StatusClosed):
		query = query.Where("status = ?", filter.Status)
	default:
		verr := &utils.ValidationError{}
		verr.Add("status", "INVALID", "status must be one of all, active, closed")
		return nil, verr
	}

	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		like := "%" + escapeLike(search) + "%"
		query = query.Where(
			`(LOWER(customer_email) LIKE ? ESCAPE '\' OR LOWER(COALESCE(customer_name, '')) LIKE ? ESCAPE '\' OR LOWER(last_message) LIKE ? ESCAPE '\')`,
			like, like, like,
		)
	}

	var conversations []models.Conversation
	if err := query.Order("last_message_time DESC").Order("created_at DESC").Find(&conversations).Error; err != nil {
		return nil, dbError("list conversations", err)
	}
	return conversations, nil
}

// SetStatus closes or reopens a conversation. Closing records the reason
// (admin by default); reopening clears it and refreshes last_activity.
func (s *ChatService) SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus, reason string) (*models.Conversation, error) {
	if !status.Valid() {
		verr := &utils.ValidationError{}
		verr.Add("status", "INVALID", "status must be active or closed")
		return nil, verr
	}

	var (
		conversation models.Conversation
		changed      bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conversation, "id = ?", conversationID).Error; err != nil {
			return lookupError(err, ErrConversationNotFound, "load conversation")
		}
		if conversation.Status == status {
			return nil
		}

		now := s.now()
		updates := map[string]interface{}{"status": status, "updated_at": now}
		if status == models.StatusClosed {
			if reason = strings.TrimSpace(reason); reason == "" {
				reason = models.ClosedReasonAdmin
			}
			updates["closed_at"] = now
			updates["closed_reason"] = reason
		} else {
			var others int64
			if err := tx.Model(&models.Conversation{}).
				Where("customer_email = ? AND status = ? AND id <> ?", conversation.CustomerEmail, models.StatusActive, conversation.ID).
				Count(&others).Error; err != nil {
				return dbError("check active conversations", err)
			}
			if others > 0 {
				return ErrConversationConflict
			}
			updates["closed_at"] = nil
			updates["closed_reason"] = nil
			updates["last_activity"] = now
		}

		if err := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Updates(updates).Error; err != nil {
			return dbError("update conversation status", err)
		}
		if err := tx.First(&conversation, "id = ?", conversationID).Error; err != nil {
			return dbError("reload conversation", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		log.Printf("Chat: conversation %s is now %s", conversation.ID, conversation.Status)
		s.publish(realtime.TableConversations, realtime.EventUpdate, &conversation)
		if status == models.StatusClosed {
			conversationsClosed.WithLabelValues(reason).Inc()
			s.archive(ctx, &conversation)
		}
	}
	return &conversation, nil
}

// DeleteConversation removes a conversation, its messages and any archived transcript
func (s *ChatService) DeleteConversation(ctx context.Context, conversationID string) error {
	var (
		conversation models.Conversation
		messages     []models.Message
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conversation, "id = ?", conversationID).Error; err != nil {
			return lookupError(err, ErrConversationNotFound, "load conversation")
		}
		var err error
		if messages, err = messagesOf(tx, conversationID); err != nil {
			return dbError("load messages", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
			return dbError("delete messages", err)
		}
		if err := tx.Delete(&conversation).Error; err != nil {
			return dbError("delete conversation", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Chat: conversation %s deleted with %d messages", conversationID, len(messages))
	for i := range messages {
		s.publish(realtime.TableMessages, realtime.EventDelete, &messages[i])
	}
	s.publish(realtime.TableConversations, realtime.EventDelete, &conversation)

	if err := s.archiver.Delete(ctx, conversationID); err != nil && !errors.Is(err, ErrTranscriptsDisabled) {
		log.Printf("Chat: failed to delete transcript of %s: %v", conversationID, err)
	}
	return nil
}

// CloseIdle closes every active conversation whose last activity is before cutoff
func (s *ChatService) CloseIdle(ctx context.Context, cutoff time.Time) ([]models.Conversation, error) {
	db := s.db.WithContext(ctx)

	var candidates []models.Conversation
	if err := db.Where("status = ? AND last_activity < ?", models.StatusActive, cutoff).Find(&candidates).Error; err != nil {
		return nil, dbError("find idle conversations", err)
	}

	closed := make([]models.Conversation, 0, len(candidates))
	for _, candidate := range candidates {
		now := s.now()
		// Re-check the predicate so a message arriving mid-sweep keeps the conversation open
		res := db.Model(&models.Conversation{}).
			Where("id = ? AND status = ? AND last_activity < ?", candidate.ID, models.StatusActive, cutoff).
			Updates(map[string]interface{}{
				"status":        models.StatusClosed,
				"closed_at":     now,
				"closed_reason": models.ClosedReasonInactivity,
				"updated_at":    now,
			})
		if res.Error != nil {
			log.Printf("Chat: failed to close idle conversation %s: %v", candidate.ID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}

		var conversation models.Conversation
		if err := db.First(&conversation, "id = ?", candidate.ID).Error; err != nil {
			log.Printf("Chat: failed to reload conversation %s: %v", candidate.ID, err)
			continue
		}
		conversationsClosed.WithLabelValues(models.ClosedReasonInactivity).Inc()
		s.publish(realtime.TableConversations, realtime.EventUpdate, &conversation)
		s.archive(ctx, &conversation)
		closed = append(closed, conversation)
	}
	return closed, nil
}

// TranscriptURL archives the current state of a conversation and returns a
// short-lived download link for it
func (s *ChatService) TranscriptURL(ctx context.Context, conversationID string) (string, error) {
	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	messages, err := messagesOf(s.db.WithContext(ctx), conversationID)
	if err != nil {
		return "", dbError("list messages", err)
	}
	if err := s.archiver.Archive(ctx, conversation, messages); err != nil {
		return "", err
	}
	return s.archiver.URL(ctx, conversationID)
}

// QuickReplies returns the canned responses in display order
func (s *ChatService) QuickReplies(ctx context.Context) ([]models.QuickReply, error) {
	var replies []models.QuickReply
	if err := s.db.WithContext(ctx).Order("position ASC").Order("id ASC").Find(&replies).Error; err != nil {
		return nil, dbError("list quick replies", err)
	}
	return replies, nil
}

func (s *ChatService) publish(table realtime.Table, eventType realtime.EventType, row realtime.Row) {
	e, err := realtime.NewEvent(table, eventType, row)
	if err != nil {
		log.Printf("Chat: %v", err)
		return
	}
	s.publisher.Publish(e)
}

func (s *ChatService) archive(ctx context.Context, conversation *models.Conversation) {
	messages, err := messagesOf(s.db.WithContext(ctx), conversation.ID)
	if err != nil {
		log.Printf("Chat: failed to load messages for transcript of %s: %v", conversation.ID, err)
		return
	}
	if err := s.archiver.Archive(ctx, conversation, messages); err != nil && !errors.Is(err, ErrTranscriptsDisabled) {
		log.Printf("Chat: failed to archive transcript of %s: %v", conversation.ID, err)
	}
}

func findActive(db *gorm.DB, email string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := db.Where("customer_email = ? AND status = ?", email, models.StatusActive).
		Order("created_at DESC").
		First(&conversation).Error
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func findByClientID(db *gorm.DB, conversationID, clientID string) (*models.Message, bool) {
	if clientID == "" {
		return nil, false
	}
	var message models.Message
	if err := db.Where("conversation_id = ? AND client_id = ?", conversationID, clientID).First(&message).Error; err != nil {
		return nil, false
	}
	return &message, true
}

func messagesOf(db *gorm.DB, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

func lookupError(err error, missing *ServiceError, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return missing
	}
	return dbError(op, err)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
