// Package widget is the customer side of live chat: the contact form, the
// message thread and its realtime updates.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evently-studio/evently-api/client"
	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/utils"
	"github.com/google/uuid"
)

// State is the screen the widget shows
type State string

const (
	StateContact State = "contact"
	StateChat    State = "chat"
)

var (
	ErrNoConversation     = errors.New("no conversation in progress")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrAlreadyChatting    = errors.New("a conversation is already in progress")
	ErrUnknownQuickReply  = errors.New("unknown quick reply")

	// ErrStaleState wraps a server rejection caused by local state the server no longer agrees with
	ErrStaleState = errors.New("conversation changed on the server")
)

const markReadTimeout = 10 * time.Second

// Backend is the part of the chat API the widget uses. client.Customer implements it.
type Backend interface {
	ActiveConversation(ctx context.Context, email string) (*models.Conversation, []models.Message, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	StartConversation(ctx context.Context, req client.StartRequest) (*models.Conversation, *models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID string, req client.SendRequest) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID string) (*models.Conversation, error)
	QuickReplies(ctx context.Context) ([]models.QuickReply, error)
}

// Message is a thread entry. Pending entries were sent but not yet confirmed;
// Failed ones could not reach the server.
type Message struct {
	models.Message
	Pending bool `json:"pending,omitempty"`
	Failed  bool `json:"failed,omitempty"`
}

// Notice is a banner shown above the contact form
type Notice struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// ContactForm is what the customer types before their first message
type ContactForm struct {
	Email   string
	Name    string
	Message string
}

// Snapshot is a copy of everything the widget renders
type Snapshot struct {
	State           State
	Session         Session
	Conversation    *models.Conversation
	Messages        []Message
	Unread          int
	Open            bool
	ComposeDisabled bool
	Compose         string
	Notice          *Notice
	FieldErrors     map[string]string
	QuickReplies    []models.QuickReply
}

// Option configures a Widget
type Option func(*Widget)

// WithClientIDs replaces the generator of client ids attached to sends
func WithClientIDs(next func() string) Option {
	return func(w *Widget) { w.newClientID = next }
}

// WithOnChange is called with a fresh snapshot after every state change
func WithOnChange(fn func(Snapshot)) Option {
	return func(w *Widget) { w.onChange = fn }
}

// Widget is the customer chat state machine. It is safe for concurrent use.
type Widget struct {
	backend     Backend
	realtime    client.Subscriber
	sessions    SessionStore
	newClientID func() string
	onChange    func(Snapshot)

	mu           sync.Mutex
	state        State
	session      Session
	conversation *models.Conversation
	messages     []Message
	open         bool
	compose      string
	notice       *Notice
	fieldErrors  map[string]string
	quickReplies []models.QuickReply
	subs         []client.Subscription
}

// New creates a widget in the contact state. rt may be nil, in which case no
// live updates are received.
func New(backend Backend, rt client.Subscriber, sessions SessionStore, opts ...Option) *Widget {
	w := &Widget{
		backend:     backend,
		realtime:    rt,
		sessions:    sessions,
		newClientID: uuid.NewString,
		state:       StateContact,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Resume restores a returning customer. A remembered conversation that has
// since been closed is forgotten and reported through the notice; otherwise the
// active conversation of the remembered email, if any, is reopened.
func (w *Widget) Resume(ctx context.Context) error {
	session, err := w.sessions.Load()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.session = session
	w.mu.Unlock()

	if session.Email == "" {
		w.toContact(nil)
		return nil
	}

	if session.ConversationID != "" {
		conversation, err := w.backend.GetConversation(ctx, session.ConversationID)
		switch {
		case err == nil && !conversation.IsActive():
			w.forgetConversation()
			w.toContact(closedNotice(conversation))
			return nil
		case errors.Is(err, client.ErrConversationNotFound):
			w.forgetConversation()
		case err != nil:
			log.Printf("Chat widget: failed to load conversation %s: %v", session.ConversationID, err)
			return err
		}
	}

	conversation, messages, err := w.backend.ActiveConversation(ctx, session.Email)
	if errors.Is(err, client.ErrConversationNotFound) {
		w.forgetConversation()
		w.toContact(nil)
		return nil
	}
	if err != nil {
		log.Printf("Chat widget: failed to look up active conversation: %v", err)
		return err
	}
	return w.enterChat(ctx, conversation, messages)
}

// Start validates the contact form and opens a conversation with its first
// message. If the email already has an active conversation that one is resumed.
func (w *Widget) Start(ctx context.Context, form ContactForm) error {
	w.mu.Lock()
	if w.conversation != nil && w.conversation.IsActive() {
		w.mu.Unlock()
		return ErrAlreadyChatting
	}
	w.mu.Unlock()

	f := utils.ContactForm{Email: form.Email, Name: form.Name, Message: form.Message}
	if err := utils.ValidateContactForm(&f); err != nil {
		w.setFieldErrors(err)
		return err
	}
	w.setFieldErrors(nil)

	conversation, message, err := w.backend.StartConversation(ctx, client.StartRequest{
		Email:    f.Email,
		Name:     f.Name,
		Message:  f.Message,
		ClientID: w.newClientID(),
	})

	var messages []models.Message
	switch {
	case errors.Is(err, client.ErrActiveConversationExists) && conversation != nil:
		if messages, err = w.backend.ListMessages(ctx, conversation.ID); err != nil {
			log.Printf("Chat widget: failed to load messages of %s: %v", conversation.ID, err)
			return err
		}
	case err != nil:
		w.setFieldErrors(err)
		log.Printf("Chat widget: failed to start conversation: %v", err)
		return err
	default:
		messages = []models.Message{*message}
	}

	w.mu.Lock()
	w.session = Session{Email: models.NormalizeEmail(f.Email), Name: f.Name}
	w.mu.Unlock()
	return w.enterChat(ctx, conversation, messages)
}

// Send appends content to the thread immediately and posts it. The local entry
// is replaced by the stored message once the server (or its realtime echo)
// confirms it.
func (w *Widget) Send(ctx context.Context, content string) (*models.Message, error) {
	content, err := utils.ValidateContent(content)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.conversation == nil {
		w.mu.Unlock()
		return nil, ErrNoConversation
	}
	if !w.conversation.IsActive() {
		w.mu.Unlock()
		return nil, ErrConversationClosed
	}

	clientID := w.newClientID()
	conversationID := w.conversation.ID
	senderID := w.session.Email
	w.messages = append(w.messages, Message{
		Message: models.Message{
			ConversationID: conversationID,
			SenderType:     models.SenderCustomer,
			SenderID:       senderID,
			Content:        content,
			ClientID:       &clientID,
			CreatedAt:      time.Now().UTC(),
		},
		Pending: true,
	})
	w.compose = ""
	w.mu.Unlock()
	w.notify()

	message, err := w.backend.SendMessage(ctx, conversationID, client.SendRequest{
		Content:  content,
		SenderID: senderID,
		ClientID: clientID,
	})
	if err != nil {
		return nil, w.sendFailed(ctx, conversationID, clientID, err)
	}

	w.mu.Lock()
	w.reconcile(*message)
	w.mu.Unlock()
	w.notify()
	return message, nil
}

func (w *Widget) sendFailed(ctx context.Context, conversationID, clientID string, err error) error {
	log.Printf("Chat widget: failed to send message to %s: %v", conversationID, err)

	if client.IsTransport(err) {
		w.mu.Lock()
		if i := w.pendingIndex(clientID); i >= 0 {
			w.messages[i].Failed = true
		}
		w.mu.Unlock()
		w.notify()
		return err
	}

	w.mu.Lock()
	if i := w.pendingIndex(clientID); i >= 0 {
		w.messages = append(w.messages[:i], w.messages[i+1:]...)
	}
	w.mu.Unlock()

	switch {
	case errors.Is(err, client.ErrConversationClosed):
		conversation, getErr := w.backend.GetConversation(ctx, conversationID)
		w.mu.Lock()
		if w.conversation != nil && w.conversation.ID == conversationID {
			if getErr == nil {
				w.conversation = conversation
			} else {
				w.conversation.Status = models.StatusClosed
			}
			w.notice = closedNotice(w.conversation)
		}
		w.mu.Unlock()
		w.notify()
		return fmt.Errorf("%w: %w", ErrStaleState, err)

	case errors.Is(err, client.ErrConversationNotFound):
		w.forgetConversation()
		w.toContact(&Notice{Message: "This conversation is no longer available."})
		return fmt.Errorf("%w: %w", ErrStaleState, err)
	}

	w.notify()
	return err
}

// Open shows the thread and marks the operator's messages read
func (w *Widget) Open(ctx context.Context) error {
	w.mu.Lock()
	w.open = true
	conversationID := ""
	if w.conversation != nil && w.unreadLocked() > 0 {
		conversationID = w.conversation.ID
	}
	w.mu.Unlock()

	if conversationID == "" {
		w.notify()
		return nil
	}
	return w.markRead(ctx, conversationID)
}

// Close minimizes the widget. The subscription stays open so new replies
// raise the unread badge.
func (w *Widget) Close() {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
	w.notify()
}

// Reset forgets the customer and their conversation so a new chat can start
func (w *Widget) Reset() error {
	w.mu.Lock()
	w.unsubscribeLocked()
	w.state = StateContact
	w.session = Session{}
	w.conversation = nil
	w.messages = nil
	w.compose = ""
	w.notice = nil
	w.fieldErrors = nil
	w.mu.Unlock()

	err := w.sessions.Clear()
	w.notify()
	return err
}

// Stop drops the realtime subscriptions, keeping the session for the next visit
func (w *Widget) Stop() {
	w.mu.Lock()
	w.unsubscribeLocked()
	w.mu.Unlock()
}

// QuickReplies loads the canned replies once per widget
func (w *Widget) QuickReplies(ctx context.Context) ([]models.QuickReply, error) {
	w.mu.Lock()
	cached := w.quickReplies
	w.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	replies, err := w.backend.QuickReplies(ctx)
	if err != nil {
		log.Printf("Chat widget: failed to load quick replies: %v", err)
		return nil, err
	}
	if replies == nil {
		replies = []models.QuickReply{}
	}

	w.mu.Lock()
	w.quickReplies = replies
	w.mu.Unlock()
	w.notify()
	return replies, nil
}

// ApplyQuickReply copies a quick reply into the compose field without sending it
func (w *Widget) ApplyQuickReply(id uint) error {
	w.mu.Lock()
	found := false
	for _, reply := range w.quickReplies {
		if reply.ID == id {
			w.compose = reply.Content
			found = true
			break
		}
	}
	w.mu.Unlock()

	if !found {
		return ErrUnknownQuickReply
	}
	w.notify()
	return nil
}

// SetCompose replaces the text being typed
func (w *Widget) SetCompose(text string) {
	w.mu.Lock()
	w.compose = text
	w.mu.Unlock()
	w.notify()
}

// Snapshot returns a copy of the current state
func (w *Widget) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{
		State:        w.state,
		Session:      w.session,
		Messages:     append([]Message(nil), w.messages...),
		Unread:       w.unreadLocked(),
		Open:         w.open,
		Compose:      w.compose,
		QuickReplies: append([]models.QuickReply(nil), w.quickReplies...),
	}
	if w.conversation != nil {
		conversation := *w.conversation
		snap.Conversation = &conversation
		snap.ComposeDisabled = !conversation.IsActive()
	} else {
		snap.ComposeDisabled = true
	}
	if w.notice != nil {
		notice := *w.notice
		snap.Notice = &notice
	}
	if len(w.fieldErrors) > 0 {
		snap.FieldErrors = make(map[string]string, len(w.fieldErrors))
		for k, v := range w.fieldErrors {
			snap.FieldErrors[k] = v
		}
	}
	return snap
}

func (w *Widget) enterChat(ctx context.Context, conversation *models.Conversation, messages []models.Message) error {
	thread := make([]Message, len(messages))
	for i := range messages {
		thread[i] = Message{Message: messages[i]}
	}
	sortThread(thread)

	w.mu.Lock()
	w.unsubscribeLocked()
	w.state = StateChat
	w.conversation = conversation
	w.messages = thread
	w.notice = nil
	w.fieldErrors = nil
	w.session.ConversationID = conversation.ID
	session := w.session
	w.mu.Unlock()

	if err := w.sessions.Save(session); err != nil {
		log.Printf("Chat widget: failed to save session: %v", err)
	}
	w.subscribe(ctx, conversation.ID)
	w.notify()
	return nil
}

func (w *Widget) subscribe(ctx context.Context, conversationID string) {
	if w.realtime == nil {
		return
	}

	var subs []client.Subscription
	messages, err := w.realtime.Subscribe(ctx, realtime.TableMessages, realtime.ByConversation(conversationID),
		[]realtime.EventType{realtime.EventInsert, realtime.EventUpdate}, w.onMessageEvent)
	if err != nil {
		log.Printf("Chat widget: failed to subscribe to messages of %s: %v", conversationID, err)
	} else {
		subs = append(subs, messages)
	}

	conversation, err := w.realtime.Subscribe(ctx, realtime.TableConversations, realtime.Filter{Column: "id", Value: conversationID},
		[]realtime.EventType{realtime.EventUpdate, realtime.EventDelete}, w.onConversationEvent)
	if err != nil {
		log.Printf("Chat widget: failed to subscribe to conversation %s: %v", conversationID, err)
	} else {
		subs = append(subs, conversation)
	}

	w.mu.Lock()
	current := w.conversation != nil && w.conversation.ID == conversationID
	if current {
		w.subs = append(w.subs, subs...)
	}
	w.mu.Unlock()

	if !current {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

func (w *Widget) onMessageEvent(e realtime.Event) {
	var message models.Message
	if err := e.Decode(&message); err != nil {
		log.Printf("Chat widget: ignoring malformed message event: %v", err)
		return
	}

	w.mu.Lock()
	if w.conversation == nil || w.conversation.ID != message.ConversationID {
		w.mu.Unlock()
		return
	}
	added := w.reconcile(message)
	markRead := e.Type == realtime.EventInsert && added && w.open &&
		message.SenderType == models.SenderAdmin && !message.Read
	conversationID := w.conversation.ID
	w.mu.Unlock()

	if markRead {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		w.markRead(ctx, conversationID)
		return
	}
	w.notify()
}

func (w *Widget) onConversationEvent(e realtime.Event) {
	var conversation models.Conversation
	if err := e.Decode(&conversation); err != nil {
		log.Printf("Chat widget: ignoring malformed conversation event: %v", err)
		return
	}

	w.mu.Lock()
	if w.conversation == nil || w.conversation.ID != conversation.ID {
		w.mu.Unlock()
		return
	}
	if e.Type == realtime.EventDelete {
		w.mu.Unlock()
		w.forgetConversation()
		w.toContact(&Notice{Message: "This conversation is no longer available."})
		return
	}

	wasActive := w.conversation.IsActive()
	w.conversation = &conversation
	switch {
	case wasActive && !conversation.IsActive():
		w.notice = closedNotice(&conversation)
	case !wasActive && conversation.IsActive():
		w.notice = nil
	}
	w.mu.Unlock()
	w.notify()
}

func (w *Widget) markRead(ctx context.Context, conversationID string) error {
	conversation, err := w.backend.MarkRead(ctx, conversationID)
	if err != nil {
		log.Printf("Chat widget: failed to mark %s read: %v", conversationID, err)
		return err
	}

	w.mu.Lock()
	if w.conversation != nil && w.conversation.ID == conversationID {
		for i := range w.messages {
			if w.messages[i].SenderType == models.SenderAdmin {
				w.messages[i].Read = true
			}
		}
		w.conversation.UnreadCount = conversation.UnreadCount
	}
	w.mu.Unlock()
	w.notify()
	return nil
}

// reconcile merges a stored message into the thread. A pending entry with the
// same client id is replaced and a message already present is updated in
// place. It reports whether the message was new to the thread.
func (w *Widget) reconcile(message models.Message) bool {
	for i := range w.messages {
		if w.messages[i].ID != "" && w.messages[i].ID == message.ID {
			w.messages[i] = Message{Message: message}
			return false
		}
	}
	if message.ClientID != nil {
		if i := w.pendingIndex(*message.ClientID); i >= 0 {
			w.messages[i] = Message{Message: message}
			sortThread(w.messages)
			return false
		}
	}
	w.messages = append(w.messages, Message{Message: message})
	sortThread(w.messages)
	return true
}

func (w *Widget) pendingIndex(clientID string) int {
	for i := range w.messages {
		m := w.messages[i]
		if m.Pending && m.ClientID != nil && *m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (w *Widget) unreadLocked() int {
	unread := 0
	for _, m := range w.messages {
		if m.SenderType == models.SenderAdmin && !m.Read {
			unread++
		}
	}
	return unread
}

func (w *Widget) toContact(notice *Notice) {
	w.mu.Lock()
	w.unsubscribeLocked()
	w.state = StateContact
	w.conversation = nil
	w.messages = nil
	w.notice = notice
	w.mu.Unlock()
	w.notify()
}

// forgetConversation drops the remembered conversation id, keeping the identity
// so the contact form can be prefilled.
func (w *Widget) forgetConversation() {
	w.mu.Lock()
	w.session.ConversationID = ""
	session := w.session
	w.mu.Unlock()

	if err := w.sessions.Save(session); err != nil {
		log.Printf("Chat widget: failed to save session: %v", err)
	}
}

func (w *Widget) unsubscribeLocked() {
	for _, sub := range w.subs {
		sub.Unsubscribe()
	}
	w.subs = nil
}

func (w *Widget) setFieldErrors(err error) {
	fields := map[string]string{}

	var verr *utils.ValidationError
	var apiErr *client.APIError
	switch {
	case errors.As(err, &verr):
		for name, fe := range verr.Fields {
			fields[name] = fe.Message
		}
	case errors.As(err, &apiErr):
		for name, fe := range apiErr.Fields {
			fields[name] = fe.Message
		}
	}

	w.mu.Lock()
	w.fieldErrors = fields
	w.mu.Unlock()
	w.notify()
}

func (w *Widget) notify() {
	if w.onChange != nil {
		w.onChange(w.Snapshot())
	}
}

func closedNotice(conversation *models.Conversation) *Notice {
	notice := &Notice{Message: "This conversation has been closed."}
	if conversation.ClosedReason == nil {
		return notice
	}

	notice.Reason = *conversation.ClosedReason
	switch notice.Reason {
	case models.ClosedReasonInactivity:
		notice.Message = "This conversation was closed after 1 hour of inactivity."
	case models.ClosedReasonAdmin, "":
	default:
		notice.Message = "This conversation has been closed: " + strings.TrimSpace(notice.Reason)
	}
	return notice
}

func sortThread(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}
