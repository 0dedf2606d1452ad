// Package console is the operator side of live chat: the conversation list,
// the open thread and the close/reopen workflow.
package console

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/evently-studio/evently-api/client"
	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/utils"
	"github.com/google/uuid"
)

var (
	ErrNoSelection         = errors.New("no conversation is open")
	ErrConversationClosed  = errors.New("conversation is closed")
	ErrUnknownConversation = errors.New("conversation is not in the list")
	ErrUnknownQuickReply   = errors.New("unknown quick reply")
	ErrInvalidFilter       = errors.New("status filter must be all, active or closed")
	ErrConfirmationSettled = errors.New("close request was already confirmed or cancelled")

	// ErrStaleState wraps a server rejection caused by local state the server no longer agrees with
	ErrStaleState = errors.New("conversation changed on the server")
)

const markReadTimeout = 10 * time.Second

// Backend is the part of the admin API the console uses. client.Admin implements it.
type Backend interface {
	ListConversations(ctx context.Context, status, search string) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID string) (*models.Conversation, error)
	Reply(ctx context.Context, conversationID, content, clientID string) (*models.Message, error)
	SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus, reason string) (*models.Conversation, error)
	QuickReplies(ctx context.Context) ([]models.QuickReply, error)
}

// Option configures a Console
type Option func(*Console)

// WithClientIDs replaces the generator of client ids attached to replies
func WithClientIDs(next func() string) Option {
	return func(c *Console) { c.newClientID = next }
}

// WithOnChange is called with the new state after every change
func WithOnChange(fn func(State)) Option {
	return func(c *Console) { c.onChange = fn }
}

// Console is the admin chat state holder. It is safe for concurrent use.
type Console struct {
	backend     Backend
	realtime    client.Subscriber
	newClientID func() string
	onChange    func(State)

	mu         sync.Mutex
	state      State
	listSub    client.Subscription
	messageSub client.Subscription
	messageFor string
}

// New creates an empty console. rt may be nil, in which case only explicit
// refreshes update the list.
func New(backend Backend, rt client.Subscriber, opts ...Option) *Console {
	c := &Console{
		backend:     backend,
		realtime:    rt,
		newClientID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to every conversation change and loads the list
func (c *Console) Start(ctx context.Context) error {
	if c.realtime != nil {
		sub, err := c.realtime.Subscribe(ctx, realtime.TableConversations, realtime.Filter{},
			[]realtime.EventType{realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete}, c.onConversationEvent)
		if err != nil {
			log.Printf("Chat console: failed to subscribe to conversations: %v", err)
			c.dispatch(FetchFailed{Message: "Live updates are unavailable"})
			return err
		}
		c.mu.Lock()
		c.listSub = sub
		c.mu.Unlock()
	}
	return c.Refresh(ctx)
}

// Refresh reloads every conversation. Filtering happens locally so realtime
// changes can be placed without another fetch.
func (c *Console) Refresh(ctx context.Context) error {
	conversations, err := c.backend.ListConversations(ctx, "all", "")
	if err != nil {
		c.fail("load conversations", err)
		return err
	}
	c.dispatch(ConversationsLoaded{Conversations: conversations})
	return nil
}

// SetFilter applies a new status/search filter and refreshes the list
func (c *Console) SetFilter(ctx context.Context, f Filter) error {
	switch f.Status {
	case "", "all", string(models.StatusActive), string(models.StatusClosed):
	default:
		return ErrInvalidFilter
	}
	c.dispatch(FilterChanged{Filter: f})
	return c.Refresh(ctx)
}

// Open selects a conversation, loads its history and marks the customer's
// messages read. While open, new customer messages are read as they arrive.
func (c *Console) Open(ctx context.Context, id string) error {
	c.subscribeMessages(ctx, id)

	messages, err := c.backend.ListMessages(ctx, id)
	if err != nil {
		c.dropMessageSub(id)
		c.fail("load messages", err)
		return err
	}

	conversation, err := c.backend.MarkRead(ctx, id)
	if err != nil {
		c.dropMessageSub(id)
		c.fail("mark conversation read", err)
		return err
	}
	for i := range messages {
		if messages[i].SenderType == models.SenderCustomer {
			messages[i].Read = true
		}
	}

	c.dispatch(ConversationOpened{Conversation: *conversation, Messages: messages})
	return nil
}

// Deselect closes the message pane
func (c *Console) Deselect() {
	c.dispatch(Deselected{})
}

// Reply sends content to the open conversation
func (c *Console) Reply(ctx context.Context, content string) (*models.Message, error) {
	content, err := utils.ValidateContent(content)
	if err != nil {
		return nil, err
	}

	snap := c.Snapshot()
	selected := snap.Selected()
	if selected == nil {
		return nil, ErrNoSelection
	}
	if !selected.IsActive() {
		return nil, ErrConversationClosed
	}

	message, err := c.backend.Reply(ctx, selected.ID, content, c.newClientID())
	if err != nil {
		c.fail("send reply", err)
		if errors.Is(err, client.ErrConversationClosed) || errors.Is(err, client.ErrConversationNotFound) {
			c.Refresh(ctx)
			return nil, fmt.Errorf("%w: %w", ErrStaleState, err)
		}
		return nil, err
	}

	c.dispatch(MessageInserted{Message: *message})
	c.dispatch(ComposeChanged{Text: ""})
	return message, nil
}

// Confirmation is a pending close awaiting the operator's answer
type Confirmation struct {
	console *Console
	id      string

	mu      sync.Mutex
	settled bool
}

// RequestClose asks for confirmation before closing a conversation. Nothing
// changes on the server until Confirm is called.
func (c *Console) RequestClose(id string) (*Confirmation, error) {
	if !contains(c.Snapshot().Conversations, id) {
		return nil, ErrUnknownConversation
	}
	c.dispatch(CloseRequested{ID: id})
	return &Confirmation{console: c, id: id}, nil
}

// ConversationID is the conversation this confirmation would close
func (cf *Confirmation) ConversationID() string {
	return cf.id
}

// Confirm closes the conversation. If it is open in the console it is
// deselected and its message pane cleared in the same update.
func (cf *Confirmation) Confirm(ctx context.Context) error {
	if !cf.settle() {
		return ErrConfirmationSettled
	}

	c := cf.console
	conversation, err := c.backend.SetStatus(ctx, cf.id, models.StatusClosed, models.ClosedReasonAdmin)
	if err != nil {
		c.fail("close conversation", err)
		c.dispatch(CloseCancelled{})
		return err
	}
	c.dispatch(ConversationUpdated{Conversation: *conversation})
	return nil
}

// Cancel abandons the close request
func (cf *Confirmation) Cancel() {
	if cf.settle() {
		cf.console.dispatch(CloseCancelled{})
	}
}

func (cf *Confirmation) settle() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.settled {
		return false
	}
	cf.settled = true
	return true
}

// Reopen makes a closed conversation active again
func (c *Console) Reopen(ctx context.Context, id string) error {
	conversation, err := c.backend.SetStatus(ctx, id, models.StatusActive, "")
	if err != nil {
		c.fail("reopen conversation", err)
		return err
	}
	c.dispatch(ConversationUpdated{Conversation: *conversation})
	return nil
}

// QuickReplies loads the canned replies once per console
func (c *Console) QuickReplies(ctx context.Context) ([]models.QuickReply, error) {
	if cached := c.Snapshot().QuickReplies; cached != nil {
		return cached, nil
	}

	replies, err := c.backend.QuickReplies(ctx)
	if err != nil {
		c.fail("load quick replies", err)
		return nil, err
	}
	if replies == nil {
		replies = []models.QuickReply{}
	}
	c.dispatch(QuickRepliesLoaded{Replies: replies})
	return replies, nil
}

// ApplyQuickReply copies a quick reply into the compose field without sending it
func (c *Console) ApplyQuickReply(id uint) error {
	for _, reply := range c.Snapshot().QuickReplies {
		if reply.ID == id {
			c.dispatch(ComposeChanged{Text: reply.Content})
			return nil
		}
	}
	return ErrUnknownQuickReply
}

// SetCompose replaces the text being typed
func (c *Console) SetCompose(text string) {
	c.dispatch(ComposeChanged{Text: text})
}

// Snapshot returns the current state
func (c *Console) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop drops every realtime subscription
func (c *Console) Stop() {
	c.mu.Lock()
	subs := []client.Subscription{c.listSub, c.messageSub}
	c.listSub, c.messageSub, c.messageFor = nil, nil, ""
	c.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// dispatch applies a to the state. The message subscription follows the
// selection: it is dropped once the reducer moves away from its conversation.
func (c *Console) dispatch(a Action) State {
	c.mu.Lock()
	previous := c.state
	c.state = Reduce(previous, a)
	state := c.state

	var stale client.Subscription
	if c.messageSub != nil && previous.SelectedID == c.messageFor && state.SelectedID != c.messageFor {
		stale = c.messageSub
		c.messageSub, c.messageFor = nil, ""
	}
	c.mu.Unlock()

	if stale != nil {
		stale.Unsubscribe()
	}
	if c.onChange != nil {
		c.onChange(state)
	}
	return state
}

func (c *Console) subscribeMessages(ctx context.Context, id string) {
	if c.realtime == nil {
		return
	}

	c.mu.Lock()
	if c.messageFor == id && c.messageSub != nil {
		c.mu.Unlock()
		return
	}
	previous := c.messageSub
	c.messageSub, c.messageFor = nil, ""
	c.mu.Unlock()
	if previous != nil {
		previous.Unsubscribe()
	}

	sub, err := c.realtime.Subscribe(ctx, realtime.TableMessages, realtime.ByConversation(id),
		[]realtime.EventType{realtime.EventInsert, realtime.EventUpdate}, c.onMessageEvent)
	if err != nil {
		log.Printf("Chat console: failed to subscribe to messages of %s: %v", id, err)
		return
	}

	c.mu.Lock()
	c.messageSub, c.messageFor = sub, id
	c.mu.Unlock()
}

func (c *Console) dropMessageSub(id string) {
	c.mu.Lock()
	var sub client.Subscription
	if c.messageFor == id && c.state.SelectedID != id {
		sub = c.messageSub
		c.messageSub, c.messageFor = nil, ""
	}
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *Console) onConversationEvent(e realtime.Event) {
	if e.Type == realtime.EventDelete {
		c.dispatch(ConversationDeleted{ID: e.Keys["id"]})
		return
	}

	var conversation models.Conversation
	if err := e.Decode(&conversation); err != nil {
		log.Printf("Chat console: ignoring malformed conversation event: %v", err)
		return
	}
	if e.Type == realtime.EventInsert {
		c.dispatch(ConversationInserted{Conversation: conversation})
		return
	}
	c.dispatch(ConversationUpdated{Conversation: conversation})
}

func (c *Console) onMessageEvent(e realtime.Event) {
	var message models.Message
	if err := e.Decode(&message); err != nil {
		log.Printf("Chat console: ignoring malformed message event: %v", err)
		return
	}

	if e.Type == realtime.EventUpdate {
		c.dispatch(MessageUpdated{Message: message})
		return
	}

	state := c.dispatch(MessageInserted{Message: message})
	if message.SenderType != models.SenderCustomer || message.Read || state.SelectedID != message.ConversationID {
		return
	}

	// The operator is looking at the thread, so the message is read on arrival
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	conversation, err := c.backend.MarkRead(ctx, message.ConversationID)
	if err != nil {
		c.fail("mark conversation read", err)
		return
	}
	c.dispatch(MessagesRead{ConversationID: message.ConversationID, Sender: models.SenderCustomer})
	c.dispatch(ConversationUpdated{Conversation: *conversation})
}

func (c *Console) fail(op string, err error) {
	log.Printf("Chat console: failed to %s: %v", op, err)
	c.dispatch(FetchFailed{Message: fmt.Sprintf("Failed to %s", op)})
}
