package console

import (
	"sort"
	"time"

	"github.com/evently-studio/evently-api/models"
)

// Filter narrows the conversation list. An empty Status means all.
type Filter struct {
	Status string
	Search string
}

// State is everything the console renders. Reduce never mutates a State in
// place, so a value handed out by Snapshot stays stable.
type State struct {
	// Conversations holds every conversation known to the console, newest
	// activity first. Visible is the subset passing Filter.
	Conversations []models.Conversation
	Visible       []models.Conversation
	Filter        Filter

	SelectedID string
	Messages   []models.Message

	// PendingClose is the conversation awaiting close confirmation
	PendingClose string

	Compose      string
	QuickReplies []models.QuickReply
	Error        string
}

// Selected returns the open conversation, if any
func (s State) Selected() *models.Conversation {
	if s.SelectedID == "" {
		return nil
	}
	for i := range s.Conversations {
		if s.Conversations[i].ID == s.SelectedID {
			c := s.Conversations[i]
			return &c
		}
	}
	return nil
}

// ComposeDisabled reports whether replying is impossible right now
func (s State) ComposeDisabled() bool {
	c := s.Selected()
	return c == nil || !c.IsActive()
}

// Action is an input to Reduce
type Action interface {
	action()
}

type (
	// ConversationsLoaded replaces the list with a fresh fetch
	ConversationsLoaded struct{ Conversations []models.Conversation }
	FilterChanged       struct{ Filter Filter }

	ConversationInserted struct{ Conversation models.Conversation }
	ConversationUpdated  struct{ Conversation models.Conversation }
	ConversationDeleted  struct{ ID string }

	// ConversationOpened selects a conversation with its full history
	ConversationOpened struct {
		Conversation models.Conversation
		Messages     []models.Message
	}
	Deselected struct{}

	MessageInserted struct{ Message models.Message }
	MessageUpdated  struct{ Message models.Message }
	// MessagesRead flips every message from Sender in a conversation to read
	MessagesRead struct {
		ConversationID string
		Sender         models.SenderType
	}

	CloseRequested struct{ ID string }
	CloseCancelled struct{}

	FetchFailed        struct{ Message string }
	ComposeChanged     struct{ Text string }
	QuickRepliesLoaded struct{ Replies []models.QuickReply }
)

func (ConversationsLoaded) action()  {}
func (FilterChanged) action()        {}
func (ConversationInserted) action() {}
func (ConversationUpdated) action()  {}
func (ConversationDeleted) action()  {}
func (ConversationOpened) action()   {}
func (Deselected) action()           {}
func (MessageInserted) action()      {}
func (MessageUpdated) action()       {}
func (MessagesRead) action()         {}
func (CloseRequested) action()       {}
func (CloseCancelled) action()       {}
func (FetchFailed) action()          {}
func (ComposeChanged) action()       {}
func (QuickRepliesLoaded) action()   {}

// Reduce returns the state that results from applying a to s. Both realtime
// observers and every console operation go through it, so the list, the
// selection and the message pane never disagree.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case ConversationsLoaded:
		wasActive := selectedActive(s)
		s.Conversations = sortConversations(append([]models.Conversation(nil), a.Conversations...))
		s.Error = ""
		if wasActive && !selectedActive(s) {
			s = deselect(s)
		}
		return refilter(s)

	case FilterChanged:
		s.Filter = a.Filter
		return refilter(s)

	case ConversationInserted:
		s.Conversations = upsert(s.Conversations, a.Conversation)
		return refilter(s)

	case ConversationUpdated:
		wasActive := selectedActive(s)
		s.Conversations = upsert(s.Conversations, a.Conversation)
		if a.Conversation.ID == s.PendingClose && !a.Conversation.IsActive() {
			s.PendingClose = ""
		}
		if wasActive && !selectedActive(s) {
			s = deselect(s)
		}
		return refilter(s)

	case ConversationDeleted:
		kept := make([]models.Conversation, 0, len(s.Conversations))
		for _, c := range s.Conversations {
			if c.ID != a.ID {
				kept = append(kept, c)
			}
		}
		s.Conversations = kept
		if s.PendingClose == a.ID {
			s.PendingClose = ""
		}
		if s.SelectedID == a.ID {
			s = deselect(s)
		}
		return refilter(s)

	case ConversationOpened:
		s.Conversations = upsert(s.Conversations, a.Conversation)
		s.SelectedID = a.Conversation.ID
		s.Messages = nil
		for _, m := range a.Messages {
			s.Messages = mergeMessage(s.Messages, m)
		}
		s.Compose = ""
		return refilter(s)

	case Deselected:
		return deselect(s)

	case MessageInserted:
		if a.Message.ConversationID != s.SelectedID {
			return s
		}
		s.Messages = mergeMessage(s.Messages, a.Message)
		return s

	case MessageUpdated:
		if a.Message.ConversationID != s.SelectedID {
			return s
		}
		s.Messages = mergeMessage(s.Messages, a.Message)
		return s

	case MessagesRead:
		if a.ConversationID != s.SelectedID {
			return s
		}
		messages := append([]models.Message(nil), s.Messages...)
		for i := range messages {
			if messages[i].SenderType == a.Sender {
				messages[i].Read = true
			}
		}
		s.Messages = messages
		return s

	case CloseRequested:
		s.PendingClose = a.ID
		return s

	case CloseCancelled:
		s.PendingClose = ""
		return s

	case FetchFailed:
		s.Error = a.Message
		return s

	case ComposeChanged:
		s.Compose = a.Text
		return s

	case QuickRepliesLoaded:
		s.QuickReplies = append([]models.QuickReply(nil), a.Replies...)
		return s
	}
	return s
}

// refilter recomputes Visible and drops a selection the filter now hides
func refilter(s State) State {
	visible := make([]models.Conversation, 0, len(s.Conversations))
	for i := range s.Conversations {
		if s.Conversations[i].Matches(s.Filter.Status, s.Filter.Search) {
			visible = append(visible, s.Conversations[i])
		}
	}
	s.Visible = visible

	if s.SelectedID != "" && !contains(visible, s.SelectedID) {
		s = deselect(s)
	}
	return s
}

// selectedActive reports whether the open conversation accepts replies. A
// selection flipping from active to closed is dropped.
func selectedActive(s State) bool {
	c := s.Selected()
	return c != nil && c.IsActive()
}

func deselect(s State) State {
	s.SelectedID = ""
	s.Messages = nil
	s.Compose = ""
	return s
}

func contains(conversations []models.Conversation, id string) bool {
	for i := range conversations {
		if conversations[i].ID == id {
			return true
		}
	}
	return false
}

// upsert returns a sorted copy of list with c replacing the entry of the same
// id, or added when it is new.
func upsert(list []models.Conversation, c models.Conversation) []models.Conversation {
	out := make([]models.Conversation, 0, len(list)+1)
	replaced := false
	for i := range list {
		if list[i].ID == c.ID {
			out = append(out, c)
			replaced = true
			continue
		}
		out = append(out, list[i])
	}
	if !replaced {
		out = append([]models.Conversation{c}, out...)
	}
	return sortConversations(out)
}

func sortConversations(list []models.Conversation) []models.Conversation {
	sort.SliceStable(list, func(i, j int) bool {
		return lastActivity(list[i]).After(lastActivity(list[j]))
	})
	return list
}

func lastActivity(c models.Conversation) time.Time {
	if c.LastMessageTime != nil {
		return *c.LastMessageTime
	}
	return c.CreatedAt
}

// mergeMessage returns a copy of thread with m in created_at order. A message
// already present by id, or by client id, is replaced rather than repeated.
func mergeMessage(thread []models.Message, m models.Message) []models.Message {
	out := append([]models.Message(nil), thread...)
	for i := range out {
		if out[i].ID == m.ID || sameClientID(out[i], m) {
			out[i] = m
			return out
		}
	}
	out = append(out, m)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func sameClientID(a, b models.Message) bool {
	return a.ClientID != nil && b.ClientID != nil && *a.ClientID == *b.ClientID
}
