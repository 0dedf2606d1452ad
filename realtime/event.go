package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table names a store whose row changes are published
type Table string

const (
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"
)

// EventType is the kind of row change
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Row is a persisted record that can be published
type Row interface {
	RealtimeKeys() map[string]string
}

// Event is a row-level change notification
type Event struct {
	Table  Table             `json:"table"`
	Type   EventType         `json:"type"`
	Record json.RawMessage   `json:"record"`
	Keys   map[string]string `json:"keys"`
	At     time.Time         `json:"at"`
}

// NewEvent snapshots row into an event
func NewEvent(table Table, eventType EventType, row Row) (Event, error) {
	record, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s row: %w", table, err)
	}
	return Event{
		Table:  table,
		Type:   eventType,
		Record: record,
		Keys:   row.RealtimeKeys(),
		At:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the event record into dst
func (e Event) Decode(dst interface{}) error {
	return json.Unmarshal(e.Record, dst)
}

// Filter restricts a subscription to rows whose column equals value.
// A zero Filter matches every row.
type Filter struct {
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Matches reports whether the event passes the filter
func (f Filter) Matches(e Event) bool {
	if f.Column == "" {
		return true
	}
	return e.Keys[f.Column] == f.Value
}

// ByConversation filters message events to a single conversation
func ByConversation(conversationID string) Filter {
	return Filter{Column: "conversation_id", Value: conversationID}
}
