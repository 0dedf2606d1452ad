package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// Frame types exchanged over the realtime socket
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FrameSubscribed  = "subscribed"
	FrameEvent       = "event"
	FrameError       = "error"
	FramePong        = "pong"
)

// Audience identifies which side of the chat a socket belongs to
type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceAdmin    Audience = "admin"
)

// Frame is the envelope of every websocket message
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest opens a subscription identified by the client-chosen Ref
type SubscribeRequest struct {
	Ref    string      `json:"ref"`
	Table  Table       `json:"table"`
	Filter Filter      `json:"filter"`
	Events []EventType `json:"events,omitempty"`
}

// UnsubscribeRequest closes the subscription opened with Ref
type UnsubscribeRequest struct {
	Ref string `json:"ref"`
}

// SubscribedPayload acknowledges a subscription
type SubscribedPayload struct {
	Ref string `json:"ref"`
}

// EventPayload carries an event for the subscription Ref
type EventPayload struct {
	Ref   string `json:"ref"`
	Event Event  `json:"event"`
}

// ErrorPayload reports a rejected frame
type ErrorPayload struct {
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

// NewFrame encodes payload into a frame of the given type
func NewFrame(frameType string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: data}, nil
}

// Authorizer decides whether a connection may open a subscription
type Authorizer func(req SubscribeRequest) error

var ErrSubscriptionDenied = errors.New("subscription not allowed")

// CustomerAuthorizer limits widgets to the conversation they already know the id of:
// its messages, or the conversation row itself.
func CustomerAuthorizer(req SubscribeRequest) error {
	switch {
	case req.Table == TableMessages && req.Filter.Column == "conversation_id" && req.Filter.Value != "":
		return nil
	case req.Table == TableConversations && req.Filter.Column == "id" && req.Filter.Value != "":
		return nil
	}
	return fmt.Errorf("%w: customers may only follow a single conversation", ErrSubscriptionDenied)
}

// AdminAuthorizer allows any subscription on a known table
func AdminAuthorizer(req SubscribeRequest) error {
	if req.Table != TableMessages && req.Table != TableConversations {
		return fmt.Errorf("%w: unknown table %q", ErrSubscriptionDenied, req.Table)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS allow-list on the HTTP routes
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server upgrades HTTP requests into realtime connections bound to a broker
type Server struct {
	broker   *Broker
	presence Presence

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a websocket server. presence may be nil.
func NewServer(broker *Broker, presence Presence) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{broker: broker, presence: presence, ctx: ctx, cancel: cancel}
}

// ConnOptions describe the peer of a new connection
type ConnOptions struct {
	Audience   Audience
	Authorize  Authorizer
	OperatorID string
}

// ServeWS upgrades the request and serves the connection until either side closes it
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request, opts ConnOptions) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Realtime: websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &connection{
		id:        uuid.NewString(),
		ws:        ws,
		send:      make(chan Frame, sendBufferSize),
		subs:      make(map[string]*Subscription),
		broker:    s.broker,
		authorize: opts.Authorize,
		ctx:       ctx,
		cancel:    cancel,
	}
	if c.authorize == nil {
		c.authorize = CustomerAuthorizer
	}

	audience := string(opts.Audience)
	activeConnections.WithLabelValues(audience).Inc()
	defer activeConnections.WithLabelValues(audience).Dec()

	if opts.Audience == AudienceAdmin && s.presence != nil {
		if err := s.presence.Join(ctx, c.id, opts.OperatorID); err != nil {
			log.Printf("Realtime: failed to record presence for %s: %v", opts.OperatorID, err)
		}
		defer func() {
			if err := s.presence.Leave(context.Background(), c.id); err != nil {
				log.Printf("Realtime: failed to clear presence for %s: %v", opts.OperatorID, err)
			}
		}()
	}

	s.wg.Add(1)
	defer s.wg.Done()

	go c.writePump()
	c.readPump()
}

// Close disconnects every open connection and waits for them to finish
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

type connection struct {
	id        string
	ws        *websocket.Conn
	send      chan Frame
	broker    *Broker
	authorize Authorizer

	mu   sync.Mutex
	subs map[string]*Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *connection) readPump() {
	defer func() {
		c.cancel()
		c.closeSubscriptions()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Unblock ReadMessage when the server shuts down
	go func() {
		<-c.ctx.Done()
		c.ws.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Realtime: connection %s read error: %v", c.id, err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "malformed frame")
			continue
		}
		c.handle(frame)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				log.Printf("Realtime: connection %s write error: %v", c.id, err)
				c.cancel()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *connection) handle(frame Frame) {
	switch frame.Type {
	case FrameSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil || req.Ref == "" {
			c.sendError(req.Ref, "subscribe requires a ref")
			return
		}
		c.subscribe(req)

	case FrameUnsubscribe:
		var req UnsubscribeRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.sendError("", "malformed unsubscribe")
			return
		}
		c.unsubscribe(req.Ref)

	case FramePing:
		c.enqueue(Frame{Type: FramePong})

	default:
		c.sendError("", fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (c *connection) subscribe(req SubscribeRequest) {
	if err := c.authorize(req); err != nil {
		c.sendError(req.Ref, err.Error())
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[req.Ref]; exists {
		c.mu.Unlock()
		c.sendError(req.Ref, "ref already in use")
		return
	}
	sub := c.broker.Subscribe(req.Table, req.Filter, req.Events...)
	c.subs[req.Ref] = sub
	c.mu.Unlock()

	if frame, err := NewFrame(FrameSubscribed, SubscribedPayload{Ref: req.Ref}); err == nil {
		c.enqueue(frame)
	}
	go c.forward(req.Ref, sub)
}

func (c *connection) unsubscribe(ref string) {
	c.mu.Lock()
	sub, ok := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// forward copies events from sub to the socket until sub is closed
func (c *connection) forward(ref string, sub *Subscription) {
	for e := range sub.C {
		frame, err := NewFrame(FrameEvent, EventPayload{Ref: ref, Event: e})
		if err != nil {
			log.Printf("Realtime: failed to encode event for %s: %v", ref, err)
			continue
		}
		if !c.enqueue(frame) {
			return
		}
	}
}

func (c *connection) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (c *connection) enqueue(frame Frame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *connection) sendError(ref, message string) {
	if frame, err := NewFrame(FrameError, ErrorPayload{Ref: ref, Message: message}); err == nil {
		c.enqueue(frame)
	}
}
