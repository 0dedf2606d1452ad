package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/evently-studio/evently-api/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	realtimeWriteWait = 10 * time.Second
	realtimePingEvery = 30 * time.Second
)

// ErrRealtimeClosed is returned once the socket has gone away
var ErrRealtimeClosed = errors.New("realtime connection closed")

// Handler receives the events of one subscription. Handlers run one at a time
// on the connection's read loop, so they must not call Subscribe or Close.
type Handler func(realtime.Event)

// Subscription is a live subscription handle
type Subscription interface {
	Unsubscribe()
}

// Subscriber opens realtime subscriptions. Realtime implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, table realtime.Table, filter realtime.Filter, events []realtime.EventType, handler Handler) (Subscription, error)
}

// Realtime is a websocket connection multiplexing many subscriptions by ref
type Realtime struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan error
	closed   bool

	done chan struct{}
}

// DialRealtime connects to a realtime endpoint (see API.RealtimeURL)
func DialRealtime(ctx context.Context, url string, header http.Header) (*Realtime, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &TransportError{Op: "dial realtime", Status: status, Err: err}
	}

	r := &Realtime{
		conn:     conn,
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan error),
		done:     make(chan struct{}),
	}
	go r.readLoop()
	go r.pingLoop()
	return r, nil
}

// Subscribe opens a subscription and waits for the server to acknowledge it
func (r *Realtime) Subscribe(ctx context.Context, table realtime.Table, filter realtime.Filter, events []realtime.EventType, handler Handler) (Subscription, error) {
	ref := uuid.NewString()
	ack := make(chan error, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRealtimeClosed
	}
	r.handlers[ref] = handler
	r.pending[ref] = ack
	r.mu.Unlock()

	err := r.write(realtime.FrameSubscribe, realtime.SubscribeRequest{
		Ref:    ref,
		Table:  table,
		Filter: filter,
		Events: events,
	})
	if err == nil {
		select {
		case err = <-ack:
		case <-ctx.Done():
			err = ctx.Err()
		case <-r.done:
			err = ErrRealtimeClosed
		}
	}

	if err != nil {
		r.forget(ref)
		return nil, err
	}
	return &subscription{rt: r, ref: ref}, nil
}

// Close drops every subscription and the connection
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.writeMu.Lock()
	r.conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()

	err := r.conn.Close()
	<-r.done
	return err
}

// Done is closed when the connection ends
func (r *Realtime) Done() <-chan struct{} {
	return r.done
}

type subscription struct {
	rt   *Realtime
	ref  string
	once sync.Once
}

// Unsubscribe stops delivery. The server is told without waiting for an answer.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.rt.forget(s.ref)
		if err := s.rt.write(realtime.FrameUnsubscribe, realtime.UnsubscribeRequest{Ref: s.ref}); err != nil && !errors.Is(err, ErrRealtimeClosed) {
			log.Printf("Realtime: failed to unsubscribe %s: %v", s.ref, err)
		}
	})
}

func (r *Realtime) forget(ref string) {
	r.mu.Lock()
	delete(r.handlers, ref)
	delete(r.pending, ref)
	r.mu.Unlock()
}

func (r *Realtime) write(frameType string, payload interface{}) error {
	frame, err := realtime.NewFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frameType, err)
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRealtimeClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	if err := r.conn.WriteJSON(frame); err != nil {
		return &TransportError{Op: "realtime " + frameType, Err: err}
	}
	return nil
}

func (r *Realtime) readLoop() {
	defer func() {
		r.mu.Lock()
		r.closed = true
		r.handlers = make(map[string]Handler)
		r.mu.Unlock()
		close(r.done)
	}()

	for {
		var frame realtime.Frame
		if err := r.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Realtime: connection lost: %v", err)
			}
			return
		}
		r.dispatch(frame)
	}
}

func (r *Realtime) dispatch(frame realtime.Frame) {
	switch frame.Type {
	case realtime.FrameSubscribed:
		var payload realtime.SubscribedPayload
		if err := json.Unmarshal(frame.Payload, &payload); err == nil {
			r.resolve(payload.Ref, nil)
		}

	case realtime.FrameError:
		var payload realtime.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		if !r.resolve(payload.Ref, fmt.Errorf("%w: %s", ErrForbidden, payload.Message)) {
			log.Printf("Realtime: server error: %s", payload.Message)
		}

	case realtime.FrameEvent:
		var payload realtime.EventPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.Printf("Realtime: ignoring malformed event: %v", err)
			return
		}
		r.mu.Lock()
		handler := r.handlers[payload.Ref]
		r.mu.Unlock()
		if handler != nil {
			handler(payload.Event)
		}
	}
}

// resolve answers a pending Subscribe. It reports whether ref was pending.
func (r *Realtime) resolve(ref string, err error) bool {
	r.mu.Lock()
	ack, ok := r.pending[ref]
	delete(r.pending, ref)
	if err != nil {
		delete(r.handlers, ref)
	}
	r.mu.Unlock()

	if ok {
		ack <- err
	}
	return ok
}

// pingLoop sends application pings so idle proxies keep the socket open
func (r *Realtime) pingLoop() {
	ticker := time.NewTicker(realtimePingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.write(realtime.FramePing, nil); err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}
