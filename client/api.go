package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evently-studio/evently-api/models"
)

// API is an HTTP client for the chat endpoints. Customer and Admin expose the
// widget and console halves of it.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures an API client
type Option func(*API)

// WithToken sends token as a bearer credential on every request
func WithToken(token string) Option {
	return func(a *API) { a.token = token }
}

// WithHTTPClient replaces the default client (10s timeout)
func WithHTTPClient(c *http.Client) Option {
	return func(a *API) { a.httpClient = c }
}

// NewAPI creates a client for the server at baseURL, e.g. https://api.evently.studio
func NewAPI(baseURL string, opts ...Option) *API {
	a := &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string                `json:"code"`
		Message string                `json:"message"`
		Fields  map[string]FieldError `json:"fields"`
	} `json:"error"`
}

// do sends a JSON request and decodes the envelope's data into out. When the
// server answers with an error envelope its data, if any, is still decoded.
func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode data: %w", err)}
		}
	}

	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		if env.Error == nil {
			return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New("missing error body")}
		}
		return &APIError{
			Status:  resp.StatusCode,
			Code:    env.Error.Code,
			Message: env.Error.Message,
			Fields:  env.Error.Fields,
		}
	}
	return nil
}

// RealtimeURL returns the websocket URL for path (/api/v1/chat/realtime or
// /api/v1/admin/realtime), carrying the token as a query parameter.
func (a *API) RealtimeURL(path string) string {
	u := a.baseURL + path
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if a.token != "" {
		u += "?access_token=" + url.QueryEscape(a.token)
	}
	return u
}

// StartRequest is the contact form that opens a conversation
type StartRequest struct {
	Email    string                 `json:"email"`
	Name     string                 `json:"name"`
	Message  string                 `json:"message"`
	ClientID string                 `json:"client_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SendRequest is a new message
type SendRequest struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Customer is the anonymous widget side of the API
type Customer struct {
	api *API
}

// Customer returns the widget endpoints
func (a *API) Customer() *Customer {
	return &Customer{api: a}
}

// ActiveConversation returns the active conversation of email with its messages
func (c *Customer) ActiveConversation(ctx context.Context, email string) (*models.Conversation, []models.Message, error) {
	var out struct {
		Conversation *models.Conversation `json:"conversation"`
		Messages     []models.Message     `json:"messages"`
	}
	path := "/api/v1/chat/conversations/active?email=" + url.QueryEscape(email)
	if err := c.api.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Conversation, out.Messages, nil
}

// GetConversation returns a conversation in any status
func (c *Customer) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := c.api.do(ctx, http.MethodGet, "/api/v1/chat/conversations/"+url.PathEscape(id), nil, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

// StartConversation opens a conversation. On ErrActiveConversationExists the
// existing conversation is returned alongside the error.
func (c *Customer) StartConversation(ctx context.Context, req StartRequest) (*models.Conversation, *models.Message, error) {
	var out struct {
		Conversation *models.Conversation `json:"conversation"`
		Message      *models.Message      `json:"message"`
	}
	err := c.api.do(ctx, http.MethodPost, "/api/v1/chat/conversations", req, &out)
	return out.Conversation, out.Message, err
}

// ListMessages returns the messages of a conversation, oldest first
func (c *Customer) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	if err := c.api.do(ctx, http.MethodGet, "/api/v1/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage posts a customer message
func (c *Customer) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*models.Message, error) {
	var message models.Message
	if err := c.api.do(ctx, http.MethodPost, "/api/v1/chat/conversations/"+url.PathEscape(conversationID)+"/messages", req, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// MarkRead marks the operator's messages read and resets the unread count
func (c *Customer) MarkRead(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := c.api.do(ctx, http.MethodPost, "/api/v1/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

// QuickReplies returns the canned replies
func (c *Customer) QuickReplies(ctx context.Context) ([]models.QuickReply, error) {
	var replies []models.QuickReply
	if err := c.api.do(ctx, http.MethodGet, "/api/v1/chat/quick-replies", nil, &replies); err != nil {
		return nil, err
	}
	return replies, nil
}

// Admin is the operator side of the API. It needs a token with the admin role.
type Admin struct {
	api *API
}

// Admin returns the console endpoints
func (a *API) Admin() *Admin {
	return &Admin{api: a}
}

// ListConversations returns conversations matching status (all, active, closed) and search
func (c *Admin) ListConversations(ctx context.Context, status, search string) ([]models.Conversation, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if search != "" {
		q.Set("search", search)
	}
	path := "/api/v1/admin/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var conversations []models.Conversation
	if err := c.api.do(ctx, http.MethodGet, path, nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// ListMessages returns the messages of a conversation, oldest first
func (c *Admin) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	if err := c.api.do(ctx, http.MethodGet, "/api/v1/admin/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead marks the customer's messages read and zeroes the unread count
func (c *Admin) MarkRead(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := c.api.do(ctx, http.MethodPost, "/api/v1/admin/conversations/"+url.PathEscape(conversationID)+"/read", nil, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

// Reply posts an operator message
func (c *Admin) Reply(ctx context.Context, conversationID, content, clientID string) (*models.Message, error) {
	var message models.Message
	body := SendRequest{Content: content, ClientID: clientID}
	if err := c.api.do(ctx, http.MethodPost, "/api/v1/admin/conversations/"+url.PathEscape(conversationID)+"/messages", body, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// SetStatus closes or reopens a conversation
func (c *Admin) SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus, reason string) (*models.Conversation, error) {
	var conversation models.Conversation
	body := map[string]string{"status": string(status)}
	if reason != "" {
		body["closed_reason"] = reason
	}
	if err := c.api.do(ctx, http.MethodPut, "/api/v1/admin/conversations/"+url.PathEscape(conversationID), body, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

// DeleteConversation removes a conversation. The token needs delete:conversations.
func (c *Admin) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.api.do(ctx, http.MethodDelete, "/api/v1/admin/conversations/"+url.PathEscape(conversationID), nil, nil)
}

// MarkMessageRead flips one message to read
func (c *Admin) MarkMessageRead(ctx context.Context, messageID string) (*models.Message, error) {
	var message models.Message
	if err := c.api.do(ctx, http.MethodPut, "/api/v1/admin/messages/"+url.PathEscape(messageID)+"/read", nil, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// TranscriptURL returns a presigned download link for the conversation transcript
func (c *Admin) TranscriptURL(ctx context.Context, conversationID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.api.do(ctx, http.MethodGet, "/api/v1/admin/conversations/"+url.PathEscape(conversationID)+"/transcript", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// QuickReplies returns the canned replies
func (c *Admin) QuickReplies(ctx context.Context) ([]models.QuickReply, error) {
	var replies []models.QuickReply
	if err := c.api.do(ctx, http.MethodGet, "/api/v1/admin/quick-replies", nil, &replies); err != nil {
		return nil, err
	}
	return replies, nil
}

// OnlineOperators returns the operators with an open console
func (c *Admin) OnlineOperators(ctx context.Context) ([]string, error) {
	var out struct {
		Operators []string `json:"operators"`
	}
	if err := c.api.do(ctx, http.MethodGet, "/api/v1/admin/presence", nil, &out); err != nil {
		return nil, err
	}
	return out.Operators, nil
}
