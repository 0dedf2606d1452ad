package controllers

import (
	"errors"
	"net/http"

	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/services"
	"github.com/gin-gonic/gin"
)

// ChatController serves the customer chat widget
type ChatController struct {
	chat     *services.ChatService
	realtime *realtime.Server
}

// NewChatController creates the widget endpoints. rt may be nil when websockets are disabled.
func NewChatController(chat *services.ChatService, rt *realtime.Server) *ChatController {
	return &ChatController{chat: chat, realtime: rt}
}

// StartConversationRequest is the contact form submitted from the widget
type StartConversationRequest struct {
	Email    string                 `json:"email"`
	Name     string                 `json:"name"`
	Message  string                 `json:"message"`
	ClientID string                 `json:"client_id"`
	Metadata map[string]interface{} `json:"metadata"`
}

// CustomerMessageRequest is a message typed into the widget
type CustomerMessageRequest struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
	ClientID string `json:"client_id"`
}

// ActiveConversation handles GET /api/v1/chat/conversations/active?email= - resumes a customer's thread
func (ctl *ChatController) ActiveConversation(c *gin.Context) {
	conversation, err := ctl.chat.FindActiveConversation(c.Request.Context(), c.Query("email"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	messages, err := ctl.chat.ListMessages(c.Request.Context(), conversation.ID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"conversation": conversation,
		"messages":     messages,
	})
}

// GetConversation handles GET /api/v1/chat/conversations/:id
func (ctl *ChatController) GetConversation(c *gin.Context) {
	conversation, err := ctl.chat.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conversation)
}

// StartConversation handles POST /api/v1/chat/conversations - opens a thread with its first message
func (ctl *ChatController) StartConversation(c *gin.Context) {
	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := ctl.chat.StartConversation(c.Request.Context(), services.StartInput{
		Email:    req.Email,
		Name:     req.Name,
		Message:  req.Message,
		ClientID: req.ClientID,
		Metadata: req.Metadata,
	})
	if errors.Is(err, services.ErrActiveConversationExists) && result != nil {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error": gin.H{
				"code":    services.ErrActiveConversationExists.Code,
				"message": services.ErrActiveConversationExists.Message,
			},
			"data": gin.H{"conversation": result.Conversation},
		})
		return
	}
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, result)
}

// ListMessages handles GET /api/v1/chat/conversations/:id/messages
func (ctl *ChatController) ListMessages(c *gin.Context) {
	messages, err := ctl.chat.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, messages)
}

// SendMessage handles POST /api/v1/chat/conversations/:id/messages
func (ctl *ChatController) SendMessage(c *gin.Context) {
	var req CustomerMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	message, err := ctl.chat.SendCustomerMessage(c.Request.Context(), c.Param("id"), services.SendInput{
		Content:  req.Content,
		SenderID: req.SenderID,
		ClientID: req.ClientID,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, message)
}

// MarkRead handles POST /api/v1/chat/conversations/:id/read - the customer opened the widget
func (ctl *ChatController) MarkRead(c *gin.Context) {
	conversation, err := ctl.chat.MarkConversationRead(c.Request.Context(), c.Param("id"), models.SenderCustomer)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conversation)
}

// QuickReplies handles GET /api/v1/chat/quick-replies
func (ctl *ChatController) QuickReplies(c *gin.Context) {
	replies, err := ctl.chat.QuickReplies(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, replies)
}

// Realtime handles GET /api/v1/chat/realtime - websocket limited to a single conversation
func (ctl *ChatController) Realtime(c *gin.Context) {
	if ctl.realtime == nil {
		respondError(c, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime updates are not enabled")
		return
	}
	ctl.realtime.ServeWS(c.Writer, c.Request, realtime.ConnOptions{
		Audience:  realtime.AudienceCustomer,
		Authorize: realtime.CustomerAuthorizer,
	})
}

// Register mounts the widget endpoints on rg (typically /api/v1/chat)
func (ctl *ChatController) Register(rg *gin.RouterGroup) {
	rg.GET("/conversations/active", ctl.ActiveConversation)
	rg.POST("/conversations", ctl.StartConversation)
	rg.GET("/conversations/:id", ctl.GetConversation)
	rg.GET("/conversations/:id/messages", ctl.ListMessages)
	rg.POST("/conversations/:id/messages", ctl.SendMessage)
	rg.POST("/conversations/:id/read", ctl.MarkRead)
	rg.GET("/quick-replies", ctl.QuickReplies)
	rg.GET("/realtime", ctl.Realtime)
}
