package controllers

import (
	"net/http"

	"github.com/evently-studio/evently-api/middleware"
	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/services"
	"github.com/gin-gonic/gin"
)

// AdminChatController serves the admin chat console
type AdminChatController struct {
	chat     *services.ChatService
	reaper   *services.Reaper
	presence realtime.Presence
	realtime *realtime.Server
}

// NewAdminChatController creates the console endpoints. reaper, presence and rt may be nil.
func NewAdminChatController(chat *services.ChatService, reaper *services.Reaper, presence realtime.Presence, rt *realtime.Server) *AdminChatController {
	return &AdminChatController{chat: chat, reaper: reaper, presence: presence, realtime: rt}
}

// AdminReplyRequest is an operator reply
type AdminReplyRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

// UpdateConversationRequest closes or reopens a conversation
type UpdateConversationRequest struct {
	Status       models.ConversationStatus `json:"status" binding:"required"`
	ClosedReason string                    `json:"closed_reason"`
}

// ListConversations handles GET /api/v1/admin/conversations?status=&search=
func (ctl *AdminChatController) ListConversations(c *gin.Context) {
	conversations, err := ctl.chat.ListConversations(c.Request.Context(), services.ConversationFilter{
		Status: c.Query("status"),
		Search: c.Query("search"),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conversations)
}

// ListMessages handles GET /api/v1/admin/conversations/:id/messages
func (ctl *AdminChatController) ListMessages(c *gin.Context) {
	messages, err := ctl.chat.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, messages)
}

// MarkRead handles POST /api/v1/admin/conversations/:id/read - an operator opened the conversation
func (ctl *AdminChatController) MarkRead(c *gin.Context) {
	conversation, err := ctl.chat.MarkConversationRead(c.Request.Context(), c.Param("id"), models.SenderAdmin)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conversation)
}

// Reply handles POST /api/v1/admin/conversations/:id/messages
func (ctl *AdminChatController) Reply(c *gin.Context) {
	operatorID, err := middleware.GetUserID(c)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Could not extract user information")
		return
	}

	var req AdminReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	message, err := ctl.chat.SendAdminMessage(c.Request.Context(), c.Param("id"), services.SendInput{
		Content:  req.Content,
		SenderID: operatorID,
		ClientID: req.ClientID,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, message)
}

// UpdateConversation handles PUT /api/v1/admin/conversations/:id - close or reopen
func (ctl *AdminChatController) UpdateConversation(c *gin.Context) {
	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	conversation, err := ctl.chat.SetStatus(c.Request.Context(), c.Param("id"), req.Status, req.ClosedReason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conversation)
}

// DeleteConversation handles DELETE /api/v1/admin/conversations/:id
func (ctl *AdminChatController) DeleteConversation(c *gin.Context) {
	if err := ctl.chat.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"id": c.Param("id")})
}

// MarkMessageRead handles PUT /api/v1/admin/messages/:id/read
func (ctl *AdminChatController) MarkMessageRead(c *gin.Context) {
	message, err := ctl.chat.MarkMessageRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, message)
}

// Transcript handles GET /api/v1/admin/conversations/:id/transcript
func (ctl *AdminChatController) Transcript(c *gin.Context) {
	url, err := ctl.chat.TranscriptURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"url": url})
}

// QuickReplies handles GET /api/v1/admin/quick-replies
func (ctl *AdminChatController) QuickReplies(c *gin.Context) {
	replies, err := ctl.chat.QuickReplies(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, replies)
}

// Presence handles GET /api/v1/admin/presence - operators with an open console
func (ctl *AdminChatController) Presence(c *gin.Context) {
	operators := []string{}
	if ctl.presence != nil {
		online, err := ctl.presence.Online(c.Request.Context())
		if err != nil {
			respondError(c, http.StatusInternalServerError, "PRESENCE_ERROR", "Failed to load operator presence")
			return
		}
		operators = online
	}
	respondOK(c, http.StatusOK, gin.H{
		"online":    len(operators),
		"operators": operators,
	})
}

// RunReaper handles POST /api/v1/admin/reaper/run - closes idle conversations now
func (ctl *AdminChatController) RunReaper(c *gin.Context) {
	if ctl.reaper == nil {
		respondError(c, http.StatusServiceUnavailable, "REAPER_DISABLED", "The idle conversation reaper is disabled")
		return
	}
	closed, err := ctl.reaper.RunNow(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"closed":        len(closed),
		"conversations": closed,
	})
}

// Realtime handles GET /api/v1/admin/realtime - websocket for the console
func (ctl *AdminChatController) Realtime(c *gin.Context) {
	if ctl.realtime == nil {
		respondError(c, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime updates are not enabled")
		return
	}
	operatorID, _ := middleware.GetUserID(c)
	ctl.realtime.ServeWS(c.Writer, c.Request, realtime.ConnOptions{
		Audience:   realtime.AudienceAdmin,
		Authorize:  realtime.AdminAuthorizer,
		OperatorID: operatorID,
	})
}

// Register mounts the console endpoints on rg (typically /api/v1/admin, behind
// the JWT and admin role middleware). Deleting a conversation additionally
// needs the delete:conversations scope.
func (ctl *AdminChatController) Register(rg *gin.RouterGroup) {
	rg.GET("/conversations", ctl.ListConversations)
	rg.GET("/conversations/:id/messages", ctl.ListMessages)
	rg.POST("/conversations/:id/read", ctl.MarkRead)
	rg.POST("/conversations/:id/messages", ctl.Reply)
	rg.PUT("/conversations/:id", ctl.UpdateConversation)
	rg.DELETE("/conversations/:id", middleware.RequireScope("delete:conversations"), ctl.DeleteConversation)
	rg.GET("/conversations/:id/transcript", ctl.Transcript)
	rg.PUT("/messages/:id/read", ctl.MarkMessageRead)
	rg.GET("/quick-replies", ctl.QuickReplies)
	rg.GET("/presence", ctl.Presence)
	rg.POST("/reaper/run", ctl.RunReaper)
	rg.GET("/realtime", ctl.Realtime)
}
