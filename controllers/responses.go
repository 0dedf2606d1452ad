package controllers

import (
	"errors"
	"log"
	"net/http"

	"github.com/evently-studio/evently-api/services"
	"github.com/evently-studio/evently-api/utils"
	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "VALIDATION_ERROR",
			"message": "Invalid request data",
			"details": err.Error(),
		},
	})
}

// respondServiceError maps chat service failures onto HTTP statuses
func respondServiceError(c *gin.Context, err error) {
	var verr *utils.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "Invalid request data",
				"fields":  verr.Fields,
			},
		})
		return
	}

	var serr *services.ServiceError
	if !errors.As(err, &serr) {
		log.Printf("Unexpected error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrConversationClosed),
		errors.Is(err, services.ErrActiveConversationExists),
		errors.Is(err, services.ErrConversationConflict):
		status = http.StatusConflict
	case errors.Is(err, services.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, services.ErrTranscriptsDisabled):
		status = http.StatusServiceUnavailable
	default:
		log.Printf("Chat service error on %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	respondError(c, status, serr.Code, serr.Message)
}
