package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/evently-studio/evently-api/config"
	"github.com/evently-studio/evently-api/middleware"
	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// UpdateUserRequest represents the request body for updating an operator profile
type UpdateUserRequest struct {
	Name  string `json:"name" binding:"omitempty"`
	Email string `json:"email" binding:"omitempty,email"`
}

// CreateUser handles POST /api/v1/users - registers the calling operator from their Auth0 profile
func CreateUser(c *gin.Context) {
	auth0ID, err := middleware.GetUserID(c)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Could not extract user ID from token")
		return
	}

	accessToken, err := middleware.GetAccessToken(c)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "MISSING_TOKEN", "Access token not found")
		return
	}

	auth0Service := services.NewAuth0Service(config.GetConfig())
	userInfo, err := auth0Service.GetUserInfo(c.Request.Context(), accessToken)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "AUTH0_ERROR", "Failed to fetch user information from Auth0")
		return
	}

	if userInfo.Email == "" {
		respondError(c, http.StatusBadRequest, "MISSING_EMAIL", "Email not provided by Auth0")
		return
	}
	if userInfo.Name == "" {
		respondError(c, http.StatusBadRequest, "MISSING_NAME", "Name not provided by Auth0")
		return
	}

	// Role comes from the token; accounts without one are customers
	role := models.RoleCustomer
	if claims, err := middleware.GetClaims(c); err == nil {
		if customClaims, ok := claims.CustomClaims.(*middleware.CustomClaims); ok && customClaims.Role != "" {
			role = customClaims.Role
		}
	}

	user := models.User{
		Auth0ID: auth0ID,
		Name:    userInfo.Name,
		Email:   models.NormalizeEmail(userInfo.Email),
		Role:    role,
	}

	if err := config.GetDB().WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		if isUniqueViolation(err) {
			respondError(c, http.StatusConflict, "USER_EXISTS", "A user with this Auth0 ID or email already exists")
			return
		}
		respondError(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create user")
		return
	}

	respondOK(c, http.StatusCreated, user)
}

// GetMyProfile handles GET /api/v1/users/me
func GetMyProfile(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	respondOK(c, http.StatusOK, user)
}

// UpdateMyProfile handles PUT /api/v1/users/me
func UpdateMyProfile(c *gin.Context) {
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	user, ok := currentUser(c)
	if !ok {
		return
	}

	updates := make(map[string]interface{})
	if name := strings.TrimSpace(req.Name); name != "" {
		updates["name"] = name
	}
	if req.Email != "" {
		updates["email"] = models.NormalizeEmail(req.Email)
	}
	if len(updates) == 0 {
		respondOK(c, http.StatusOK, user)
		return
	}

	db := config.GetDB().WithContext(c.Request.Context())
	if err := db.Model(user).Updates(updates).Error; err != nil {
		if isUniqueViolation(err) {
			respondError(c, http.StatusConflict, "EMAIL_EXISTS", "A user with this email already exists")
			return
		}
		respondError(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update user profile")
		return
	}

	if err := db.First(user, user.ID).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to fetch updated profile")
		return
	}
	respondOK(c, http.StatusOK, user)
}

// currentUser loads the operator behind the request, writing the error response when it cannot
func currentUser(c *gin.Context) (*models.User, bool) {
	auth0ID, err := middleware.GetUserID(c)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Could not extract user information")
		return nil, false
	}

	var user models.User
	if err := config.GetDB().WithContext(c.Request.Context()).Where("auth0_id = ?", auth0ID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "USER_NOT_FOUND", "User profile not found. Please create a profile first.")
			return nil, false
		}
		respondError(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load user profile")
		return nil, false
	}
	return &user, true
}

// isUniqueViolation recognises duplicate key errors from both PostgreSQL and SQLite
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}
