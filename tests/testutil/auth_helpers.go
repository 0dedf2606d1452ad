package testutil

import (
	"strings"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/evently-studio/evently-api/middleware"
	"github.com/gin-gonic/gin"
)

// MockValidatedClaims creates the claims an Auth0 access token would carry
func MockValidatedClaims(subject, role string, scopes []string) *validator.ValidatedClaims {
	return &validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{
			Issuer:  "https://evently-test.us.auth0.com/",
			Subject: subject,
		},
		CustomClaims: &middleware.CustomClaims{
			Scope: strings.Join(scopes, " "),
			Role:  role,
		},
	}
}

// SetMockAuthContext marks the request as authenticated the way EnsureValidToken does
func SetMockAuthContext(c *gin.Context, subject, role string, scopes []string) {
	c.Set("user_id", subject)
	c.Set("validated_claims", MockValidatedClaims(subject, role, scopes))
}

// MockAuth stands in for EnsureValidToken in routers built by tests
func MockAuth(subject, role string, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		SetMockAuthContext(c, subject, role, scopes)
		c.Next()
	}
}
