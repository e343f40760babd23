package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/examroom/internal/response"
	"github.com/stemsi/examroom/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

var errNoToken = errors.New("authorization header or token query required")

// TokenValidator is what the JWT middleware needs from the auth service.
type TokenValidator interface {
	ValidateToken(tokenStr string) (*service.Claims, error)
}

// RequireStudentJWT validates a student JWT from the Authorization header or
// the token query parameter. Browsers cannot set headers on WebSocket
// upgrades, so the stream endpoint relies on the query form.
func RequireStudentJWT(auth TokenValidator) gin.HandlerFunc {
	return requireToken(auth, service.TokenTypeStudent, response.ErrStudentAccessOnly)
}

// RequireAdminJWT validates an admin JWT from the Authorization header or
// the token query parameter (EventSource cannot send headers).
func RequireAdminJWT(auth TokenValidator) gin.HandlerFunc {
	return requireToken(auth, service.TokenTypeAdmin, response.ErrAdminAccessOnly)
}

func requireToken(auth TokenValidator, want service.TokenType, wrongType response.ErrCode) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, auth)
		if err != nil {
			code := response.ErrTokenInvalid
			if errors.Is(err, errNoToken) {
				code = response.ErrTokenRequired
			}
			response.AbortFail(c, http.StatusUnauthorized, code)
			return
		}

		if claims.TokenType != want {
			response.AbortFail(c, http.StatusForbidden, wrongType)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func extractAndValidateClaims(c *gin.Context, auth TokenValidator) (*service.Claims, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = strings.TrimSpace(parts[1])
		}
	}

	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return nil, errNoToken
	}

	return auth.ValidateToken(tokenStr)
}
