package middleware

import (
	"net/http"
	"strings"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"
	"rillcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const UserIDKey = "user_id"

// tokenVisibleChars is how much of a rejected token may appear in logs.
const tokenVisibleChars = 6

// MaskToken hides all but the first few characters of a bearer token.
func MaskToken(token string) string {
	return utils.MaskSensitive(token, tokenVisibleChars)
}

// BearerToken extracts the token from the Authorization header, falling
// back to the token query parameter browsers use for websocket upgrades.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func AuthMiddleware(validator ports.TokenValidator, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			abortWithError(c, errors.NewUnauthorizedError("bearer token required"))
			return
		}

		userID, err := validator.ValidateToken(token)
		if err != nil {
			logger.Infow("request rejected",
				"path", c.Request.URL.Path,
				"token", MaskToken(token),
				"error", err,
			)
			abortWithError(c, errors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// OptionalAuthMiddleware records the user when a valid token is present
// and lets anonymous requests through.
func OptionalAuthMiddleware(validator ports.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := BearerToken(c.Request); token != "" {
			if userID, err := validator.ValidateToken(token); err == nil {
				c.Set(UserIDKey, userID)
			}
		}
		c.Next()
	}
}

// UserID returns the authenticated user recorded by the auth middleware.
func UserID(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	userID, ok := v.(domain.UserID)
	return userID, ok && userID != ""
}
