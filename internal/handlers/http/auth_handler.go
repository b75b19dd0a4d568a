package http

import (
	"net/http"
	"strings"

	"rillcall/internal/core/domain"
	"rillcall/pkg/errors"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// TokenIssuer mints relay tokens.
type TokenIssuer interface {
	GenerateToken(userID domain.UserID) (string, error)
}

type AuthHandler struct {
	issuer    TokenIssuer
	expiresIn int
}

func NewAuthHandler(issuer TokenIssuer, expiresInSeconds int) *AuthHandler {
	return &AuthHandler{
		issuer:    issuer,
		expiresIn: expiresInSeconds,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID string `json:"user_id" binding:"max=100"`
}

// IssueToken returns a relay token for the requested user id, generating
// one when the request leaves it empty.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = utils.GenerateUserID()
	}
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.issuer.GenerateToken(domain.UserID(req.UserID))
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":      req.UserID,
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   h.expiresIn,
	})
}
