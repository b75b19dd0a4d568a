package http

import (
	"context"
	"net/http"

	"rillcall/internal/core/services"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// CallController is the slice of the call manager the status API drives.
type CallController interface {
	Status() services.CallStatus
	SetQualityProfile(ctx context.Context, name string) error
	SetAdaptationEnabled(enabled bool)
	ForceReconnect() error
	SendMessage(ctx context.Context, text string) error
	SwitchCamera(ctx context.Context) error
	EndCall(ctx context.Context) error
}

type CallHandler struct {
	call   CallController
	health *monitoring.HealthChecker
}

func NewCallHandler(call CallController, health *monitoring.HealthChecker) *CallHandler {
	return &CallHandler{call: call, health: health}
}

// SetupRoutes registers the call API; guards apply to /api/v1/call only.
func (h *CallHandler) SetupRoutes(router *gin.Engine, guards ...gin.HandlerFunc) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1/call", guards...)
	{
		api.GET("/status", h.GetStatus)
		api.PUT("/profile", h.SetProfile)
		api.PUT("/adaptation", h.SetAdaptation)
		api.POST("/reconnect", h.Reconnect)
		api.POST("/messages", h.SendMessage)
		api.POST("/camera/switch", h.SwitchCamera)
		api.POST("/end", h.End)
	}
}

func (h *CallHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *CallHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.call.Status())
}

func (h *CallHandler) SetProfile(c *gin.Context) {
	var req struct {
		Profile string `json:"profile" binding:"required,max=32"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("profile is required"))
		return
	}

	if err := h.call.SetQualityProfile(c.Request.Context(), req.Profile); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeAdaptationFailed, "failed to apply profile", http.StatusConflict))
		return
	}
	c.JSON(http.StatusOK, h.call.Status())
}

func (h *CallHandler) SetAdaptation(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("enabled is required"))
		return
	}
	h.call.SetAdaptationEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (h *CallHandler) Reconnect(c *gin.Context) {
	if err := h.call.ForceReconnect(); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeTransportFailed, "reconnect not possible", http.StatusConflict))
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *CallHandler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("text is required"))
		return
	}

	if err := h.call.SendMessage(c.Request.Context(), req.Text); err != nil {
		if errors.GetAppError(err) == nil {
			err = errors.NewInvalidInputError(err.Error())
		}
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) SwitchCamera(c *gin.Context) {
	if err := h.call.SwitchCamera(c.Request.Context()); err != nil {
		if errors.GetAppError(err) == nil {
			err = errors.WrapError(err, errors.ErrCodeCameraSwitchFailed, "failed to switch camera", http.StatusConflict)
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.call.Status())
}

func (h *CallHandler) End(c *gin.Context) {
	if err := h.call.EndCall(c.Request.Context()); err != nil {
		c.Error(errors.NewInternalError(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}
