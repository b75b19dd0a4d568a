package http

import (
	"net/http"
	"time"

	"rillcall/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// RelayEndpoint is the websocket side of the relay server.
type RelayEndpoint interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	Connections() int
}

type RelayHandler struct {
	relay  RelayEndpoint
	health *monitoring.HealthChecker
}

func NewRelayHandler(relay RelayEndpoint, health *monitoring.HealthChecker) *RelayHandler {
	return &RelayHandler{relay: relay, health: health}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", h.WebSocket)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *RelayHandler) WebSocket(c *gin.Context) {
	h.relay.HandleWebSocket(c.Writer, c.Request)
}

func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": h.relay.Connections(),
	})
}

func (h *RelayHandler) Ready(c *gin.Context) {
	status := h.health.GetReadinessStatus(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
