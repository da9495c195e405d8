package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/config"
	"github.com/suPer8Hu/ai-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-chat/internal/logger"
)

const serviceName = "ai-chat"

// NewRouter wires the chat API. Auth is enforced only when a JWT secret is
// configured; otherwise every chat is anonymous.
func NewRouter(cfg config.Config, coord *chat.Coordinator, svc *chat.Service, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	if origins := cfg.Origins(); len(origins) > 0 {
		r.Use(middleware.CORS(origins))
	}
	if cfg.OtelEnabled {
		r.Use(otelgin.Middleware(serviceName))
	}

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(coord, svc, log)

	r.GET("/ping", h.Ping)

	api := r.Group("/")
	if cfg.JWTSecret != "" {
		api.Use(middleware.AuthRequired(cfg.JWTSecret))
	}
	api.POST("/exchange", h.Exchange)
	api.POST("/exchange/:chat_id/abort", h.AbortExchange)
	api.GET("/chats/:chat_id", h.GetChat)
	api.GET("/chats/:chat_id/messages", h.ListMessages)
	api.DELETE("/chats/:chat_id", h.DeleteChat)
	return r
}
