package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/logger"
)

type Handler struct {
	Coord   *chat.Coordinator
	ChatSvc *chat.Service
	log     *logger.Logger
}

func NewHandler(coord *chat.Coordinator, svc *chat.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Coord: coord, ChatSvc: svc, log: log.With("component", "httpapi")}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// fail maps chat errors onto the JSON envelope. Only valid before a stream
// response has begun.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 10001, err.Error())
	case errors.Is(err, chat.ErrAlreadyStreaming):
		common.Fail(c, http.StatusConflict, 40901, "an exchange is already streaming for this chat")
	case errors.Is(err, chat.ErrConflict):
		common.Fail(c, http.StatusConflict, 40902, "message pair id belongs to another chat")
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "chat not found")
	default:
		h.log.Error(op+" failed", "error", err, "path", c.Request.URL.Path)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
