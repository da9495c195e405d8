package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-chat/internal/sse"
)

type ExchangeOptions struct {
	MessagePairID   string `json:"messagePairId"`
	Model           string `json:"model"`
	DominationField string `json:"dominationField"`
	CustomPrompt    string `json:"customPrompt,omitempty"`
}

type ExchangeRequest struct {
	ChatID  string          `json:"chatId"`
	Content string          `json:"content"`
	Options ExchangeOptions `json:"options"`
}

// Exchange starts one exchange and streams it as SSE frames. Failures before
// the stream opens are JSON errors; after that they are failed frames.
func (h *Handler) Exchange(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		h.fail(c, "exchange", err)
		return
	}

	ex, err := h.Coord.StartExchange(c.Request.Context(), chat.ExchangeRequest{
		ChatID:          req.ChatID,
		UserID:          middleware.UserID(c),
		Content:         req.Content,
		MessagePairID:   req.Options.MessagePairID,
		Model:           req.Options.Model,
		DominationField: req.Options.DominationField,
		CustomPrompt:    req.Options.CustomPrompt,
	})
	if err != nil {
		h.fail(c, "start exchange", err)
		return
	}

	w.Begin()
	res := ex.Run(w)
	h.log.Debug("exchange finished",
		"chat_id", req.ChatID,
		"message_pair_id", res.MessagePairID,
		"status", res.Status,
		"reason", res.Reason,
		"request_id", c.GetString(middleware.RequestIDKey),
	)
}

func (h *Handler) AbortExchange(c *gin.Context) {
	chatID := c.Param("chat_id")
	if _, err := h.ChatSvc.ValidateChatOwner(c.Request.Context(), middleware.UserID(c), chatID); err != nil {
		h.fail(c, "abort exchange", err)
		return
	}
	pairID, _ := h.Coord.Active(chatID)
	aborted := h.Coord.Abort(chatID)
	common.OK(c, gin.H{"aborted": aborted, "message_pair_id": pairID})
}
