package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/httpapi/middleware"
)

type ChatView struct {
	*chat.Chat
	Streaming    bool   `json:"streaming"`
	ActivePairID string `json:"active_message_pair_id,omitempty"`
}

func (h *Handler) GetChat(c *gin.Context) {
	chatID := c.Param("chat_id")
	ch, err := h.ChatSvc.GetChat(c.Request.Context(), middleware.UserID(c), chatID)
	if err != nil {
		h.fail(c, "get chat", err)
		return
	}
	pairID, streaming := h.Coord.Active(chatID)
	common.OK(c, ChatView{Chat: ch, Streaming: streaming, ActivePairID: pairID})
}

type ListPairsResponse struct {
	ChatID   string             `json:"chat_id"`
	Messages []chat.MessagePair `json:"messages"`
}

func (h *Handler) ListMessages(c *gin.Context) {
	chatID := c.Param("chat_id")
	pairs, err := h.ChatSvc.ListPairs(c.Request.Context(), middleware.UserID(c), chatID)
	if err != nil {
		h.fail(c, "list messages", err)
		return
	}
	if pairs == nil {
		pairs = []chat.MessagePair{}
	}
	common.OK(c, ListPairsResponse{ChatID: chatID, Messages: pairs})
}

// DeleteChat stops any in-flight exchange before removing the chat.
func (h *Handler) DeleteChat(c *gin.Context) {
	chatID := c.Param("chat_id")
	uid := middleware.UserID(c)
	if _, err := h.ChatSvc.ValidateChatOwner(c.Request.Context(), uid, chatID); err != nil {
		h.fail(c, "delete chat", err)
		return
	}
	h.Coord.Abort(chatID)
	if err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, chatID); err != nil {
		h.fail(c, "delete chat", err)
		return
	}
	common.OK(c, gin.H{"chat_id": chatID, "deleted": true})
}
