package sse

import "github.com/suPer8Hu/ai-chat/internal/chat"

const (
	StatusStreaming = "streaming"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
)

// Frame is the JSON payload of one `data:` event.
type Frame struct {
	Status        string `json:"status"`
	Content       string `json:"content"`
	ChatTopic     string `json:"chat_topic,omitempty"`
	Error         string `json:"error,omitempty"`
	Reason        string `json:"reason,omitempty"`
	MessagePairID string `json:"message_pair_id,omitempty"`
	Delta         string `json:"delta,omitempty"`
	Seq           uint64 `json:"seq,omitempty"`
}

func (f Frame) Terminal() bool {
	return f.Status == StatusSuccess || f.Status == StatusFailed
}

// FromEvent maps a coordinator event onto its wire frame.
func FromEvent(e chat.Event) Frame {
	f := Frame{
		Content:       e.Content,
		MessagePairID: e.MessagePairID,
		Seq:           e.Seq,
	}
	switch e.Kind {
	case chat.EventIncrement:
		f.Status = StatusStreaming
		f.Delta = e.Delta
	case chat.EventSuccess:
		f.Status = StatusSuccess
		f.ChatTopic = e.ChatTopic
	default:
		f.Status = StatusFailed
		f.Reason = e.Reason
		f.Error = e.Err
		if f.Error == "" {
			f.Error = e.Reason
		}
	}
	return f
}
