package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
//
// Both channels are closed when streaming ends. A failure is sent on the error
// channel before the chunk channel is closed, so a reader that drains chunks and
// then reads the error channel always observes it.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// emit forwards one chunk unless ctx ended first.
func emit(ctx context.Context, chunks chan<- string, s string) bool {
	select {
	case chunks <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
