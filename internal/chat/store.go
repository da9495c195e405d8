package chat

import "context"

// Store is the durable side of an exchange. Terminal transitions are
// conditional, so a late write against a finished pair reports applied=false
// instead of changing it.
type Store interface {
	EnsureChat(ctx context.Context, c *Chat) (*Chat, error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)

	// CreatePair inserts p in sending state, or returns the stored pair with
	// created=false when the id already exists.
	CreatePair(ctx context.Context, p *MessagePair) (pair *MessagePair, created bool, err error)
	Checkpoint(ctx context.Context, pairID, partial string, seq uint64) (applied bool, err error)
	Complete(ctx context.Context, pairID, final, chatTopic string) (applied bool, err error)
	Fail(ctx context.Context, pairID, partial, reason string) (applied bool, err error)

	GetPair(ctx context.Context, pairID string) (*MessagePair, error)
	ListPairs(ctx context.Context, chatID string) ([]MessagePair, error)
}
