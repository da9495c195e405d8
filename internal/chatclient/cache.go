package chatclient

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/suPer8Hu/ai-chat/internal/chat"
)

const defaultCacheSize = 64

// Cache keeps server-confirmed history per chat, evicting the least recently
// used chat first.
type Cache struct {
	lru *lru.Cache[string, []chat.MessagePair]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	l, err := lru.New[string, []chat.MessagePair](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

func (c *Cache) Get(chatID string) ([]chat.MessagePair, bool) {
	pairs, ok := c.lru.Get(chatID)
	if !ok {
		return nil, false
	}
	return append([]chat.MessagePair(nil), pairs...), true
}

func (c *Cache) Put(chatID string, pairs []chat.MessagePair) {
	c.lru.Add(chatID, append([]chat.MessagePair(nil), pairs...))
}

func (c *Cache) Invalidate(chatID string) {
	c.lru.Remove(chatID)
}

func (c *Cache) Len() int { return c.lru.Len() }
