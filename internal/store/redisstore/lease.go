package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "chat:streaming:"

// releaseScript deletes the lease only while the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a cross-process "one stream per chat" lock backed by SET NX PX.
type Lease struct {
	rdb    *goredis.Client
	prefix string
}

func New(addr, password string, db int) *Lease {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	return &Lease{rdb: rdb, prefix: defaultPrefix}
}

func (l *Lease) key(chatID string) string {
	return l.prefix + strings.TrimSpace(chatID)
}

func (l *Lease) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.rdb.Ping(cctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Acquire reports false when another owner holds the chat.
func (l *Lease) Acquire(ctx context.Context, chatID, owner string, ttl time.Duration) (bool, error) {
	if chatID == "" || owner == "" {
		return false, fmt.Errorf("lease: chat id and owner required")
	}
	ok, err := l.rdb.SetNX(ctx, l.key(chatID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", chatID, err)
	}
	return ok, nil
}

func (l *Lease) Release(ctx context.Context, chatID, owner string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key(chatID)}, owner).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("lease release %s: %w", chatID, err)
	}
	return nil
}

func (l *Lease) Close() error {
	if l == nil || l.rdb == nil {
		return nil
	}
	return l.rdb.Close()
}
