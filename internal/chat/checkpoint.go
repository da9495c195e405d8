package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/suPer8Hu/ai-chat/internal/logger"
)

type snapshot struct {
	content string
	seq     uint64
}

// checkpointer writes partial content in the background at a bounded rate.
// The first offer is always written; later offers pass when the limiter allows
// or enough new characters arrived. Offers that arrive while a write is in
// progress replace each other, so at most one snapshot ever waits.
type checkpointer struct {
	store   Store
	pairID  string
	limiter *rate.Limiter
	chars   int
	log     *logger.Logger

	started bool
	lastLen int
	// offers shorter than floor would shrink content already stored
	floor int

	pending chan snapshot
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newCheckpointer(ctx context.Context, store Store, pairID string, interval time.Duration, chars int, log *logger.Logger) *checkpointer {
	c := &checkpointer{
		store:   store,
		pairID:  pairID,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		chars:   chars,
		log:     log,
		pending: make(chan snapshot, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.loop(ctx)
	return c
}

func (c *checkpointer) offer(content string, seq uint64) {
	if strings.TrimSpace(content) == "" || len(content) < c.floor {
		return
	}
	switch {
	case !c.started:
		c.started = true
		c.limiter.Allow()
	case c.chars > 0 && len(content)-c.lastLen >= c.chars:
	case c.limiter.Allow():
	default:
		return
	}
	c.lastLen = len(content)

	s := snapshot{content: content, seq: seq}
	select {
	case c.pending <- s:
	default:
		// latest wins
		select {
		case <-c.pending:
		default:
		}
		select {
		case c.pending <- s:
		default:
		}
	}
}

func (c *checkpointer) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		case s := <-c.pending:
			if _, err := c.store.Checkpoint(ctx, c.pairID, s.content, s.seq); err != nil && ctx.Err() == nil {
				c.log.Warn("checkpoint failed", "message_pair_id", c.pairID, "seq", s.seq, "error", err)
			}
		}
	}
}

// stop waits for an in-progress write and discards anything still pending.
func (c *checkpointer) stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}
