package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/logger"
)

// Lease extends the one-exchange-per-chat guard across processes.
type Lease interface {
	Acquire(ctx context.Context, chatID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, chatID, owner string) error
}

// session is the in-memory state of one in-flight exchange.
type session struct {
	chatID    string
	pairID    string
	owner     string
	cancel    context.CancelCauseFunc
	startedAt time.Time
	leased    bool

	// owned by the goroutine running the exchange
	buf strings.Builder
	seq uint64
}

type registry struct {
	mu       sync.Mutex
	active   map[string]*session
	lease    Lease
	leaseTTL time.Duration
	log      *logger.Logger
}

func newRegistry(lease Lease, leaseTTL time.Duration, log *logger.Logger) *registry {
	return &registry{
		active:   make(map[string]*session),
		lease:    lease,
		leaseTTL: leaseTTL,
		log:      log,
	}
}

// reserve claims the chat slot or fails with ErrAlreadyStreaming. Lease
// backend errors fall back to the in-process guard.
func (r *registry) reserve(ctx context.Context, chatID string, cancel context.CancelCauseFunc) (*session, error) {
	owner, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	s := &session{chatID: chatID, owner: owner, cancel: cancel, startedAt: time.Now()}

	r.mu.Lock()
	if _, busy := r.active[chatID]; busy {
		r.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	r.active[chatID] = s
	r.mu.Unlock()

	if r.lease == nil {
		return s, nil
	}
	ok, err := r.lease.Acquire(ctx, chatID, owner, r.leaseTTL)
	switch {
	case err != nil:
		r.log.Warn("chat lease unavailable, using local guard only", "chat_id", chatID, "error", err)
	case !ok:
		r.drop(s)
		return nil, ErrAlreadyStreaming
	default:
		s.leased = true
	}
	return s, nil
}

func (r *registry) drop(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[s.chatID]; ok && cur == s {
		delete(r.active, s.chatID)
		return true
	}
	return false
}

// release frees the slot if s still holds it. Safe to call more than once.
func (r *registry) release(s *session) bool {
	if s == nil || !r.drop(s) {
		return false
	}
	if s.leased && r.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.lease.Release(ctx, s.chatID, s.owner); err != nil {
			r.log.Warn("release chat lease", "chat_id", s.chatID, "error", err)
		}
	}
	return true
}

func (r *registry) get(chatID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[chatID]
	return s, ok
}

func (r *registry) setPair(s *session, pairID string) {
	r.mu.Lock()
	s.pairID = pairID
	r.mu.Unlock()
}

func (r *registry) pairOf(s *session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.pairID
}
