package chatclient

import (
	"sync"

	"github.com/suPer8Hu/ai-chat/internal/sse"
)

type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
)

func (s State) Resolved() bool { return s == StateSuccess || s == StateFailed }

// Entry is the client's view of one message pair.
type Entry struct {
	ChatID           string
	MessagePairID    string
	UserContent      string
	AssistantContent string
	State            State
	ChatTopic        string
	Reason           string
	Seq              uint64
}

// Reconciler merges optimistic local entries with server frames. Once an
// entry resolves, later frames for it are ignored.
type Reconciler struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewReconciler() *Reconciler {
	return &Reconciler{entries: make(map[string]*Entry)}
}

// Begin registers a pending entry. A failed entry is reset to pending so the
// same pair can be retried; any other existing entry is returned unchanged.
func (r *Reconciler) Begin(chatID, pairID, userContent string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[pairID]; ok {
		if e.State == StateFailed {
			e.State = StatePending
			e.AssistantContent = ""
			e.Reason = ""
			e.Seq = 0
		}
		return *e
	}
	e := &Entry{ChatID: chatID, MessagePairID: pairID, UserContent: userContent, State: StatePending}
	r.entries[pairID] = e
	return *e
}

// Apply folds one frame into the entry for pairID. changed is false for
// unknown pairs, resolved entries and stale frames.
func (r *Reconciler) Apply(pairID string, f sse.Frame) (e Entry, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[pairID]
	if !ok {
		return Entry{}, false
	}
	if cur.State.Resolved() {
		return *cur, false
	}

	switch f.Status {
	case sse.StatusStreaming:
		if f.Seq != 0 && f.Seq <= cur.Seq {
			return *cur, false
		}
		next := cur.AssistantContent + f.Delta
		// content is cumulative and wins over local appends
		if f.Delta == "" || (f.Content != "" && f.Content != next) {
			next = f.Content
		}
		cur.AssistantContent = next
		cur.State = StateStreaming
		if f.Seq != 0 {
			cur.Seq = f.Seq
		}
	case sse.StatusSuccess:
		cur.AssistantContent = f.Content
		cur.ChatTopic = f.ChatTopic
		cur.State = StateSuccess
		cur.Reason = ""
	case sse.StatusFailed:
		if f.Content != "" {
			cur.AssistantContent = f.Content
		}
		cur.Reason = f.Reason
		if cur.Reason == "" {
			cur.Reason = f.Error
		}
		cur.State = StateFailed
	default:
		return *cur, false
	}
	return *cur, true
}

// Drop resolves an unfinished entry as failed, keeping whatever text arrived.
func (r *Reconciler) Drop(pairID, reason string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[pairID]
	if !ok {
		return Entry{}, false
	}
	if cur.State.Resolved() {
		return *cur, false
	}
	cur.State = StateFailed
	cur.Reason = reason
	return *cur, true
}

func (r *Reconciler) Get(pairID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pairID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Forget removes a resolved entry once the caller no longer needs it.
func (r *Reconciler) Forget(pairID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[pairID]; ok && e.State.Resolved() {
		delete(r.entries, pairID)
	}
}
