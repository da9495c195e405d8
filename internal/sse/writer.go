package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/suPer8Hu/ai-chat/internal/chat"
)

var ErrNoFlusher = errors.New("sse: response writer does not support flushing")

// Writer frames events as `data: <json>\n\n` and flushes each one.
type Writer struct {
	mu    sync.Mutex
	w     http.ResponseWriter
	f     http.Flusher
	began bool
}

func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	return &Writer{w: w, f: f}, nil
}

var _ chat.Emitter = (*Writer)(nil)
var _ chat.Heartbeater = (*Writer)(nil)

// Begin writes the stream headers. Called implicitly by the first write.
func (w *Writer) Begin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.begin()
}

func (w *Writer) begin() {
	if w.began {
		return
	}
	w.began = true
	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // helpful if behind nginx
	w.w.WriteHeader(http.StatusOK)
	w.f.Flush()
}

func (w *Writer) Emit(e chat.Event) error {
	return w.WriteFrame(FromEvent(e))
}

func (w *Writer) WriteFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.begin()
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", b); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}

// Heartbeat writes a comment line that clients skip.
func (w *Writer) Heartbeat() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.begin()
	if _, err := io.WriteString(w.w, ": ping\n\n"); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}
