package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/sse"
)

func init() { gin.SetMode(gin.TestMode) }

type exchangeCapture struct {
	mu   sync.Mutex
	body exchangeBody
}

func streamServer(t *testing.T, capture *exchangeCapture, script func(w *sse.Writer, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			capture.mu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&capture.body)
			capture.mu.Unlock()
		}
		sw, err := sse.NewWriter(w)
		if err != nil {
			t.Errorf("writer: %v", err)
			return
		}
		sw.Begin()
		script(sw, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSend_Success(t *testing.T) {
	capture := &exchangeCapture{}
	srv := streamServer(t, capture, func(w *sse.Writer, r *http.Request) {
		_ = w.WriteFrame(sse.Frame{Status: sse.StatusStreaming, Delta: "4", Content: "4", Seq: 1})
		_ = w.WriteFrame(sse.Frame{Status: sse.StatusSuccess, Content: "4", ChatTopic: "What is 2+2?"})
	})

	c, err := New(srv.URL)
	require.NoError(t, err)
	c.cache.Put("c1", []chat.MessagePair{{MessagePairID: "old"}})

	var states []State
	e, err := c.Send(context.Background(), SendRequest{ChatID: "c1", Content: "What is 2+2?", Model: "llama3"}, func(e Entry) {
		states = append(states, e.State)
	})
	require.NoError(t, err)
	require.Equal(t, StateSuccess, e.State)
	require.Equal(t, "4", e.AssistantContent)
	require.Equal(t, "What is 2+2?", e.ChatTopic)
	require.Equal(t, []State{StatePending, StateStreaming, StateSuccess}, states)

	capture.mu.Lock()
	require.Equal(t, "c1", capture.body.ChatID)
	require.Equal(t, "llama3", capture.body.Options.Model)
	require.NotEmpty(t, capture.body.Options.MessagePairID, "client generates a pair id")
	require.Equal(t, e.MessagePairID, capture.body.Options.MessagePairID)
	capture.mu.Unlock()

	_, cached := c.cache.Get("c1")
	require.False(t, cached, "success invalidates the chat's cached history")
}

func TestSend_DroppedConnection(t *testing.T) {
	srv := streamServer(t, nil, func(w *sse.Writer, r *http.Request) {
		_ = w.WriteFrame(sse.Frame{Status: sse.StatusStreaming, Delta: "Hello, ", Content: "Hello, ", Seq: 1})
	})
	c, err := New(srv.URL)
	require.NoError(t, err)

	e, err := c.Send(context.Background(), SendRequest{ChatID: "c1", Content: "hi", MessagePairID: "p1", Model: "m"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, e.State)
	require.Equal(t, ReasonDropped, e.Reason)
	require.Equal(t, "Hello, ", e.AssistantContent)
	require.Equal(t, "hi", e.UserContent)
}

func TestSend_IdleTimeout(t *testing.T) {
	srv := streamServer(t, nil, func(w *sse.Writer, r *http.Request) {
		_ = w.WriteFrame(sse.Frame{Status: sse.StatusStreaming, Delta: "x", Content: "x", Seq: 1})
		<-r.Context().Done()
	})
	c, err := New(srv.URL, WithIdleTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	e, err := c.Send(context.Background(), SendRequest{ChatID: "c1", Content: "hi", MessagePairID: "p1", Model: "m"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, e.State)
	require.Equal(t, ReasonIdleTimeout, e.Reason)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSend_HeartbeatsKeepStreamAlive(t *testing.T) {
	srv := streamServer(t, nil, func(w *sse.Writer, r *http.Request) {
		for i := 0; i < 8; i++ {
			time.Sleep(20 * time.Millisecond)
			_ = w.Heartbeat()
		}
		_ = w.WriteFrame(sse.Frame{Status: sse.StatusSuccess, Content: "slow but fine"})
	})
	c, err := New(srv.URL, WithIdleTimeout(80*time.Millisecond))
	require.NoError(t, err)

	e, err := c.Send(context.Background(), SendRequest{ChatID: "c1", Content: "hi", MessagePairID: "p1", Model: "m"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, e.State)
	require.Equal(t, "slow but fine", e.AssistantContent)
}

func TestSend_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(common.Envelope[any]{Code: 40901, Message: "an exchange is already streaming for this chat"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	e, err := c.Send(context.Background(), SendRequest{ChatID: "c1", Content: "hi", MessagePairID: "p1", Model: "m"}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)
	require.Equal(t, 40901, apiErr.Code)
	require.Equal(t, StateFailed, e.State)
	require.Equal(t, ReasonRejected, e.Reason)
}

func TestSend_RetrySamePairAfterRejection(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(common.Envelope[any]{Code: 40901, Message: "an exchange is already streaming for this chat"})
			return
		}
		sw, err := sse.NewWriter(w)
		if err != nil {
			t.Errorf("writer: %v", err)
			return
		}
		sw.Begin()
		_ = sw.WriteFrame(sse.Frame{Status: sse.StatusStreaming, Delta: "4", Content: "4", Seq: 1})
		_ = sw.WriteFrame(sse.Frame{Status: sse.StatusSuccess, Content: "4"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	req := SendRequest{ChatID: "c1", Content: "What is 2+2?", MessagePairID: "p1", Model: "m"}

	first, err := c.Send(context.Background(), req, nil)
	require.Error(t, err)
	require.Equal(t, StateFailed, first.State)
	require.Equal(t, ReasonRejected, first.Reason)

	retry, err := c.Send(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, retry.State)
	require.Equal(t, "4", retry.AssistantContent)
	require.Empty(t, retry.Reason)
	require.EqualValues(t, 2, posts.Load())
}

func TestSend_FailedFrameInvalidatesHistory(t *testing.T) {
	srv := streamServer(t, nil, func(w *sse.Writer, r *http.Request) {
		_ = w.WriteFrame(sse.Frame{Status: sse.StatusStreaming, Delta: "part", Content: "part", Seq: 1})
		_ = w.WriteFrame(sse.Frame{Status: sse.StatusFailed, Content: "part", Reason: "timeout"})
	})
	c, err := New(srv.URL)
	require.NoError(t, err)
	c.cache.Put("c1", []chat.MessagePair{{MessagePairID: "old"}})

	e, err := c.Send(context.Background(), SendRequest{ChatID: "c1", Content: "hi", MessagePairID: "p1", Model: "m"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, e.State)
	require.Equal(t, "part", e.AssistantContent)

	_, cached := c.cache.Get("c1")
	require.False(t, cached, "a persisted failure must show up in history")
}

func TestHistoryAndAbort(t *testing.T) {
	var gets atomic.Int32
	r := gin.New()
	r.GET("/chats/:chat_id/messages", func(c *gin.Context) {
		gets.Add(1)
		if got := c.GetHeader("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		common.OK(c, gin.H{"chat_id": c.Param("chat_id"), "messages": []chat.MessagePair{
			{MessagePairID: "p1", ChatID: "c1", UserContent: "hi", AssistantContent: "hello", Status: chat.StatusSuccess},
		}})
	})
	r.POST("/exchange/:chat_id/abort", func(c *gin.Context) {
		common.OK(c, gin.H{"aborted": c.Param("chat_id") == "c1"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, err := New(srv.URL, WithToken("tok"))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		pairs, err := c.History(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		require.Equal(t, "hello", pairs[0].AssistantContent)
	}
	require.EqualValues(t, 1, gets.Load(), "second read is served from cache")

	ok, err := c.Abort(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Abort(ctx, "c2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHistory_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(common.Envelope[any]{Code: 40401, Message: "chat not found"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.History(context.Background(), "c1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 40401, apiErr.Code)
}
