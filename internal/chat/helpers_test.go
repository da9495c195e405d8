package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/suPer8Hu/ai-chat/internal/ai"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// each test owns one private in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// gatewayFunc lets a test script each Complete call.
type gatewayFunc func(ctx context.Context, history []ai.Message, system, model string) (<-chan string, <-chan error)

func (f gatewayFunc) Complete(ctx context.Context, history []ai.Message, system, model string) (<-chan string, <-chan error) {
	return f(ctx, history, system, model)
}

// streamOf returns a finished stream of chunks followed by err.
func streamOf(err error, chunks ...string) (<-chan string, <-chan error) {
	out := make(chan string, len(chunks))
	errs := make(chan error, 1)
	for _, c := range chunks {
		out <- c
	}
	if err != nil {
		errs <- err
	}
	close(errs)
	close(out)
	return out, errs
}

// stallAfter sends chunks, then blocks until ctx ends.
func stallAfter(ctx context.Context, chunks ...string) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return out, errs
}

// scripted replays one stream per call and records what each call received.
type scripted struct {
	mu       sync.Mutex
	calls    int
	systems  []string
	history  [][]ai.Message
	attempts [][]string
}

func (s *scripted) Complete(ctx context.Context, history []ai.Message, system, model string) (<-chan string, <-chan error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.systems = append(s.systems, system)
	s.history = append(s.history, history)
	var chunks []string
	if i < len(s.attempts) {
		chunks = s.attempts[i]
	}
	s.mu.Unlock()
	return streamOf(nil, chunks...)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recorder struct {
	mu       sync.Mutex
	events   []Event
	beats    int
	failWith error
	notify   chan Event
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan Event, 64)}
}

func (r *recorder) Emit(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	err := r.failWith
	r.mu.Unlock()
	select {
	case r.notify <- e:
	default:
	}
	return err
}

func (r *recorder) Heartbeat() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats++
	return nil
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitIncrements(t *testing.T, n int) {
	t.Helper()
	seen := 0
	timeout := time.After(2 * time.Second)
	for seen < n {
		select {
		case e := <-r.notify:
			if e.Kind == EventIncrement {
				seen++
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d increments, saw %d", n, seen)
		}
	}
}

// flakyStore injects failures into selected Store calls.
type flakyStore struct {
	*Repo
	mu              sync.Mutex
	createFailures  int
	completeFailure int
	completeErr     error
	checkpoints     []snapshot
	checkpointed    chan struct{}
}

func (s *flakyStore) CreatePair(ctx context.Context, p *MessagePair) (*MessagePair, bool, error) {
	s.mu.Lock()
	if s.createFailures > 0 {
		s.createFailures--
		s.mu.Unlock()
		return nil, false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Repo.CreatePair(ctx, p)
}

func (s *flakyStore) Complete(ctx context.Context, pairID, final, topic string) (bool, error) {
	s.mu.Lock()
	if s.completeErr != nil || s.completeFailure > 0 {
		if s.completeFailure > 0 {
			s.completeFailure--
		}
		err := s.completeErr
		if err == nil {
			err = errors.New("deadlock found")
		}
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()
	return s.Repo.Complete(ctx, pairID, final, topic)
}

func (s *flakyStore) Checkpoint(ctx context.Context, pairID, partial string, seq uint64) (bool, error) {
	applied, err := s.Repo.Checkpoint(ctx, pairID, partial, seq)
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, snapshot{content: partial, seq: seq})
	s.mu.Unlock()
	if s.checkpointed != nil {
		select {
		case s.checkpointed <- struct{}{}:
		default:
		}
	}
	return applied, err
}

func (s *flakyStore) Checkpoints() []snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]snapshot(nil), s.checkpoints...)
}

func testConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Timeout:            2 * time.Second,
		CheckpointInterval: 10 * time.Millisecond,
		CheckpointChars:    256,
		HeartbeatInterval:  time.Hour,
		ContextWindow:      20,
		RetryBaseDelay:     time.Millisecond,
	}
}

func mustPair(t *testing.T, repo *Repo, id string) *MessagePair {
	t.Helper()
	p, err := repo.GetPair(context.Background(), id)
	if err != nil {
		t.Fatalf("get pair %s: %v", id, err)
	}
	return p
}
