package main

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/logger"
)

type ackRecorder struct {
	acks, nacks int
	requeued    bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error { a.acks++; return nil }
func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}
func (a *ackRecorder) Reject(tag uint64, requeue bool) error { a.nacks++; return nil }

type runnerFunc func(ctx context.Context, jobID string) error

func (f runnerFunc) RunTopicJob(ctx context.Context, jobID string) error { return f(ctx, jobID) }

type retryRecorder struct {
	err      error
	attempts []int
	delays   []time.Duration
}

func (r *retryRecorder) PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	r.attempts = append(r.attempts, attempt)
	r.delays = append(r.delays, delay)
	return r.err
}

func delivery(ack amqp.Acknowledger, body string, attempt int32) amqp.Delivery {
	d := amqp.Delivery{Acknowledger: ack, Body: []byte(body)}
	if attempt > 0 {
		d.Headers = amqp.Table{"x-attempt": attempt}
	}
	return d
}

func TestHandleDelivery(t *testing.T) {
	ok := runnerFunc(func(context.Context, string) error { return nil })
	broken := runnerFunc(func(context.Context, string) error { return errors.New("model offline") })
	log := logger.Nop()
	ctx := context.Background()

	t.Run("success acks", func(t *testing.T) {
		ack, rr := &ackRecorder{}, &retryRecorder{}
		handleDelivery(ctx, log, ok, rr, delivery(ack, `{"job_id":"j1"}`, 0))
		if ack.acks != 1 || ack.nacks != 0 || len(rr.attempts) != 0 {
			t.Fatalf("unexpected: %+v %+v", ack, rr)
		}
	})

	t.Run("bad message dead-letters", func(t *testing.T) {
		ack, rr := &ackRecorder{}, &retryRecorder{}
		handleDelivery(ctx, log, ok, rr, delivery(ack, `not json`, 0))
		if ack.nacks != 1 || ack.requeued {
			t.Fatalf("unexpected: %+v", ack)
		}
	})

	t.Run("failure schedules retry", func(t *testing.T) {
		ack, rr := &ackRecorder{}, &retryRecorder{}
		handleDelivery(ctx, log, broken, rr, delivery(ack, `{"job_id":"j1"}`, 2))
		if ack.acks != 1 || len(rr.attempts) != 1 || rr.attempts[0] != 3 || rr.delays[0] != 2*time.Second {
			t.Fatalf("unexpected: %+v %+v", ack, rr)
		}
	})

	t.Run("last attempt dead-letters", func(t *testing.T) {
		ack, rr := &ackRecorder{}, &retryRecorder{}
		handleDelivery(ctx, log, broken, rr, delivery(ack, `{"job_id":"j1"}`, maxAttempts))
		if ack.nacks != 1 || ack.acks != 0 || len(rr.attempts) != 0 {
			t.Fatalf("unexpected: %+v %+v", ack, rr)
		}
	})

	t.Run("missing chat is dropped", func(t *testing.T) {
		gone := runnerFunc(func(context.Context, string) error { return chat.ErrNotFound })
		ack, rr := &ackRecorder{}, &retryRecorder{}
		handleDelivery(ctx, log, gone, rr, delivery(ack, `{"job_id":"j1"}`, 1))
		if ack.acks != 1 || len(rr.attempts) != 0 {
			t.Fatalf("unexpected: %+v %+v", ack, rr)
		}
	})

	t.Run("retry publish failure dead-letters", func(t *testing.T) {
		ack, rr := &ackRecorder{}, &retryRecorder{err: errors.New("channel closed")}
		handleDelivery(ctx, log, broken, rr, delivery(ack, `{"job_id":"j1"}`, 1))
		if ack.nacks != 1 || ack.acks != 0 {
			t.Fatalf("unexpected: %+v", ack)
		}
	})
}
