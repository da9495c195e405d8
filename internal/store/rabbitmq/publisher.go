package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues

	// amqp channels are not safe for concurrent publishes
	mu sync.Mutex
}

type JobMessage struct {
	JobID string `json:"job_id"`
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q, err := DeclareTopology(ch, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: q}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	msg, err := jobPublishing(jobID, 1, 0)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queues.Main, msg)
}

// PublishRetry parks the job on the retry queue; it returns to the main
// queue once delay expires.
func (p *Publisher) PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	msg, err := jobPublishing(jobID, attempt, delay)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queues.Retry, msg)
}

func (p *Publisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(cctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func jobPublishing(jobID string, attempt int, delay time.Duration) (amqp.Publishing, error) {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return amqp.Publishing{}, err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return msg, nil
}

// DecodeJob extracts the job id and attempt number from a delivery.
func DecodeJob(d amqp.Delivery) (jobID string, attempt int, err error) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return "", 0, err
	}
	if m.JobID == "" {
		return "", 0, fmt.Errorf("job message without job_id")
	}
	return m.JobID, attemptOf(d.Headers), nil
}

func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// RetryDelay doubles from one second and caps at one minute.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
