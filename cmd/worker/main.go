package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/ai-chat/internal/ai"
	"github.com/suPer8Hu/ai-chat/internal/chat"
	"github.com/suPer8Hu/ai-chat/internal/config"
	"github.com/suPer8Hu/ai-chat/internal/db"
	"github.com/suPer8Hu/ai-chat/internal/logger"
	"github.com/suPer8Hu/ai-chat/internal/observability"
	"github.com/suPer8Hu/ai-chat/internal/store/rabbitmq"
)

// after this many attempts a job goes to the DLQ
const maxAttempts = 5

type jobRunner interface {
	RunTopicJob(ctx context.Context, jobID string) error
}

type retryPublisher interface {
	PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.FromConfig(cfg, "ai-chat-worker"))
	defer func() { _ = shutdownOtel(context.Background()) }()

	gdb, err := db.Connect(cfg.DBDSN, log)
	if err != nil {
		log.Fatal("db connect failed", "error", err)
	}
	repo := chat.NewRepo(gdb)
	gateway := ai.NewGateway(ai.NewRegistryFromConfig(cfg, log), cfg.AIProvider, log)
	svc := chat.NewService(repo, gateway, nil, log)

	retries, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit publisher", "error", err)
	}
	defer retries.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", "error", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", "error", err)
	}
	defer ch.Close()

	queues, err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("queue declare", "error", err)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", "error", err)
	}

	msgs, err := ch.Consume(queues.Main, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", "error", err)
	}

	log.Info("worker started", "queue", queues.Main, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With("worker_id", workerID)
			for d := range jobs {
				handleDelivery(ctx, wlog, svc, retries, d)
			}
		}(i)
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return

		case d, ok := <-msgs:
			if !ok {
				// broker closed the channel; exit so the supervisor restarts us
				log.Error("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery runs one job. Failures are re-published to the retry queue
// with backoff until maxAttempts, then dead-lettered.
func handleDelivery(ctx context.Context, log *logger.Logger, run jobRunner, retries retryPublisher, d amqp.Delivery) {
	jobID, attempt, err := rabbitmq.DecodeJob(d)
	if err != nil {
		log.Warn("bad job message", "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err = run.RunTopicJob(ctx, jobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Error("ack failed", "job_id", jobID, "error", err)
		}
		log.Debug("job done", "job_id", jobID, "attempt", attempt, "cost", time.Since(start))
		return
	}

	if errors.Is(err, chat.ErrNotFound) {
		// chat or job is gone; nothing left to retry
		log.Info("job dropped", "job_id", jobID, "error", err)
		_ = d.Ack(false)
		return
	}
	log.Warn("job failed", "job_id", jobID, "attempt", attempt, "cost", time.Since(start), "error", err)
	if attempt >= maxAttempts {
		_ = d.Nack(false, false)
		return
	}
	delay := rabbitmq.RetryDelay(attempt)
	if perr := retries.PublishRetry(ctx, jobID, attempt+1, delay); perr != nil {
		log.Error("retry publish failed, dead-lettering", "job_id", jobID, "error", perr)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
