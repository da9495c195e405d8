package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queues names the three queues behind one job stream.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(name string) Queues {
	return Queues{Main: name, Retry: name + ".retry", DLQ: name + ".dlq"}
}

// DeclareTopology declares main, retry and dead-letter queues. Publisher and
// worker both call it so the queue arguments always agree.
//
// retry: per-message TTL, then dead-letters back to main
// main:  reject/nack(requeue=false) dead-letters to dlq
func DeclareTopology(ch *amqp.Channel, name string) (Queues, error) {
	q := QueuesFor(name)

	if _, err := ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return q, err
	}
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return q, err
	}
	if _, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	}); err != nil {
		return q, err
	}
	return q, nil
}
