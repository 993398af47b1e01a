package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lingochat/pkg/logger"

	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	QueueNameVoiceFinalize = "voice_finalize"
	ExchangeName           = "lingochat"
)

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
}

// New RabbitMQ client
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueNameVoiceFinalize, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		QueueNameVoiceFinalize, // queue name
		QueueNameVoiceFinalize, // routing key
		ExchangeName,           // exchange
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("RabbitMQ connected successfully")

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		url:     url,
	}, nil
}

// Publish publishes a message to the queue
func (r *RabbitMQ) Publish(ctx context.Context, queueName string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.channel.PublishWithContext(
		ctx,
		ExchangeName, // exchange
		queueName,    // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Debug("Message published to queue",
		zap.String("queue", queueName),
		zap.String("size", humanize.Bytes(uint64(len(body)))))

	return nil
}

// PublishFinalize publishes a FinalizeTask
func (r *RabbitMQ) PublishFinalize(ctx context.Context, task *FinalizeTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return r.Publish(ctx, QueueNameVoiceFinalize, body)
}

// Consume delivers messages to handler on a pool of concurrency goroutines
// until ctx is cancelled or the channel closes. A handler error requeues the
// delivery.
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, concurrency int, handler func([]byte) error) error {
	if concurrency < 1 {
		concurrency = 1
	}

	err := r.channel.Qos(
		concurrency, // prefetch count
		0,           // prefetch size
		false,       // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := r.channel.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	pool, err := ants.NewPool(concurrency, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("Task handler panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	logger.Info("Starting to consume messages",
		zap.String("queue", queueName),
		zap.Int("concurrency", concurrency))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			wg.Add(1)
			delivery := msg
			if err := pool.Submit(func() {
				defer wg.Done()
				handleDelivery(delivery, handler)
			}); err != nil {
				wg.Done()
				logger.Error("Failed to dispatch message", zap.Error(err))
				delivery.Nack(false, true)
			}
		}
	}
}

func handleDelivery(msg amqp.Delivery, handler func([]byte) error) {
	logger.Debug("Received message", zap.String("size", humanize.Bytes(uint64(len(msg.Body)))))

	if err := handler(msg.Body); err != nil {
		logger.Error("Failed to handle message", zap.Error(err))
		// Reject and requeue
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

// Close RabbitMQ connection
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
