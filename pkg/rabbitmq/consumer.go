package rabbitmq

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// RoutingKeyWebhookRedeliver is the command asking for an administrative webhook retry.
const RoutingKeyWebhookRedeliver = "checkout.webhook.redeliver"

const consumerPrefetch = 8

// Handler processes one delivery body. Returning false asks for a redelivery.
type Handler func(body []byte) bool

// Consumer reads command messages from a durable queue bound to a topic exchange.
type Consumer struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel

	mu        sync.Mutex
	started   bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewConsumer dials RabbitMQ and opens the consuming channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, done: make(chan struct{})}, nil
}

// ConsumeWithBindings declares the queue, binds one routing key per handler and
// dispatches deliveries in a background goroutine. A failed handler gets one
// redelivery; a message that fails again is dropped.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return errors.New("no bindings provided")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("consumer already started")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", routingKey, err)
		}
	}
	if err := c.ch.Qos(consumerPrefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.started = true
	go c.loop(q.Name, deliveries, handlers)
	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" queue=%s bindings=%d", q.Name, len(handlers))
	return nil
}

func (c *Consumer) loop(queue string, deliveries <-chan amqp091.Delivery, handlers map[string]Handler) {
	defer close(c.done)
	for d := range deliveries {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" queue=%s routing_key=%s", queue, d.RoutingKey)
			d.Ack(false)
			continue
		}

		if handleSafely(handler, d.Body) {
			d.Ack(false)
			continue
		}
		if d.Redelivered {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed twice; dropping\" queue=%s routing_key=%s message_id=%q", queue, d.RoutingKey, d.MessageId)
			d.Nack(false, false)
			continue
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" queue=%s routing_key=%s", queue, d.RoutingKey)
		d.Nack(false, true)
	}
}

func handleSafely(handler Handler, body []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler panicked\" panic=%v", r)
			ok = false
		}
	}()
	return handler(body)
}

// Close stops consumption and waits for the delivery loop to exit.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		if c.ch != nil {
			c.ch.Close()
		}
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
	})
}
