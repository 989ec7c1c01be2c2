package queue

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"clipfarm/manager-go/internal/utils"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue names used by the farm.
const (
	PostResults = "clipfarm.post_results"
	ClipsAdded  = "clipfarm.clips_added"
	Triggers    = "clipfarm.triggers"
)

// Client is a single AMQP channel shared by publishers and pollers.
type Client struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

type Message struct {
	Body []byte
	ack  func(bool) error
	nack func(bool, bool) error
}

func New(url string) (*Client, error) {
	utils.Info("queue connect", "url", redactURL(url))
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{conn: conn, ch: ch, declared: map[string]bool{}}, nil
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if parsed.User == nil {
		return parsed.String()
	}
	username := parsed.User.Username()
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(username, "REDACTED")
	} else {
		parsed.User = url.User(username)
	}
	return parsed.String()
}

func (c *Client) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// ensureQueue declares a durable queue once per client. Callers hold c.mu.
func (c *Client) ensureQueue(name string) error {
	if c.declared[name] {
		return nil
	}
	utils.Debug("queue ensure", "queue", name)
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return err
	}
	c.declared[name] = true
	return nil
}

func (c *Client) Publish(ctx context.Context, queueName string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	utils.Debug("queue publish", "queue", queueName, "bytes", len(payload))
	if err := c.ensureQueue(queueName); err != nil {
		return err
	}
	return c.ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         payload,
		},
	)
}

// PublishJSON encodes v and publishes it to queueName.
func (c *Client) PublishJSON(ctx context.Context, queueName string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(ctx, queueName, payload)
}

// Pop fetches one message without waiting. It returns nil when the queue is empty.
func (c *Client) Pop(queueName string) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureQueue(queueName); err != nil {
		return nil, err
	}
	msg, ok, err := c.ch.Get(queueName, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	utils.Info("queue received", "queue", queueName, "bytes", len(msg.Body))
	return &Message{
		Body: msg.Body,
		ack:  msg.Ack,
		nack: msg.Nack,
	}, nil
}

// NewMessage wraps a delivery body with its acknowledgement callbacks.
func NewMessage(body []byte, ack func(multiple bool) error, nack func(multiple, requeue bool) error) *Message {
	return &Message{Body: body, ack: ack, nack: nack}
}

func (m *Message) Ack() error {
	if m == nil || m.ack == nil {
		return nil
	}
	return m.ack(false)
}

func (m *Message) Nack(requeue bool) error {
	if m == nil || m.nack == nil {
		return nil
	}
	utils.Debug("queue nack", "requeue", requeue)
	return m.nack(false, requeue)
}
