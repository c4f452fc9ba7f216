package mq

import (
	"context"
	"time"
)

// MessageQueue is the unified interface for message queue operations.
// The abstraction keeps the judge pipeline independent of the broker
// implementation, which also lets tests substitute a fake.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the broker connection is alive.
	Ping(ctx context.Context) error

	// Close closes the connection.
	Close() error
}

// Producer publishes messages.
type Producer interface {
	// Publish publishes a message to the specified topic.
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer consumes messages.
type Consumer interface {
	// Subscribe registers a handler for a topic. The handler returns nil
	// on success or an error to trigger redelivery.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error

	// SubscribeWithOptions registers a handler with custom options.
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages for all registered subscriptions.
	Start() error

	// Stop gracefully stops consuming messages.
	Stop() error
}

// Message is a single queue message.
type Message struct {
	// ID is the unique identifier for the message.
	ID string `json:"id"`

	// Body is the message payload.
	Body []byte `json:"body"`

	// Headers contains metadata about the message.
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`

	// Retry information carried across deliveries.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// HandlerFunc processes a delivered message.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// ConsumerGroup is the consumer group name.
	ConsumerGroup string

	// Concurrency sets the number of concurrent workers.
	// Default: 1
	Concurrency int

	// MaxRetries sets the maximum number of redeliveries for failed
	// messages before they are dead-lettered.
	// Default: 3
	MaxRetries int

	// RetryDelay sets the base delay between redeliveries.
	// Default: 1 second
	RetryDelay time.Duration

	// DeadLetterTopic is where messages go after retries are exhausted.
	DeadLetterTopic string
}

// SetDefaults fills in default values for unset options.
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a message with the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value.
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// ShouldRetry reports whether the message has retries remaining.
func (m *Message) ShouldRetry() bool {
	return m.RetryCount < m.MaxRetries
}
