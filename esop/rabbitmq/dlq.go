package rabbitmq

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-esop/esop/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDLXExchangeName = "esop.events.dlx"
	defaultDLQName         = "esop.events.dlq"
	defaultDLQExchangeType = "topic"
	defaultDLQBindingKey   = "#"
)

// AMQPChannel is the subset of *amqp.Channel needed to declare topology. It
// exists so tests can supply fakes.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQTopologyConfig describes the dead-letter exchange and queue declared for
// journal events that consumers reject or let expire.
type DLQTopologyConfig struct {
	DLXExchangeName string
	DLQName         string
	ExchangeType    string
	BindingKey      string

	// QueueMessageTTL bounds how long dead-lettered events are retained.
	// Zero means no TTL.
	QueueMessageTTL time.Duration

	// QueueMaxLength caps how many dead-lettered events the queue holds.
	// Zero means unbounded.
	QueueMaxLength int64
}

// DLQOption customizes the dead-letter topology.
type DLQOption func(*DLQTopologyConfig)

// WithDLXExchangeName overrides the dead-letter exchange name.
func WithDLXExchangeName(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLXExchangeName = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQExchangeType overrides the dead-letter exchange type.
func WithDLQExchangeType(kind string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if kind != "" {
			cfg.ExchangeType = kind
		}
	}
}

// WithDLQBindingKey overrides the binding between the queue and the exchange.
func WithDLQBindingKey(key string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if key != "" {
			cfg.BindingKey = key
		}
	}
}

// WithDLQMessageTTL sets a retention TTL on dead-lettered events.
// Non-positive values are ignored.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if ttl > 0 {
			cfg.QueueMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength caps the dead-letter queue length. Non-positive values
// are ignored.
func WithDLQMaxLength(limit int64) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if limit > 0 {
			cfg.QueueMaxLength = limit
		}
	}
}

// DeclareDLQTopology declares a durable dead-letter exchange, a durable
// dead-letter queue, and the binding between them. Declarations are
// idempotent as long as the parameters match what exists on the broker.
func DeclareDLQTopology(ch AMQPChannel, opts ...DLQOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	cfg := DLQTopologyConfig{
		DLXExchangeName: defaultDLXExchangeName,
		DLQName:         defaultDLQName,
		ExchangeType:    defaultDLQExchangeType,
		BindingKey:      defaultDLQBindingKey,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.DLXExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, cfg.queueDeclareArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQName, cfg.BindingKey, cfg.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// queueDeclareArgs renders the TTL and length caps as queue arguments, or nil
// when neither is set.
func (cfg DLQTopologyConfig) queueDeclareArgs() amqp.Table {
	args := amqp.Table{}

	if cfg.QueueMessageTTL > 0 {
		ttlMillis := cfg.QueueMessageTTL.Milliseconds()
		if ttlMillis < 1 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// GetDLXArgs returns queue arguments that route dead-lettered messages to the
// named exchange, defaulting to the package dead-letter exchange.
func GetDLXArgs(dlxExchangeName string) amqp.Table {
	name := dlxExchangeName
	if name == "" {
		name = defaultDLXExchangeName
	}

	return amqp.Table{
		"x-dead-letter-exchange": name,
	}
}
