package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-esop/esop"
	"github.com/LerianStudio/lib-esop/esop/circuitbreaker"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/internal/nilcheck"
	"github.com/LerianStudio/lib-esop/esop/journal"
	"github.com/LerianStudio/lib-esop/esop/log"
	libOpentelemetry "github.com/LerianStudio/lib-esop/esop/opentelemetry"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	"github.com/LerianStudio/lib-esop/esop/security"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultEventExchange is the topic exchange journal events are published to.
	DefaultEventExchange = "esop.events"

	// DefaultRoutingPrefix prefixes event routing keys, e.g.
	// "esop.event.granted" for GRANTED entries.
	DefaultRoutingPrefix = "esop.event"

	// HeaderEventType and HeaderParticipant carry event metadata so consumers
	// can route without decoding the payload.
	HeaderEventType   = "x-esop-event-type"
	HeaderParticipant = "x-esop-participant"

	// eventPublisherService names the circuit breaker guarding publishes.
	eventPublisherService = "rabbitmq-event-publisher"
)

var (
	// ErrEventPublisherRequired is returned when an event publisher receiver
	// is nil.
	ErrEventPublisherRequired = errors.New("event publisher is required")

	// ErrBrokerPublisherRequired is returned when no broker publisher is
	// supplied.
	ErrBrokerPublisherRequired = errors.New("broker publisher is required")
)

// eventPublishesMetric counts publish outcomes per event type.
var eventPublishesMetric = metrics.Metric{
	Name:        "rabbitmq_events_published_total",
	Unit:        "1",
	Description: "Total number of journal events published to rabbitmq by result",
}

// BrokerPublisher is the confirm-capable publish surface EventPublisher
// builds on. *ConfirmablePublisher satisfies it.
type BrokerPublisher interface {
	Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ BrokerPublisher = (*ConfirmablePublisher)(nil)

// EventPublisher turns journal entries into persistent AMQP messages on the
// events exchange. It implements the journal dispatcher's handler contract,
// so registering it completes the store-then-publish pipeline: entries are
// written to the journal during ledger writes and fanned out here.
type EventPublisher struct {
	broker         BrokerPublisher
	logger         log.Logger
	exchange       string
	routingPrefix  string
	breakers       circuitbreaker.Manager
	breakerConfig  circuitbreaker.Config
	metricsFactory *metrics.MetricsFactory
}

// EventPublisherOption customizes event publisher construction.
type EventPublisherOption func(*EventPublisher)

// WithExchange overrides the exchange journal events are published to.
func WithExchange(name string) EventPublisherOption {
	return func(publisher *EventPublisher) {
		if name != "" {
			publisher.exchange = name
		}
	}
}

// WithRoutingPrefix overrides the routing key prefix.
func WithRoutingPrefix(prefix string) EventPublisherOption {
	return func(publisher *EventPublisher) {
		if prefix != "" {
			publisher.routingPrefix = prefix
		}
	}
}

// WithCircuitBreaker guards publishes with a breaker from manager. A zero
// config falls back to circuitbreaker.PublisherConfig. Nil managers are
// ignored.
func WithCircuitBreaker(manager circuitbreaker.Manager, config circuitbreaker.Config) EventPublisherOption {
	return func(publisher *EventPublisher) {
		if nilcheck.Interface(manager) {
			return
		}

		if config == (circuitbreaker.Config{}) {
			config = circuitbreaker.PublisherConfig()
		}

		publisher.breakers = manager
		publisher.breakerConfig = config
	}
}

// WithPublishMetrics records publish outcome counters through factory.
func WithPublishMetrics(factory *metrics.MetricsFactory) EventPublisherOption {
	return func(publisher *EventPublisher) {
		if factory != nil {
			publisher.metricsFactory = factory
		}
	}
}

// NewEventPublisher builds a journal event publisher on top of a confirm-mode
// broker publisher. When a circuit breaker manager is configured, the breaker
// is created eagerly so invalid configurations fail here instead of on the
// first publish.
func NewEventPublisher(broker BrokerPublisher, logger log.Logger, opts ...EventPublisherOption) (*EventPublisher, error) {
	if nilcheck.Interface(broker) {
		return nil, ErrBrokerPublisherRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	publisher := &EventPublisher{
		broker:        broker,
		logger:        logger,
		exchange:      DefaultEventExchange,
		routingPrefix: DefaultRoutingPrefix,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	if publisher.breakers != nil {
		if _, err := publisher.breakers.GetOrCreate(eventPublisherService, publisher.breakerConfig); err != nil {
			return nil, fmt.Errorf("event publisher breaker: %w", err)
		}
	}

	return publisher, nil
}

// RegisterHandlers registers PublishEntry for every ledger event type, wiring
// the publisher into the journal dispatcher.
func (publisher *EventPublisher) RegisterHandlers(registry *journal.HandlerRegistry) error {
	if publisher == nil {
		return ErrEventPublisherRequired
	}

	if registry == nil {
		return journal.ErrHandlerRegistryRequired
	}

	for _, eventType := range []string{cn.EventGranted, cn.EventScheduleSet, cn.EventExercised} {
		if err := registry.Register(eventType, publisher.PublishEntry); err != nil {
			return fmt.Errorf("register %s handler: %w", eventType, err)
		}
	}

	return nil
}

// PublishEntry publishes one journal entry as a persistent message and waits
// for the broker confirmation. It satisfies journal.EntryHandler; returning
// nil tells the dispatcher the entry may be marked published.
func (publisher *EventPublisher) PublishEntry(ctx context.Context, entry *journal.Entry) error {
	if publisher == nil {
		return ErrEventPublisherRequired
	}

	if entry == nil {
		return journal.ErrEntryRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.publish_event")
	defer span.End()

	span.SetAttributes(
		attribute.String(cn.AttrDBSystem, cn.DBSystemRabbitMQ),
		attribute.String("esop.event.type", entry.EventType),
		attribute.String("esop.event.entry_id", entry.ID.String()),
	)

	routingKey := EventRoutingKey(publisher.routingPrefix, entry.EventType)
	msg := publisher.buildMessage(ctx, entry)

	if err := publisher.publishThroughBreaker(ctx, routingKey, msg); err != nil {
		publisher.recordPublish(entry.EventType, "failure")
		libOpentelemetry.HandleSpanError(span, "Failed to publish journal entry", err)

		logger.Log(ctx, log.LevelError, "failed to publish journal entry",
			log.String("entry_id", entry.ID.String()),
			log.String("event_type", entry.EventType),
			log.String("participant", security.MaskIdentity(entry.Participant)),
			log.Err(err),
		)

		return fmt.Errorf("publish journal entry %s: %w", entry.ID, err)
	}

	publisher.recordPublish(entry.EventType, "success")

	logger.Log(ctx, log.LevelDebug, "published journal entry",
		log.String("entry_id", entry.ID.String()),
		log.String("event_type", entry.EventType),
		log.String("routing_key", routingKey),
	)

	return nil
}

// buildMessage renders an entry as a durable AMQP message. Trace context is
// injected into the headers so consumers join the dispatcher's trace.
func (publisher *EventPublisher) buildMessage(ctx context.Context, entry *journal.Entry) amqp.Publishing {
	headers := libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		HeaderEventType:   entry.EventType,
		HeaderParticipant: entry.Participant,
	})

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID.String(),
		Type:         entry.EventType,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(headers),
		Body:         entry.Payload,
	}
}

func (publisher *EventPublisher) publishThroughBreaker(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	publish := func() (any, error) {
		return nil, publisher.broker.Publish(ctx, publisher.exchange, routingKey, false, false, msg)
	}

	if publisher.breakers == nil {
		_, err := publish()

		return err
	}

	_, err := publisher.breakers.Execute(eventPublisherService, publish)

	return err
}

// recordPublish increments the publish outcome counter. No-op without a
// metrics factory.
func (publisher *EventPublisher) recordPublish(eventType, result string) {
	if publisher.metricsFactory == nil {
		return
	}

	counter, err := publisher.metricsFactory.Counter(eventPublishesMetric)
	if err != nil {
		publisher.logger.Log(context.Background(), log.LevelWarn, "failed to create rabbitmq publish counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"event_type": cn.SanitizeMetricLabel(eventType),
			"result":     result,
		}).
		AddOne(context.Background())
	if err != nil {
		publisher.logger.Log(context.Background(), log.LevelWarn, "failed to record rabbitmq publish metric", log.Err(err))
	}
}

// EventRoutingKey returns the routing key for an event type under prefix,
// e.g. EventRoutingKey("esop.event", "SCHEDULE_SET") == "esop.event.schedule_set".
// Consumers use it to bind queues to the event types they care about.
func EventRoutingKey(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultRoutingPrefix
	}

	return prefix + "." + strings.ToLower(strings.TrimSpace(eventType))
}

// nonRetryableAMQPCodes lists broker reply codes where retrying the same
// publish cannot succeed: authorization and topology configuration errors.
var nonRetryableAMQPCodes = map[int]bool{
	amqp.AccessRefused:  true,
	amqp.NotFound:       true,
	amqp.NotAllowed:     true,
	amqp.NotImplemented: true,
}

// PublishRetryClassifier classifies AMQP publish failures for the journal
// dispatcher. Nacks, timeouts, and connectivity errors stay retryable;
// broker rejections that a retry cannot fix (missing exchange, refused
// access) park the entry as FAILED immediately.
type PublishRetryClassifier struct{}

var _ journal.RetryClassifier = PublishRetryClassifier{}

// IsNonRetryable reports whether err is a permanent broker rejection.
func (PublishRetryClassifier) IsNonRetryable(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return nonRetryableAMQPCodes[amqpErr.Code]
	}

	return false
}

// EventTopologyConfig describes the exchange and optional consumer queue
// declared for journal events.
type EventTopologyConfig struct {
	ExchangeName string

	// QueueName, when set, declares a durable queue bound to BindingKey.
	QueueName  string
	BindingKey string

	// QueueArgs are passed through to the queue declaration, typically
	// GetDLXArgs so rejected events dead-letter instead of dropping.
	QueueArgs amqp.Table
}

// EventTopologyOption customizes the event topology.
type EventTopologyOption func(*EventTopologyConfig)

// WithEventExchangeName overrides the events exchange name.
func WithEventExchangeName(name string) EventTopologyOption {
	return func(cfg *EventTopologyConfig) {
		if name != "" {
			cfg.ExchangeName = name
		}
	}
}

// WithEventQueueName declares a durable consumer queue with the given name.
func WithEventQueueName(name string) EventTopologyOption {
	return func(cfg *EventTopologyConfig) {
		if name != "" {
			cfg.QueueName = name
		}
	}
}

// WithEventBindingKey overrides which routing keys the queue receives.
func WithEventBindingKey(key string) EventTopologyOption {
	return func(cfg *EventTopologyConfig) {
		if key != "" {
			cfg.BindingKey = key
		}
	}
}

// WithEventQueueArgs sets extra queue declaration arguments.
func WithEventQueueArgs(args amqp.Table) EventTopologyOption {
	return func(cfg *EventTopologyConfig) {
		if len(args) > 0 {
			cfg.QueueArgs = args
		}
	}
}

// DeclareEventTopology declares the durable topic exchange journal events are
// published to and, when a queue name is configured, a durable queue bound to
// the event routing keys. Declarations are idempotent as long as parameters
// match what exists on the broker.
func DeclareEventTopology(ch AMQPChannel, opts ...EventTopologyOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare event topology: %w", ErrChannelRequired)
	}

	cfg := EventTopologyConfig{
		ExchangeName: DefaultEventExchange,
		BindingKey:   DefaultRoutingPrefix + ".#",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare events exchange: %w", err)
	}

	if cfg.QueueName == "" {
		return nil
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, cfg.QueueArgs); err != nil {
		return fmt.Errorf("declare events queue: %w", err)
	}

	if err := ch.QueueBind(cfg.QueueName, cfg.BindingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind events queue: %w", err)
	}

	return nil
}
