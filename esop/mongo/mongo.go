package mongo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-esop/esop/assert"
	"github.com/LerianStudio/lib-esop/esop/backoff"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/log"
	libOpentelemetry "github.com/LerianStudio/lib-esop/esop/opentelemetry"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000

	// connectBackoffCap is the maximum delay between lazy-connect retries.
	connectBackoffCap = 30 * time.Second
)

var (
	// ErrNilClient is returned when a mongo client receiver is nil.
	ErrNilClient = errors.New("mongo client is nil")
	// ErrClientClosed is returned when the client is not connected.
	ErrClientClosed = errors.New("mongo client is closed")
	// ErrInvalidConfig indicates the provided mongo configuration is invalid.
	ErrInvalidConfig = errors.New("invalid mongo config")
	// ErrNilDependency is returned when an Option sets a required dependency to nil.
	ErrNilDependency = errors.New("mongo option set a required dependency to nil")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("mongo connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("mongo ping failed")
	// ErrDisconnect wraps disconnection failures.
	ErrDisconnect = errors.New("mongo disconnect failed")

	// pkgLogger holds the package-level logger for nil-receiver diagnostics.
	// Defaults to NopLogger; consumers can override via SetPackageLogger.
	pkgLogger atomic.Value // stores log.Logger
)

func init() {
	pkgLogger.Store(log.Logger(&log.NopLogger{}))
}

// SetPackageLogger configures a package-level logger used for nil-receiver
// assertion diagnostics. This is typically called once during application
// bootstrap. If l is nil, a NopLogger is used.
func SetPackageLogger(l log.Logger) {
	if l == nil {
		l = &log.NopLogger{}
	}

	pkgLogger.Store(l)
}

func resolvePackageLogger() log.Logger {
	if v := pkgLogger.Load(); v != nil {
		if l, ok := v.(log.Logger); ok {
			return l
		}
	}

	return &log.NopLogger{}
}

// nilClientAssert fires a nil-receiver assertion and returns ErrNilClient.
func nilClientAssert(ctx context.Context, operation string) error {
	a := assert.New(ctx, resolvePackageLogger(), "mongo.Client", operation)
	_ = a.Never(ctx, "nil receiver on *mongo.Client")

	return ErrNilClient
}

// TLSConfig configures TLS validation for MongoDB connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// Config defines MongoDB connection and pool behavior.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	TLS                    *TLSConfig
	Logger                 log.Logger
	MetricsFactory         *metrics.MetricsFactory
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return configError("URI is required")
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return configError("database name is required")
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

// connectionFailuresMetric defines the counter for mongo connection failures.
var connectionFailuresMetric = metrics.Metric{
	Name:        "mongo_connection_failures_total",
	Unit:        "1",
	Description: "Total number of mongo connection failures",
}

// Option customizes internal client dependencies (primarily for tests).
type Option func(*clientDeps)

type clientDeps struct {
	connect    func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping       func(context.Context, *mongo.Client) error
	disconnect func(context.Context, *mongo.Client) error
}

func defaultDeps() clientDeps {
	return clientDeps{
		connect: func(ctx context.Context, clientOptions *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, clientOptions)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
	}
}

// Client wraps a MongoDB client with reconnect-on-demand logic.
type Client struct {
	mu             sync.RWMutex
	cfg            Config
	logger         log.Logger
	metricsFactory *metrics.MetricsFactory
	client         *mongo.Client
	deps           clientDeps

	// Lazy-connect rate-limiting: enforces exponential backoff between
	// attempts so a down server is not hammered by every caller at once.
	lastConnectAttempt time.Time
	connectAttempts    int
}

// New validates config, connects to MongoDB, and returns a ready client.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = normalizeConfig(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	deps := defaultDeps()

	for _, opt := range opts {
		if opt == nil {
			a := assert.New(ctx, cfg.Logger, "mongo.Client", "New")
			_ = a.Never(ctx, "nil mongo option received; skipping")

			continue
		}

		opt(&deps)
	}

	if deps.connect == nil || deps.ping == nil || deps.disconnect == nil {
		return nil, ErrNilDependency
	}

	c := &Client{
		cfg:            cfg,
		logger:         cfg.Logger,
		metricsFactory: cfg.MetricsFactory,
		deps:           deps,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes a MongoDB connection if one is not already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return nilClientAssert(ctx, "Connect")
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.connect")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil {
		c.logger = &log.NopLogger{}
	}

	if c.client != nil {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		c.recordConnectionFailure("connect")

		libOpentelemetry.HandleSpanError(span, "Failed to connect to mongo", err)

		return err
	}

	return nil
}

// GetClient returns a connected mongo client, reconnecting on demand if needed.
func (c *Client) GetClient(ctx context.Context) (*mongo.Client, error) {
	if c == nil {
		return nil, nilClientAssert(ctx, "GetClient")
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil {
		c.logger = &log.NopLogger{}
	}

	if c.client != nil {
		return c.client, nil
	}

	// Rate-limit reconnect attempts: if we've failed recently, enforce a
	// minimum delay before the next attempt to avoid hammering the server.
	if c.connectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(1*time.Second, c.connectAttempts)
		if delay > connectBackoffCap {
			delay = connectBackoffCap
		}

		if elapsed := time.Since(c.lastConnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("mongo reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastConnectAttempt = time.Now()

	// Only trace when actually reconnecting.
	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.reconnect")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB))

	if err := c.connectLocked(ctx); err != nil {
		c.connectAttempts++
		c.recordConnectionFailure("reconnect")

		libOpentelemetry.HandleSpanError(span, "Failed to reconnect mongo", err)

		return nil, err
	}

	c.connectAttempts = 0

	return c.client, nil
}

// Database returns a handle for the configured database, reconnecting on
// demand if needed.
func (c *Client) Database(ctx context.Context) (*mongo.Database, error) {
	if c == nil {
		return nil, nilClientAssert(ctx, "Database")
	}

	client, err := c.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.cfg.Database), nil
}

// Ping checks MongoDB availability using the active connection.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return nilClientAssert(ctx, "Ping")
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.ping")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB))

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		libOpentelemetry.HandleSpanError(span, "Mongo client not connected", ErrClientClosed)

		return ErrClientClosed
	}

	if err := c.deps.ping(ctx, client); err != nil {
		pingErr := fmt.Errorf("%w: %w", ErrPing, err)
		libOpentelemetry.HandleSpanError(span, "Mongo ping failed", pingErr)

		return pingErr
	}

	return nil
}

// Close releases the MongoDB connection. The client is marked closed even
// when disconnect fails, so callers cannot keep operating on a half-closed
// client.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nilClientAssert(ctx, "Close")
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.close")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.deps.disconnect(ctx, c.client)
	c.client = nil

	if err != nil {
		disconnectErr := fmt.Errorf("%w: %w", ErrDisconnect, err)
		libOpentelemetry.HandleSpanError(span, "Failed to disconnect from mongo", disconnectErr)

		return disconnectErr
	}

	return nil
}

// IsConnected reports whether the underlying client is currently connected.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, nilClientAssert(context.Background(), "IsConnected")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil, nil
}

// connectLocked performs the actual connection logic. The caller MUST hold
// c.mu (write lock).
func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.Log(ctx, log.LevelInfo, "connecting to MongoDB")

	clientOptions := options.Client().ApplyURI(c.cfg.URI)
	clientOptions.SetServerSelectionTimeout(c.cfg.ServerSelectionTimeout)
	clientOptions.SetHeartbeatInterval(c.cfg.HeartbeatInterval)

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return fmt.Errorf("%w: TLS config: %w", ErrConnect, err)
		}

		clientOptions.SetTLSConfig(tlsCfg)
	}

	client, err := c.deps.connect(ctx, clientOptions)
	if err != nil {
		c.logger.Log(ctx, log.LevelError, "mongo connect failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if client == nil {
		return fmt.Errorf("%w: driver returned nil client", ErrConnect)
	}

	if err := c.deps.ping(ctx, client); err != nil {
		if disconnectErr := c.deps.disconnect(ctx, client); disconnectErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "disconnect after ping failure failed", log.Err(disconnectErr))
		}

		c.logger.Log(ctx, log.LevelError, "mongo ping failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.client = client

	c.logger.Log(ctx, log.LevelInfo, "connected to MongoDB",
		log.String("database", c.cfg.Database))

	if c.cfg.TLS == nil && !isTLSImplied(c.cfg.URI) {
		c.logger.Log(ctx, log.LevelWarn, "mongo connection established without TLS; consider configuring TLS for production use")
	}

	return nil
}

// normalizeConfig applies safe defaults and clamps to a Config.
func normalizeConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if cfg.MaxPoolSize > maxMaxPoolSize {
		cfg.MaxPoolSize = maxMaxPoolSize
	}

	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.TLS != nil {
		tlsCopy := *cfg.TLS
		cfg.TLS = &tlsCopy

		if cfg.TLS.MinVersion < tls.VersionTLS12 {
			cfg.TLS.MinVersion = tls.VersionTLS12
		}
	}

	return cfg
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding CA cert: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("adding CA cert to pool failed: %w", ErrInvalidConfig)
	}

	tlsConfig := &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.MinVersion == tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig, nil
}

// isTLSImplied returns true if the URI scheme or query parameters indicate TLS.
func isTLSImplied(uri string) bool {
	return strings.HasPrefix(uri, "mongodb+srv://") ||
		strings.Contains(uri, "tls=true") ||
		strings.Contains(uri, "ssl=true")
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

// recordConnectionFailure increments the mongo connection failure counter.
// No-op when metricsFactory is nil.
func (c *Client) recordConnectionFailure(operation string) {
	if c.metricsFactory == nil {
		return
	}

	counter, err := c.metricsFactory.Counter(connectionFailuresMetric)
	if err != nil {
		c.logger.Log(context.Background(), log.LevelWarn, "failed to create mongo metric counter", log.Err(err))
		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": cn.SanitizeMetricLabel(operation),
		}).
		AddOne(context.Background())
	if err != nil {
		c.logger.Log(context.Background(), log.LevelWarn, "failed to record mongo metric", log.Err(err))
	}
}
