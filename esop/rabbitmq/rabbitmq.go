package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-esop/esop/assert"
	"github.com/LerianStudio/lib-esop/esop/backoff"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/log"
	libOpentelemetry "github.com/LerianStudio/lib-esop/esop/opentelemetry"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilConnection is returned when a rabbitmq connection receiver is nil.
	ErrNilConnection = errors.New("rabbitmq connection is nil")

	// ErrInsecureTLS is returned when the health check HTTP client disables
	// TLS verification and AllowInsecureTLS is not set.
	ErrInsecureTLS = errors.New("rabbitmq health check client disables TLS verification; set AllowInsecureTLS to accept the risk")

	// ErrBrokerUnhealthy is returned when the management API reports the
	// broker as unhealthy during Connect.
	ErrBrokerUnhealthy = errors.New("rabbitmq broker reported unhealthy")
)

// connectionFailuresMetric defines the counter for rabbitmq connection failures.
var connectionFailuresMetric = metrics.Metric{
	Name:        "rabbitmq_connection_failures_total",
	Unit:        "1",
	Description: "Total number of rabbitmq connection failures",
}

const (
	// defaultHealthCheckTimeout bounds management API probes when the caller
	// does not supply an HTTP client.
	defaultHealthCheckTimeout = 5 * time.Second

	// healthCheckPath is the management API endpoint reporting whether any
	// broker alarms are in effect.
	healthCheckPath = "/api/health/checks/alarms"

	// healthBodyLimit caps how much of the management API response is read.
	healthBodyLimit = 1 << 20

	// reconnectBackoffBase and reconnectBackoffCap bound the exponential
	// backoff enforced between reconnect attempts.
	reconnectBackoffBase = 500 * time.Millisecond
	reconnectBackoffCap  = 30 * time.Second
)

// Connection is a hub which deals with the shared rabbitmq connection and
// channel. Fields are exported so callers can populate it from environment
// configuration; credentials are excluded from JSON encoding and scrubbed
// from returned errors.
type Connection struct {
	mu sync.Mutex

	// Source is the full AMQP connection string. When empty it is assembled
	// from Host, Port, User, Pass, and VHost on first use.
	Source string `json:"-"`

	// HealthURL points at the broker management API. Connect refuses to
	// report success until the alarms endpoint answers healthy.
	HealthURL string

	Host  string
	Port  string
	User  string `json:"-"`
	Pass  string `json:"-"`
	VHost string

	Conn    *amqp.Connection
	Channel *amqp.Channel

	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
	Connected      bool

	// AllowInsecureTLS acknowledges a health check HTTP client that skips
	// TLS verification. Clients with InsecureSkipVerify are rejected unless
	// this is set.
	AllowInsecureTLS bool

	// Injection points for tests. When nil, production defaults are applied
	// on first use.
	dial             func(context.Context, string) (*amqp.Connection, error)
	openChannel      func(context.Context, *amqp.Connection) (*amqp.Channel, error)
	closeConn        func(*amqp.Connection) error
	connClosed       func(*amqp.Connection) bool
	closeChan        func(*amqp.Channel) error
	chanClosed       func(*amqp.Channel) bool
	healthHTTPClient *http.Client

	// Reconnect rate-limiting, so a dead broker is not hammered by every
	// caller at once.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// nilConnectionAssert fires a nil-receiver assertion and returns ErrNilConnection.
func nilConnectionAssert(operation string) error {
	a := assert.New(context.Background(), nil, "rabbitmq.Connection", operation)
	_ = a.Never(context.Background(), "nil receiver on *rabbitmq.Connection")

	return ErrNilConnection
}

// Connect dials the broker, opens a channel, and verifies broker health via
// the management API before publishing the connection to other callers. If a
// concurrent Connect already installed a live connection, the duplicate is
// closed and the established one kept.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("Connect")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemRabbitMQ))

	rc.mu.Lock()

	if err := rc.applyDefaultsLocked(); err != nil {
		rc.mu.Unlock()

		libOpentelemetry.HandleSpanError(span, "Invalid rabbitmq configuration", err)

		return err
	}

	source := rc.Source
	healthURL := rc.HealthURL
	user := rc.User
	pass := rc.Pass
	logger := rc.logger()
	dial := rc.dial
	openChannel := rc.openChannel
	closeConn := rc.closeConn
	connClosed := rc.connClosed
	healthClient := rc.healthHTTPClient
	rc.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := dial(ctx, source)
	if err != nil {
		rc.recordConnectionFailure("connect")

		err = newSanitizedError(err, source, "can't connect to rabbitmq")

		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", err)
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.Err(err))

		return err
	}

	channel, err := openChannel(ctx, conn)
	if err == nil && channel == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		closeQuietly(logger, closeConn, conn)
		rc.recordConnectionFailure("connect")

		err = newSanitizedError(err, source, "can't open rabbitmq channel")

		libOpentelemetry.HandleSpanError(span, "Failed to open rabbitmq channel", err)
		logger.Log(ctx, log.LevelError, "failed to open rabbitmq channel", log.Err(err))

		return err
	}

	if !healthCheck(ctx, healthURL, user, pass, healthClient, logger) {
		closeQuietly(logger, closeConn, conn)
		rc.recordConnectionFailure("connect")

		err = fmt.Errorf("rabbitmq health check failed: %w", ErrBrokerUnhealthy)

		libOpentelemetry.HandleSpanError(span, "Rabbitmq health check failed", err)

		return err
	}

	rc.mu.Lock()

	existing := rc.Conn
	keepExisting := existing != nil && existing != conn && !connClosed(existing)

	if !keepExisting {
		rc.Conn = conn
		rc.Channel = channel
		rc.Connected = true
		rc.reconnectAttempts = 0
	}

	rc.mu.Unlock()

	if keepExisting {
		closeQuietly(logger, closeConn, conn)
		logger.Log(ctx, log.LevelDebug, "concurrent rabbitmq connect won; discarding duplicate connection")

		return nil
	}

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// ensureSnapshot captures the state EnsureChannel needs so the network calls
// can run without holding the connection mutex.
type ensureSnapshot struct {
	source       string
	logger       log.Logger
	dial         func(context.Context, string) (*amqp.Connection, error)
	openChannel  func(context.Context, *amqp.Connection) (*amqp.Channel, error)
	closeConn    func(*amqp.Connection) error
	needConn     bool
	needChannel  bool
	existingConn *amqp.Connection
}

// EnsureChannel re-establishes the connection and channel as needed. Unlike
// Connect it skips the management API probe, so it works against brokers
// without the management plugin. Reconnect attempts are rate-limited with
// exponential backoff.
func (rc *Connection) EnsureChannel(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("EnsureChannel")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	snapshot, err := rc.snapshotEnsureState()
	if err != nil {
		return err
	}

	if !snapshot.needChannel {
		return nil
	}

	conn := snapshot.existingConn
	newConnection := false

	if snapshot.needConn {
		dialed, dialErr := snapshot.dial(ctx, snapshot.source)
		if dialErr != nil {
			rc.mu.Lock()
			rc.Connected = false
			rc.reconnectAttempts++
			rc.mu.Unlock()

			rc.recordConnectionFailure("ensure_channel")

			dialErr = newSanitizedError(dialErr, snapshot.source, "can't connect to rabbitmq")
			snapshot.logger.Log(ctx, log.LevelError, "failed to reconnect to rabbitmq", log.Err(dialErr))

			return dialErr
		}

		conn = dialed
		newConnection = true
	}

	channel, chanErr := snapshot.openChannel(ctx, conn)
	if chanErr == nil && channel == nil {
		chanErr = errors.New("channel factory returned nil channel")
	}

	if chanErr != nil {
		rc.mu.Lock()
		rc.Connected = false
		rc.mu.Unlock()

		if newConnection && conn != snapshot.existingConn {
			closeQuietly(snapshot.logger, snapshot.closeConn, conn)
		}

		rc.recordConnectionFailure("ensure_channel")

		return newSanitizedError(chanErr, snapshot.source, "can't open rabbitmq channel")
	}

	rc.mu.Lock()
	rc.Conn = conn
	rc.Channel = channel
	rc.Connected = true
	rc.reconnectAttempts = 0
	rc.mu.Unlock()

	return nil
}

func (rc *Connection) snapshotEnsureState() (ensureSnapshot, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.applyDefaultsLocked(); err != nil {
		return ensureSnapshot{}, err
	}

	needConn := rc.Conn == nil || rc.connClosed(rc.Conn)
	needChannel := needConn || rc.Channel == nil || rc.chanClosed(rc.Channel)

	// Rate-limit reconnects: after a failed attempt, enforce a minimum delay
	// before the next one so every caller does not dial a dead broker at once.
	if needConn && rc.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(reconnectBackoffBase, rc.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
			return ensureSnapshot{}, fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	if needConn {
		rc.lastReconnectAttempt = time.Now()
	}

	return ensureSnapshot{
		source:       rc.Source,
		logger:       rc.logger(),
		dial:         rc.dial,
		openChannel:  rc.openChannel,
		closeConn:    rc.closeConn,
		needConn:     needConn,
		needChannel:  needChannel,
		existingConn: rc.Conn,
	}, nil
}

// GetChannel returns a usable channel, reconnecting on demand when the
// connection or channel has been closed underneath us.
func (rc *Connection) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, nilConnectionAssert("GetChannel")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()

	if err := rc.applyDefaultsLocked(); err != nil {
		rc.mu.Unlock()

		return nil, err
	}

	if rc.Connected && rc.Channel != nil && !rc.chanClosed(rc.Channel) {
		channel := rc.Channel
		rc.mu.Unlock()

		return channel, nil
	}

	rc.mu.Unlock()

	if err := rc.EnsureChannel(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	channel := rc.Channel
	rc.mu.Unlock()

	if channel == nil {
		return nil, errors.New("rabbitmq channel not available")
	}

	return channel, nil
}

// ChannelSnapshot returns the current channel without reconnecting. It may
// be nil or already closed; callers that need a live channel should use
// GetChannel.
func (rc *Connection) ChannelSnapshot() *amqp.Channel {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.Channel
}

// HealthCheck probes the broker management API and reports whether the
// broker is free of alarms.
func (rc *Connection) HealthCheck(ctx context.Context) bool {
	if rc == nil {
		_ = nilConnectionAssert("HealthCheck")

		return false
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()

	if err := rc.applyDefaultsLocked(); err != nil {
		logger := rc.logger()
		rc.mu.Unlock()

		logger.Log(ctx, log.LevelError, "rabbitmq health check misconfigured", log.Err(err))

		return false
	}

	healthURL := rc.HealthURL
	user := rc.User
	pass := rc.Pass
	client := rc.healthHTTPClient
	logger := rc.logger()
	rc.mu.Unlock()

	return healthCheck(ctx, healthURL, user, pass, client, logger)
}

// Close tears down the channel and connection. It is safe to call on an
// unconnected or already closed hub.
func (rc *Connection) Close(ctx context.Context) error {
	if rc == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	_, span := tracer.Start(ctx, "rabbitmq.close")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemRabbitMQ))

	rc.mu.Lock()
	channel := rc.Channel
	conn := rc.Conn
	closeChan := rc.closeChan
	closeConn := rc.closeConn
	rc.Channel = nil
	rc.Conn = nil
	rc.Connected = false
	rc.mu.Unlock()

	var errs []error

	if channel != nil && closeChan != nil {
		if err := closeChan(channel); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rabbitmq channel: %w", err))
		}
	}

	if conn != nil && closeConn != nil {
		if err := closeConn(conn); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rabbitmq connection: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to close rabbitmq", err)

		return err
	}

	return nil
}

func (rc *Connection) applyDefaultsLocked() error {
	rc.applyConnectionDefaultsLocked()

	return rc.applyHealthDefaultsLocked()
}

func (rc *Connection) applyConnectionDefaultsLocked() {
	if rc.Source == "" && rc.Host != "" {
		rc.Source = BuildConnectionString("amqp", rc.User, rc.Pass, rc.Host, rc.Port, rc.VHost)
	}

	if rc.dial == nil {
		// amqp091 has no context-aware dial, so honor cancellation up front.
		rc.dial = func(ctx context.Context, source string) (*amqp.Connection, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			return amqp.Dial(source)
		}
	}

	if rc.openChannel == nil {
		rc.openChannel = func(ctx context.Context, conn *amqp.Connection) (*amqp.Channel, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			if conn == nil {
				return nil, ErrNilConnection
			}

			return conn.Channel()
		}
	}

	if rc.closeConn == nil {
		rc.closeConn = func(conn *amqp.Connection) error {
			if conn == nil {
				return nil
			}

			return conn.Close()
		}
	}

	if rc.connClosed == nil {
		rc.connClosed = func(conn *amqp.Connection) bool {
			return conn == nil || conn.IsClosed()
		}
	}

	if rc.closeChan == nil {
		rc.closeChan = func(channel *amqp.Channel) error {
			if channel == nil {
				return nil
			}

			return channel.Close()
		}
	}

	if rc.chanClosed == nil {
		rc.chanClosed = func(channel *amqp.Channel) bool {
			return channel == nil || channel.IsClosed()
		}
	}
}

func (rc *Connection) applyHealthDefaultsLocked() error {
	if rc.healthHTTPClient == nil {
		rc.healthHTTPClient = &http.Client{Timeout: defaultHealthCheckTimeout}

		return nil
	}

	if transport, ok := rc.healthHTTPClient.Transport.(*http.Transport); ok {
		if transport.TLSClientConfig != nil && transport.TLSClientConfig.InsecureSkipVerify && !rc.AllowInsecureTLS {
			return ErrInsecureTLS
		}
	}

	return nil
}

// logger returns the configured logger or a nop fallback.
func (rc *Connection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return &log.NopLogger{}
	}

	return rc.Logger
}

func closeQuietly(logger log.Logger, closeConn func(*amqp.Connection) error, conn *amqp.Connection) {
	if conn == nil || closeConn == nil {
		return
	}

	if err := closeConn(conn); err != nil {
		logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
	}
}

// healthCheck queries the management API alarms endpoint with basic auth and
// reports whether the broker answered {"status": "ok"}.
func healthCheck(ctx context.Context, rawURL, user, pass string, client *http.Client, logger log.Logger) bool {
	checkURL, err := validateHealthCheckURL(rawURL)
	if err != nil {
		logger.Log(ctx, log.LevelError, "invalid rabbitmq health check url", log.Err(err))

		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to build rabbitmq health check request", log.Err(err))

		return false
	}

	req.SetBasicAuth(user, pass)

	resp, err := client.Do(req)
	if err != nil {
		logger.Log(ctx, log.LevelError, "rabbitmq health check request failed", log.Err(err))

		return false
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq health check response body", log.Err(closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		logger.Log(ctx, log.LevelError, "rabbitmq health check returned unexpected status", log.String("status", resp.Status))

		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, healthBodyLimit))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to read rabbitmq health check response", log.Err(err))

		return false
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Log(ctx, log.LevelError, "failed to decode rabbitmq health check response", log.Err(err))

		return false
	}

	status, _ := payload["status"].(string)
	if status != "ok" {
		logger.Log(ctx, log.LevelError, "rabbitmq broker reported unhealthy status", log.String("status", status))

		return false
	}

	return true
}

// validateHealthCheckURL normalizes the management API URL. Only http and
// https are accepted, credentials must not be embedded (basic auth headers
// carry them instead), and the alarms endpoint path is appended when the URL
// points at the API root.
func validateHealthCheckURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("rabbitmq health check url is empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid rabbitmq health check url: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("rabbitmq health check url must use http or https, got %q", parsed.Scheme)
	}

	if parsed.Host == "" {
		return "", errors.New("rabbitmq health check url is missing a host")
	}

	if parsed.User != nil {
		return "", errors.New("rabbitmq health check url must not embed credentials")
	}

	if !strings.HasSuffix(parsed.Path, healthCheckPath) {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + healthCheckPath
	}

	return parsed.String(), nil
}

// sanitizedError carries a credential-free message while keeping the original
// error available to errors.Is and errors.As.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

// newSanitizedError wraps err with prefix after scrubbing the connection
// string and its password out of the message.
func newSanitizedError(err error, source, prefix string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPError(err, source),
	})
}

// sanitizeAMQPError removes the raw connection string and any password from
// the error message. AMQP client errors can echo the dialed URI verbatim.
func sanitizeAMQPError(err error, source string) string {
	if err == nil {
		return ""
	}

	message := err.Error()
	if source == "" {
		return message
	}

	parsed, parseErr := url.Parse(source)
	if parseErr != nil || parsed.User == nil {
		return message
	}

	message = strings.ReplaceAll(message, source, parsed.Redacted())

	if password, ok := parsed.User.Password(); ok && password != "" {
		message = strings.ReplaceAll(message, password, "xxxxx")

		if decoded, decodeErr := url.QueryUnescape(password); decodeErr == nil && decoded != password && decoded != "" {
			message = strings.ReplaceAll(message, decoded, "xxxxx")
		}
	}

	return message
}

// recordConnectionFailure increments the rabbitmq connection failure counter.
// No-op when MetricsFactory is nil.
func (rc *Connection) recordConnectionFailure(operation string) {
	if rc.MetricsFactory == nil {
		return
	}

	counter, err := rc.MetricsFactory.Counter(connectionFailuresMetric)
	if err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn, "failed to create rabbitmq metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": cn.SanitizeMetricLabel(operation),
		}).
		AddOne(context.Background())
	if err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn, "failed to record rabbitmq metric", log.Err(err))
	}
}

// BuildConnectionString assembles an AMQP URI from its parts. The vhost is
// percent-encoded so names containing "/" or spaces survive the round trip.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	hostPort := host

	switch {
	case port != "":
		hostPort = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		// Bare IPv6 literal without a port still needs brackets in a URI.
		hostPort = "[" + host + "]"
	}

	u := url.URL{
		Scheme: protocol,
		Host:   hostPort,
	}

	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if vhost != "" {
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
