//go:build unit

package mongo

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func withDeps(deps clientDeps) Option {
	return func(current *clientDeps) {
		*current = deps
	}
}

func baseConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "esop",
		Logger:   &log.NopLogger{},
	}
}

func successDeps() clientDeps {
	fakeClient := &mongo.Client{}

	return clientDeps{
		connect: func(context.Context, *options.ClientOptions) (*mongo.Client, error) {
			return fakeClient, nil
		},
		ping:       func(context.Context, *mongo.Client) error { return nil },
		disconnect: func(context.Context, *mongo.Client) error { return nil },
	}
}

func TestNew_Success(t *testing.T) {
	t.Parallel()

	client, err := New(context.Background(), baseConfig(), withDeps(successDeps()))
	require.NoError(t, err)
	require.NotNil(t, client)

	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected)

	got, err := client.GetClient(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty uri", cfg: Config{Database: "esop"}},
		{name: "whitespace uri", cfg: Config{URI: "   ", Database: "esop"}},
		{name: "empty database", cfg: Config{URI: "mongodb://localhost:27017"}},
		{
			name: "tls without ca cert",
			cfg: Config{
				URI:      "mongodb://localhost:27017",
				Database: "esop",
				TLS:      &TLSConfig{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := New(context.Background(), tt.cfg, withDeps(successDeps()))
			assert.Nil(t, client)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_ConnectFailure(t *testing.T) {
	t.Parallel()

	deps := successDeps()
	deps.connect = func(context.Context, *options.ClientOptions) (*mongo.Client, error) {
		return nil, errors.New("dial refused")
	}

	client, err := New(context.Background(), baseConfig(), withDeps(deps))
	assert.Nil(t, client)
	assert.ErrorIs(t, err, ErrConnect)
}

func TestNew_PingFailureDisconnects(t *testing.T) {
	t.Parallel()

	var disconnected atomic.Bool

	deps := successDeps()
	deps.ping = func(context.Context, *mongo.Client) error {
		return errors.New("server unavailable")
	}
	deps.disconnect = func(context.Context, *mongo.Client) error {
		disconnected.Store(true)

		return nil
	}

	client, err := New(context.Background(), baseConfig(), withDeps(deps))
	assert.Nil(t, client)
	assert.ErrorIs(t, err, ErrPing)
	assert.True(t, disconnected.Load(), "failed ping must disconnect the half-open client")
}

func TestNew_NilDependency(t *testing.T) {
	t.Parallel()

	deps := successDeps()
	deps.ping = nil

	client, err := New(context.Background(), baseConfig(), withDeps(deps))
	assert.Nil(t, client)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestClient_GetClient_LazyReconnectRateLimited(t *testing.T) {
	t.Parallel()

	var connectCalls atomic.Int32

	deps := successDeps()
	deps.connect = func(context.Context, *options.ClientOptions) (*mongo.Client, error) {
		connectCalls.Add(1)

		return nil, errors.New("dial refused")
	}

	cfg := normalizeConfig(baseConfig())
	client := &Client{cfg: cfg, logger: cfg.Logger, deps: deps}

	_, err := client.GetClient(context.Background())
	require.Error(t, err)
	require.EqualValues(t, 1, connectCalls.Load())

	// The immediate retry must be rate-limited, not hit the server again.
	_, err = client.GetClient(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate-limited")
	assert.EqualValues(t, 1, connectCalls.Load())
}

func TestClient_GetClient_ConcurrentConnectsOnce(t *testing.T) {
	t.Parallel()

	var connectCalls atomic.Int32

	deps := successDeps()
	innerConnect := deps.connect
	deps.connect = func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
		connectCalls.Add(1)

		return innerConnect(ctx, opts)
	}

	cfg := normalizeConfig(baseConfig())
	client := &Client{cfg: cfg, logger: cfg.Logger, deps: deps}

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := client.GetClient(context.Background())
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.EqualValues(t, 1, connectCalls.Load())
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	var disconnected atomic.Bool

	deps := successDeps()
	deps.disconnect = func(context.Context, *mongo.Client) error {
		disconnected.Store(true)

		return nil
	}

	client, err := New(context.Background(), baseConfig(), withDeps(deps))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	assert.True(t, disconnected.Load())

	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected)

	// Closing an already-closed client is a no-op.
	require.NoError(t, client.Close(context.Background()))
}

func TestClient_Close_MarksClosedOnDisconnectFailure(t *testing.T) {
	t.Parallel()

	deps := successDeps()
	deps.disconnect = func(context.Context, *mongo.Client) error {
		return errors.New("disconnect timeout")
	}

	client, err := New(context.Background(), baseConfig(), withDeps(deps))
	require.NoError(t, err)

	err = client.Close(context.Background())
	assert.ErrorIs(t, err, ErrDisconnect)

	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected, "client must be marked closed even when disconnect fails")
}

func TestClient_Ping(t *testing.T) {
	t.Parallel()

	var pingErr atomic.Value

	deps := successDeps()
	deps.ping = func(context.Context, *mongo.Client) error {
		if err, ok := pingErr.Load().(error); ok {
			return err
		}

		return nil
	}

	client, err := New(context.Background(), baseConfig(), withDeps(deps))
	require.NoError(t, err)

	require.NoError(t, client.Ping(context.Background()))

	pingErr.Store(errors.New("server unavailable"))
	assert.ErrorIs(t, client.Ping(context.Background()), ErrPing)

	require.NoError(t, client.Close(context.Background()))
	assert.ErrorIs(t, client.Ping(context.Background()), ErrClientClosed)
}

func TestClient_NilReceiver(t *testing.T) {
	t.Parallel()

	var client *Client

	assert.ErrorIs(t, client.Connect(context.Background()), ErrNilClient)
	assert.ErrorIs(t, client.Ping(context.Background()), ErrNilClient)
	assert.ErrorIs(t, client.Close(context.Background()), ErrNilClient)

	_, err := client.GetClient(context.Background())
	assert.ErrorIs(t, err, ErrNilClient)

	_, err = client.Database(context.Background())
	assert.ErrorIs(t, err, ErrNilClient)

	_, err = client.IsConnected()
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestNormalizeConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := normalizeConfig(Config{URI: "mongodb://localhost:27017", Database: "esop"})

	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, defaultServerSelectionTimeout, cfg.ServerSelectionTimeout)
	assert.Equal(t, defaultHeartbeatInterval, cfg.HeartbeatInterval)
}

func TestNormalizeConfig_ClampsPoolSize(t *testing.T) {
	t.Parallel()

	cfg := normalizeConfig(Config{
		URI:         "mongodb://localhost:27017",
		Database:    "esop",
		MaxPoolSize: 5000,
	})

	assert.EqualValues(t, maxMaxPoolSize, cfg.MaxPoolSize)
}

func TestNormalizeConfig_TLSCopyAndMinVersion(t *testing.T) {
	t.Parallel()

	original := &TLSConfig{CACertBase64: "Zm9v", MinVersion: tls.VersionTLS10}
	cfg := normalizeConfig(Config{
		URI:      "mongodb://localhost:27017",
		Database: "esop",
		TLS:      original,
	})

	require.NotSame(t, original, cfg.TLS, "normalize must not mutate the caller's TLS config")
	assert.EqualValues(t, tls.VersionTLS12, cfg.TLS.MinVersion)
	assert.EqualValues(t, tls.VersionTLS10, original.MinVersion)
}

func TestNormalizeConfig_KeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := normalizeConfig(Config{
		URI:                    "mongodb://localhost:27017",
		Database:               "esop",
		ServerSelectionTimeout: 2 * time.Second,
		HeartbeatInterval:      3 * time.Second,
		MaxPoolSize:            50,
	})

	assert.Equal(t, 2*time.Second, cfg.ServerSelectionTimeout)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	assert.EqualValues(t, 50, cfg.MaxPoolSize)
}

func TestIsTLSImplied(t *testing.T) {
	t.Parallel()

	assert.True(t, isTLSImplied("mongodb+srv://cluster.mongodb.net/esop"))
	assert.True(t, isTLSImplied("mongodb://localhost:27017/?tls=true"))
	assert.True(t, isTLSImplied("mongodb://localhost:27017/?ssl=true"))
	assert.False(t, isTLSImplied("mongodb://localhost:27017/esop"))
}
