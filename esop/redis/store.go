package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-esop/esop"
	"github.com/LerianStudio/lib-esop/esop/assert"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/ledger"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry"
	"github.com/LerianStudio/lib-esop/esop/security"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultKeyPrefix namespaces account keys so the store can share a Redis
	// database with other data.
	DefaultKeyPrefix = "esop:account:"

	// snapshotScanCount controls SCAN page size and the GET pipeline chunk
	// size during Snapshot.
	snapshotScanCount = 100
)

// ErrNilStore is returned when a method is called on a nil Store.
var ErrNilStore = errors.New("redis store is nil")

// Store persists ledger accounts as JSON values under a common key prefix.
// One key per participant identity; accounts have no TTL because the store
// holds ledger state, not a cache.
//
// Store implements ledger.Store, ledger.BatchStore, and ledger.Snapshotter.
type Store struct {
	conn   *Client
	prefix string
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithKeyPrefix overrides the default account key prefix.
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore creates an account store backed by the given Redis client.
func NewStore(conn *Client, opts ...StoreOption) (*Store, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	s := &Store{
		conn:   conn,
		prefix: DefaultKeyPrefix,
	}

	for _, opt := range opts {
		opt(s)
	}

	if strings.TrimSpace(s.prefix) == "" {
		return nil, configError("store key prefix cannot be empty")
	}

	return s, nil
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.BatchStore  = (*Store)(nil)
	_ ledger.Snapshotter = (*Store)(nil)
)

// nilStoreAssert fires a nil-receiver assertion and returns ErrNilStore.
func nilStoreAssert(ctx context.Context, operation string) error {
	a := assert.New(ctx, resolvePackageLogger(), "redis.Store", operation)
	_ = a.Never(ctx, "nil receiver on *redis.Store")

	return ErrNilStore
}

func (s *Store) key(identity ledger.Identity) string {
	return s.prefix + string(identity)
}

func (s *Store) identityFromKey(key string) ledger.Identity {
	return ledger.Identity(strings.TrimPrefix(key, s.prefix))
}

// Get returns the stored account for identity, or the zero-valued Account
// when no record exists.
func (s *Store) Get(ctx context.Context, identity ledger.Identity) (ledger.Account, error) {
	if s == nil {
		return ledger.Account{}, nilStoreAssert(ctx, "Get")
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.store.get")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemRedis))

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get redis client", err)

		return ledger.Account{}, fmt.Errorf("redis store: get client: %w", err)
	}

	payload, err := rdb.Get(ctx, s.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Account{}, nil
	}

	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to read account",
			log.String("identity", security.MaskIdentity(string(identity))), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to read account", err)

		return ledger.Account{}, fmt.Errorf("redis store: read account: %w", err)
	}

	var account ledger.Account
	if err := json.Unmarshal(payload, &account); err != nil {
		logger.Log(ctx, log.LevelError, "failed to decode account",
			log.String("identity", security.MaskIdentity(string(identity))), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to decode account", err)

		return ledger.Account{}, fmt.Errorf("redis store: decode account: %w", err)
	}

	return account, nil
}

// Set stores the account under identity, replacing any previous record.
func (s *Store) Set(ctx context.Context, identity ledger.Identity, account ledger.Account) error {
	if s == nil {
		return nilStoreAssert(ctx, "Set")
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.store.set")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemRedis))

	payload, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("redis store: encode account: %w", err)
	}

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get redis client", err)

		return fmt.Errorf("redis store: get client: %w", err)
	}

	if err := rdb.Set(ctx, s.key(identity), payload, 0).Err(); err != nil {
		logger.Log(ctx, log.LevelError, "failed to write account",
			log.String("identity", security.MaskIdentity(string(identity))), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to write account", err)

		return fmt.Errorf("redis store: write account: %w", err)
	}

	return nil
}

// SetAll writes every account in one MULTI/EXEC transaction, so a transfer's
// debit and credit legs land together or not at all. Encoding errors abort
// before anything is written.
func (s *Store) SetAll(ctx context.Context, accounts map[ledger.Identity]ledger.Account) error {
	if s == nil {
		return nilStoreAssert(ctx, "SetAll")
	}

	if len(accounts) == 0 {
		return nil
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.store.set_all")
	defer span.End()

	span.SetAttributes(
		attribute.String(cn.AttrDBSystem, cn.DBSystemRedis),
		attribute.Int("store.batch_size", len(accounts)),
	)

	payloads := make(map[string][]byte, len(accounts))

	for identity, account := range accounts {
		payload, err := json.Marshal(account)
		if err != nil {
			return fmt.Errorf("redis store: encode account %s: %w",
				security.MaskIdentity(string(identity)), err)
		}

		payloads[s.key(identity)] = payload
	}

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get redis client", err)

		return fmt.Errorf("redis store: get client: %w", err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, payload := range payloads {
			pipe.Set(ctx, key, payload, 0)
		}

		return nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to write account batch", log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to write account batch", err)

		return fmt.Errorf("redis store: write account batch: %w", err)
	}

	return nil
}

// Snapshot returns every stored account keyed by identity. It SCANs the key
// prefix and fetches values in pipelined chunks; keys that disappear between
// the scan and the fetch are skipped.
func (s *Store) Snapshot(ctx context.Context) (map[ledger.Identity]ledger.Account, error) {
	if s == nil {
		return nil, nilStoreAssert(ctx, "Snapshot")
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.store.snapshot")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemRedis))

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get redis client", err)

		return nil, fmt.Errorf("redis store: get client: %w", err)
	}

	var keys []string

	iter := rdb.Scan(ctx, 0, s.prefix+"*", snapshotScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		logger.Log(ctx, log.LevelError, "failed to scan accounts", log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to scan accounts", err)

		return nil, fmt.Errorf("redis store: scan accounts: %w", err)
	}

	accounts := make(map[ledger.Identity]ledger.Account, len(keys))

	for start := 0; start < len(keys); start += snapshotScanCount {
		chunk := keys[start:min(start+snapshotScanCount, len(keys))]

		cmds := make([]*redis.StringCmd, len(chunk))
		pipe := rdb.Pipeline()

		for i, key := range chunk {
			cmds[i] = pipe.Get(ctx, key)
		}

		// Exec surfaces redis.Nil when a scanned key expired before the
		// fetch; individual command results are inspected below instead.
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			logger.Log(ctx, log.LevelError, "failed to fetch account batch", log.Err(err))
			opentelemetry.HandleSpanError(span, "Failed to fetch account batch", err)

			return nil, fmt.Errorf("redis store: fetch accounts: %w", err)
		}

		for i, cmd := range cmds {
			payload, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}

			if err != nil {
				return nil, fmt.Errorf("redis store: fetch account %s: %w", chunk[i], err)
			}

			var account ledger.Account
			if err := json.Unmarshal(payload, &account); err != nil {
				return nil, fmt.Errorf("redis store: decode account %s: %w", chunk[i], err)
			}

			accounts[s.identityFromKey(chunk[i])] = account
		}
	}

	span.SetAttributes(attribute.Int("store.account_count", len(accounts)))

	return accounts, nil
}

// Delete removes the account record for identity. Missing records are not an
// error.
func (s *Store) Delete(ctx context.Context, identity ledger.Identity) error {
	if s == nil {
		return nilStoreAssert(ctx, "Delete")
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.store.delete")
	defer span.End()

	span.SetAttributes(attribute.String(cn.AttrDBSystem, cn.DBSystemRedis))

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get redis client", err)

		return fmt.Errorf("redis store: get client: %w", err)
	}

	if err := rdb.Del(ctx, s.key(identity)).Err(); err != nil {
		logger.Log(ctx, log.LevelError, "failed to delete account",
			log.String("identity", security.MaskIdentity(string(identity))), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to delete account", err)

		return fmt.Errorf("redis store: delete account: %w", err)
	}

	return nil
}
