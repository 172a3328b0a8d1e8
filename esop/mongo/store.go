package mongo

import (
	"context"
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
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCollection is the collection holding one document per participant.
const DefaultCollection = "accounts"

// ErrNilStore is returned when a method is called on a nil Store.
var ErrNilStore = errors.New("mongo store is nil")

// accountDocument is the persisted shape of a ledger account. The document
// id is the participant identity, so lookups never need a secondary index.
type accountDocument struct {
	ID               string `bson:"_id"`
	TotalOptions     uint64 `bson:"total_options"`
	VestedOptions    uint64 `bson:"vested_options"`
	ExercisedOptions uint64 `bson:"exercised_options"`
	VestingStart     int64  `bson:"vesting_start"`
	VestingEnd       int64  `bson:"vesting_end"`
}

func newAccountDocument(identity ledger.Identity, account ledger.Account) accountDocument {
	return accountDocument{
		ID:               string(identity),
		TotalOptions:     account.TotalOptions,
		VestedOptions:    account.VestedOptions,
		ExercisedOptions: account.ExercisedOptions,
		VestingStart:     account.VestingStart,
		VestingEnd:       account.VestingEnd,
	}
}

func (d accountDocument) account() ledger.Account {
	return ledger.Account{
		TotalOptions:     d.TotalOptions,
		VestedOptions:    d.VestedOptions,
		ExercisedOptions: d.ExercisedOptions,
		VestingStart:     d.VestingStart,
		VestingEnd:       d.VestingEnd,
	}
}

// Store persists ledger accounts as MongoDB documents, one per participant
// identity. Records have no TTL because the store holds ledger state, not a
// cache.
//
// Store implements ledger.Store, ledger.BatchStore, and ledger.Snapshotter.
// SetAll runs inside a MongoDB transaction, which requires a replica-set or
// sharded deployment; on a standalone server the Engine falls back to its
// own debit-first two-write path.
type Store struct {
	conn       *Client
	collection string
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithCollection overrides the default account collection name.
func WithCollection(collection string) StoreOption {
	return func(s *Store) {
		s.collection = collection
	}
}

// NewStore creates an account store backed by the given Mongo client.
func NewStore(conn *Client, opts ...StoreOption) (*Store, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	s := &Store{
		conn:       conn,
		collection: DefaultCollection,
	}

	for _, opt := range opts {
		opt(s)
	}

	if strings.TrimSpace(s.collection) == "" {
		return nil, configError("store collection cannot be empty")
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
	a := assert.New(ctx, resolvePackageLogger(), "mongo.Store", operation)
	_ = a.Never(ctx, "nil receiver on *mongo.Store")

	return ErrNilStore
}

func (s *Store) accounts(ctx context.Context) (*mongo.Collection, error) {
	db, err := s.conn.Database(ctx)
	if err != nil {
		return nil, err
	}

	return db.Collection(s.collection), nil
}

// Get returns the stored account for identity, or the zero-valued Account
// when no document exists.
func (s *Store) Get(ctx context.Context, identity ledger.Identity) (ledger.Account, error) {
	if s == nil {
		return ledger.Account{}, nilStoreAssert(ctx, "Get")
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.store.get")
	defer span.End()

	span.SetAttributes(
		attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB),
		attribute.String(cn.AttrDBMongoDBCollection, s.collection),
	)

	coll, err := s.accounts(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get mongo collection", err)

		return ledger.Account{}, fmt.Errorf("mongo store: get collection: %w", err)
	}

	var doc accountDocument

	err = coll.FindOne(ctx, bson.M{"_id": string(identity)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ledger.Account{}, nil
	}

	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to read account",
			log.String("identity", security.MaskIdentity(string(identity))), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to read account", err)

		return ledger.Account{}, fmt.Errorf("mongo store: read account: %w", err)
	}

	return doc.account(), nil
}

// Set stores the account under identity, replacing any previous document.
func (s *Store) Set(ctx context.Context, identity ledger.Identity, account ledger.Account) error {
	if s == nil {
		return nilStoreAssert(ctx, "Set")
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.store.set")
	defer span.End()

	span.SetAttributes(
		attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB),
		attribute.String(cn.AttrDBMongoDBCollection, s.collection),
	)

	coll, err := s.accounts(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get mongo collection", err)

		return fmt.Errorf("mongo store: get collection: %w", err)
	}

	_, err = coll.ReplaceOne(ctx,
		bson.M{"_id": string(identity)},
		newAccountDocument(identity, account),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to write account",
			log.String("identity", security.MaskIdentity(string(identity))), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to write account", err)

		return fmt.Errorf("mongo store: write account: %w", err)
	}

	return nil
}

// SetAll writes every account in one MongoDB transaction, so a transfer's
// debit and credit legs land together or not at all. Requires a replica-set
// or sharded deployment; standalone servers reject transactions.
func (s *Store) SetAll(ctx context.Context, accounts map[ledger.Identity]ledger.Account) error {
	if s == nil {
		return nilStoreAssert(ctx, "SetAll")
	}

	if len(accounts) == 0 {
		return nil
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.store.set_all")
	defer span.End()

	span.SetAttributes(
		attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB),
		attribute.String(cn.AttrDBMongoDBCollection, s.collection),
		attribute.Int("store.batch_size", len(accounts)),
	)

	client, err := s.conn.GetClient(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get mongo client", err)

		return fmt.Errorf("mongo store: get client: %w", err)
	}

	coll := client.Database(s.conn.cfg.Database).Collection(s.collection)

	session, err := client.StartSession()
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to start mongo session", err)

		return fmt.Errorf("mongo store: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		for identity, account := range accounts {
			_, err := coll.ReplaceOne(sc,
				bson.M{"_id": string(identity)},
				newAccountDocument(identity, account),
				options.Replace().SetUpsert(true),
			)
			if err != nil {
				return nil, fmt.Errorf("write account %s: %w",
					security.MaskIdentity(string(identity)), err)
			}
		}

		return nil, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to write account batch", log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to write account batch", err)

		return fmt.Errorf("mongo store: write account batch: %w", err)
	}

	return nil
}

// Snapshot returns every stored account keyed by identity.
func (s *Store) Snapshot(ctx context.Context) (map[ledger.Identity]ledger.Account, error) {
	if s == nil {
		return nil, nilStoreAssert(ctx, "Snapshot")
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.store.snapshot")
	defer span.End()

	span.SetAttributes(
		attribute.String(cn.AttrDBSystem, cn.DBSystemMongoDB),
		attribute.String(cn.AttrDBMongoDBCollection, s.collection),
	)

	coll, err := s.accounts(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to get mongo collection", err)

		return nil, fmt.Errorf("mongo store: get collection: %w", err)
	}

	cursor, err := coll.Find(ctx, bson.D{})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to scan accounts", log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to scan accounts", err)

		return nil, fmt.Errorf("mongo store: scan accounts: %w", err)
	}
	defer func() {
		if closeErr := cursor.Close(ctx); closeErr != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close account cursor", log.Err(closeErr))
		}
	}()

	accounts := make(map[ledger.Identity]ledger.Account)

	for cursor.Next(ctx) {
		var doc accountDocument
		if err := cursor.Decode(&doc); err != nil {
			opentelemetry.HandleSpanError(span, "Failed to decode account", err)

			return nil, fmt.Errorf("mongo store: decode account: %w", err)
		}

		accounts[ledger.Identity(doc.ID)] = doc.account()
	}

	if err := cursor.Err(); err != nil {
		logger.Log(ctx, log.LevelError, "failed to iterate accounts", log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to iterate accounts", err)

		return nil, fmt.Errorf("mongo store: iterate accounts: %w", err)
	}

	span.SetAttributes(attribute.Int("store.account_count", len(accounts)))

	return accounts, nil
}
