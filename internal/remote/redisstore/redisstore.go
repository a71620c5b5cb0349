// Package redisstore is a remote.Store kept in Redis. Each collection is
// one hash of id to document JSON, and every write publishes the changed
// id on the collection's channel so subscribers can re-list.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/types"
	"github.com/hyperengineering/formsync/internal/validation"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key the store touches.
const DefaultKeyPrefix = "formsync"

// maxTxAttempts bounds optimistic update retries under contention.
const maxTxAttempts = 5

var createScript = redis.NewScript(`
	if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
		return 0
	end
	redis.call("PUBLISH", KEYS[2], ARGV[1])
	return 1
`)

var deleteScript = redis.NewScript(`
	if redis.call("HDEL", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call("PUBLISH", KEYS[2], ARGV[1])
	return 1
`)

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed document store.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ remote.Store = (*Store)(nil)

func newClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
}

// Connect returns a store without contacting Redis, so an offline client
// can start. Connection failures surface as remote.ErrUnavailable.
func Connect(cfg Config, logger *slog.Logger) *Store {
	return New(newClient(cfg), cfg.KeyPrefix, logger)
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	client := newClient(cfg)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.KeyPrefix, logger), nil
}

// New wraps an existing client. An empty prefix means DefaultKeyPrefix.
func New(client *redis.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redisstore"),
	}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return failure("ping", err)
	}
	return nil
}

func (s *Store) docsKey(collection string) string {
	return s.prefix + ":" + collection + ":docs"
}

func (s *Store) changesChannel(collection string) string {
	return s.prefix + ":" + collection + ":changes"
}

func (s *Store) Create(ctx context.Context, collection string, doc types.Document) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	if err := remote.CheckDocument(doc); err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: encode: %v", remote.ErrInvalidDocument, err)
	}

	created, err := createScript.Run(ctx, s.client,
		[]string{s.docsKey(collection), s.changesChannel(collection)}, doc.ID, data).Int()
	if err != nil {
		return "", failure("create", err)
	}
	if created == 0 {
		return "", fmt.Errorf("%w: %s/%s", remote.ErrAlreadyExists, collection, doc.ID)
	}
	return doc.ID, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch types.Patch) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := remote.CheckPatch(patch); err != nil {
		return err
	}
	key := s.docsKey(collection)

	update := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, collection, id)
		}
		if err != nil {
			return err
		}
		var doc types.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("%w: stored document %s/%s: %v", remote.ErrRejected, collection, id, err)
		}
		data, err := json.Marshal(patch.Apply(doc))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, data)
			pipe.Publish(ctx, s.changesChannel(collection), id)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.logger.Debug("update contended, retrying", "collection", collection, "id", id, "attempt", attempt+1)
	}
	switch {
	case err == nil:
		return nil
	case remote.IsPermanent(err):
		return err
	default:
		return failure("update", err)
	}
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	deleted, err := deleteScript.Run(ctx, s.client,
		[]string{s.docsKey(collection), s.changesChannel(collection)}, id).Int()
	if err != nil {
		return failure("delete", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, collection, id)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string, order types.Order) ([]types.Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if !order.Valid() {
		order = types.DefaultOrder
	}
	vals, err := s.client.HVals(ctx, s.docsKey(collection)).Result()
	if err != nil {
		return nil, failure("list", err)
	}
	docs := s.decode(collection, vals)
	types.SortDocuments(docs, order)
	return docs, nil
}

// decode parses stored values, skipping any that are malformed.
func (s *Store) decode(collection string, vals []string) []types.Document {
	docs := make([]types.Document, 0, len(vals))
	for _, v := range vals {
		var d types.Document
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			s.logger.Warn("skipping undecodable document", "collection", collection, "error", err)
			continue
		}
		docs = append(docs, d)
	}
	return remote.Sanitize(s.logger, collection, docs)
}

// Subscribe listens on the collection's change channel and re-lists on
// every message. The first delivery is the current collection.
func (s *Store) Subscribe(ctx context.Context, collection string, order types.Order,
	onChange func([]types.Document), onError func(error)) (func(), error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, s.changesChannel(collection))
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, failure("subscribe", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			pubsub.Close()
		})
	}

	fail := func(err error) {
		if watchCtx.Err() != nil {
			return
		}
		s.logger.Warn("subscription broken", "collection", collection, "error", err)
		unsubscribe()
		if onError != nil {
			onError(remote.Unavailable("subscribe", err))
		}
	}

	go func() {
		docs, err := s.List(watchCtx, collection, order)
		if err != nil {
			fail(err)
			return
		}
		onChange(docs)
		for {
			if _, err := pubsub.ReceiveMessage(watchCtx); err != nil {
				fail(err)
				return
			}
			docs, err := s.List(watchCtx, collection, order)
			if err != nil {
				fail(err)
				return
			}
			if watchCtx.Err() != nil {
				return
			}
			onChange(docs)
		}
	}()

	return unsubscribe, nil
}

// failure classifies a Redis error. Refused credentials stay retryable but
// are reported apart from transient failures.
func failure(op string, err error) error {
	if redis.HasErrorPrefix(err, "NOAUTH") || redis.HasErrorPrefix(err, "WRONGPASS") {
		return fmt.Errorf("%w: %s: %w", remote.ErrUnauthorized, op, err)
	}
	return remote.Unavailable(op, err)
}

func checkCollection(collection string) error {
	if verr := validation.ValidateCollection(collection); verr != nil {
		return fmt.Errorf("%w: %s", remote.ErrInvalidDocument, verr.Error())
	}
	return nil
}
