package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quintans/faults"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
)

const (
	keyPrefix  = "transfer:"
	DefaultTTL = 24 * time.Hour
)

// TransferCache is a read-through cache in front of a TransferRepository.
// Only terminal records are cached: they never change once written.
// Redis failures degrade to reading the underlying store.
type TransferCache struct {
	logger logrus.FieldLogger
	client redis.UniversalClient
	next   domain.TransferRepository
	ttl    time.Duration
}

func NewTransferCache(logger logrus.FieldLogger, client redis.UniversalClient, next domain.TransferRepository, ttl time.Duration) TransferCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return TransferCache{
		logger: logger.WithField("component", "TransferCache"),
		client: client,
		next:   next,
		ttl:    ttl,
	}
}

func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, faults.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (c TransferCache) Get(ctx context.Context, idempotencyKey string) (entity.TransferRecord, error) {
	data, err := c.client.Get(ctx, keyPrefix+idempotencyKey).Bytes()
	switch {
	case err == nil:
		rec := entity.TransferRecord{}
		if err := json.Unmarshal(data, &rec); err == nil {
			return rec, nil
		}
		c.logger.WithField("key", idempotencyKey).Warn("Dropping unreadable cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.WithError(err).Warn("Cache read failed")
	}

	rec, err := c.next.Get(ctx, idempotencyKey)
	if err != nil {
		return entity.TransferRecord{}, err
	}
	if rec.IsTerminal() {
		c.put(ctx, rec)
	}
	return rec, nil
}

func (c TransferCache) put(ctx context.Context, rec entity.TransferRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.WithError(err).Error("Encoding transfer record")
		return
	}
	if err := c.client.Set(ctx, keyPrefix+rec.IdempotencyKey, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Cache write failed")
	}
}

func (c TransferCache) Reserve(ctx context.Context, rec entity.TransferRecord) error {
	return c.next.Reserve(ctx, rec)
}

// Resolve goes straight to the store. It may run inside an uncommitted
// transaction, so the cache is only filled by later reads.
func (c TransferCache) Resolve(ctx context.Context, rec entity.TransferRecord) error {
	return c.next.Resolve(ctx, rec)
}

func (c TransferCache) Release(ctx context.Context, idempotencyKey, token string) error {
	return c.next.Release(ctx, idempotencyKey, token)
}
