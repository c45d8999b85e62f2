// Package redisstore gives the exchange core a shared, cross-process
// cache for things a single in-process Engine cannot do alone once
// there's more than one exchange node: recent token status lookups
// (so a status poll doesn't have to hit whichever node owns the
// token), a pending-validate dedup set (so two nodes racing to
// validate the same inbound message id don't both accept it), and a
// cache of fetched identity public keys. It is
// grounded on the teacher's redis_messages.go/online.go key-naming and
// TTL idiom: short, prefixed keys, go-redis pipelines for bulk ops.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ppmesh/exchange-core/core"
)

const (
	tokenStatusPrefix = "exch:tok:"
	dedupPrefix       = "exch:dedup:"
	identityKeyPrefix = "exch:idkey:"

	defaultTokenTTL = 5 * time.Minute
	defaultDedupTTL = time.Minute
)

// Cache wraps a redis.Client with the exchange core's cross-node
// bookkeeping. It is an optional accelerator, not a core.Store: the
// Engine itself remains the source of truth in memory.
type Cache struct {
	rdb      *redis.Client
	tokenTTL time.Duration
	dedupTTL time.Duration
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, tokenTTL: defaultTokenTTL, dedupTTL: defaultDedupTTL}
}

func tokenKey(t core.Token) string {
	return fmt.Sprintf("%s%d", tokenStatusPrefix, uint32(t))
}

// PublishStatus mirrors a token's terminal status into the cache so
// other nodes' status polls avoid a cross-node RPC to the owner.
func (c *Cache) PublishStatus(ctx context.Context, t core.Token, status core.TokenStatus) error {
	return c.rdb.Set(ctx, tokenKey(t), byte(status), c.tokenTTL).Err()
}

func (c *Cache) LookupStatus(ctx context.Context, t core.Token) (core.TokenStatus, bool, error) {
	v, err := c.rdb.Get(ctx, tokenKey(t)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redisstore: lookup status: %w", err)
	}
	if len(v) == 0 {
		return 0, false, nil
	}
	return core.TokenStatus(v[0]), true, nil
}

// ClaimValidate atomically marks a message id as being validated by
// this node, returning false if some node already claimed it inside
// the dedup window — the cross-node analogue of receive_message.go's
// in-process `seen` map.
func (c *Cache) ClaimValidate(ctx context.Context, id core.MessageID) (bool, error) {
	key := dedupPrefix + string(id[:])
	ok, err := c.rdb.SetNX(ctx, key, 1, c.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: claim validate: %w", err)
	}
	return ok, nil
}

// CacheIdentityKey/LookupIdentityKey memoize identity public keys
// fetched from a remote IdentityService so repeated verification
// passes against the same author id don't re-fetch every tick.
func (c *Cache) CacheIdentityKey(ctx context.Context, id string, pub []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return c.rdb.Set(ctx, identityKeyPrefix+id, pub, ttl).Err()
}

func (c *Cache) LookupIdentityKey(ctx context.Context, id string) ([]byte, bool, error) {
	v, err := c.rdb.Get(ctx, identityKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: lookup identity key: %w", err)
	}
	return v, true, nil
}

// BulkPublishStatus pipelines several status updates in one round
// trip, following the teacher's TxPipeline usage in EnqueueOffline.
func (c *Cache) BulkPublishStatus(ctx context.Context, statuses map[core.Token]core.TokenStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for t, st := range statuses {
		pipe.Set(ctx, tokenKey(t), byte(st), c.tokenTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}
