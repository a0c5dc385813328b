// Package redisstore is a storage.Driver backed by Redis.
//
// Keys are laid out as:
//
//	{prefix}:{tenant}:{kind}:id:{id}     JSON entry, expiring with the artifact
//	{prefix}:{tenant}:{kind}:tok:{hash}  id of the entry holding the token
//	{prefix}:{tenant}:{kind}:idx         sorted set of ids scored by expiry
//
// Take uses GETDEL on the token key, so only one caller can win a redemption.
// Inside Tx a take WATCHes the keys it reads and stages the deletes, so a
// rolled back transaction leaves the artifact in place and a concurrent
// winner aborts the commit with storage.ErrConflict.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/authflow/storage"
)

const DefaultKeyPrefix = "authflow"

type Driver struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver connects to a single Redis node and verifies the connection.
func NewDriver(ctx context.Context, addr string, db int) (*Driver, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "[redisstore.NewDriver] ping")
	}
	return NewDriverWithClient(client, DefaultKeyPrefix), nil
}

// NewDriverWithClient wraps an existing client, e.g. one pointed at miniredis in tests.
func NewDriverWithClient(client redis.UniversalClient, prefix string) *Driver {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Driver{client: client, prefix: prefix}
}

func (d *Driver) Tenant(_ context.Context, tenantID string) (storage.Backend, error) {
	if tenantID == "" {
		return nil, errors.New("[redisstore.Tenant] tenant id is required")
	}
	return &Backend{client: d.client, prefix: d.prefix + ":" + tenantID}, nil
}

func (d *Driver) Close() error {
	return d.client.Close()
}

type Backend struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.Backend = (*Backend)(nil)

type storedEntry struct {
	ID        string    `json:"id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Data      []byte    `json:"data"`
}

func (b *Backend) idKey(kind storage.Kind, id string) string {
	return fmt.Sprintf("%s:%s:id:%s", b.prefix, kind, id)
}

func (b *Backend) tokenKey(kind storage.Kind, hash string) string {
	return fmt.Sprintf("%s:%s:tok:%s", b.prefix, kind, hash)
}

func (b *Backend) indexKey(kind storage.Kind) string {
	return fmt.Sprintf("%s:%s:idx", b.prefix, kind)
}

func ttl(expiresAt time.Time) time.Duration {
	d := time.Until(expiresAt)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

func decode(raw string) (storage.Entry, error) {
	var se storedEntry
	if err := json.Unmarshal([]byte(raw), &se); err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore] decode entry")
	}
	return storage.Entry(se), nil
}

func (b *Backend) Put(ctx context.Context, kind storage.Kind, e storage.Entry) error {
	cmds, err := b.putCmds(ctx, kind, e)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range cmds {
			c(pipe)
		}
		return nil
	})
	return errors.Wrap(err, "[redisstore.Put]")
}

// putCmds reads the current entry (to drop a stale token index) and returns
// the writes needed to store e.
func (b *Backend) putCmds(ctx context.Context, kind storage.Kind, e storage.Entry) ([]func(redis.Pipeliner), error) {
	payload, err := json.Marshal(storedEntry(e))
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.Put] encode")
	}
	var cmds []func(redis.Pipeliner)
	if prev, err := b.GetByID(ctx, kind, e.ID); err == nil && prev.TokenHash != e.TokenHash && prev.TokenHash != "" {
		prevKey := b.tokenKey(kind, prev.TokenHash)
		cmds = append(cmds, func(p redis.Pipeliner) { p.Del(ctx, prevKey) })
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	d := ttl(e.ExpiresAt)
	idKey, idxKey := b.idKey(kind, e.ID), b.indexKey(kind)
	cmds = append(cmds, func(p redis.Pipeliner) {
		p.Set(ctx, idKey, payload, d)
		p.ZAdd(ctx, idxKey, redis.Z{Score: float64(e.ExpiresAt.Unix()), Member: e.ID})
	})
	if e.TokenHash != "" {
		tokKey := b.tokenKey(kind, e.TokenHash)
		cmds = append(cmds, func(p redis.Pipeliner) { p.Set(ctx, tokKey, e.ID, d) })
	}
	return cmds, nil
}

func (b *Backend) GetByToken(ctx context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	id, err := b.client.Get(ctx, b.tokenKey(kind, tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore.GetByToken]")
	}
	return b.GetByID(ctx, kind, id)
}

func (b *Backend) GetByID(ctx context.Context, kind storage.Kind, id string) (storage.Entry, error) {
	raw, err := b.client.Get(ctx, b.idKey(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore.GetByID]")
	}
	return decode(raw)
}

func (b *Backend) Delete(ctx context.Context, kind storage.Kind, id string) error {
	cmds, err := b.deleteCmds(ctx, kind, id)
	if err != nil || len(cmds) == 0 {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range cmds {
			c(pipe)
		}
		return nil
	})
	return errors.Wrap(err, "[redisstore.Delete]")
}

func (b *Backend) deleteCmds(ctx context.Context, kind storage.Kind, id string) ([]func(redis.Pipeliner), error) {
	e, err := b.GetByID(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	idKey, idxKey := b.idKey(kind, id), b.indexKey(kind)
	cmds := []func(redis.Pipeliner){func(p redis.Pipeliner) {
		p.Del(ctx, idKey)
		p.ZRem(ctx, idxKey, id)
	}}
	if e.TokenHash != "" {
		tokKey := b.tokenKey(kind, e.TokenHash)
		cmds = append(cmds, func(p redis.Pipeliner) { p.Del(ctx, tokKey) })
	}
	return cmds, nil
}

func (b *Backend) Take(ctx context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	id, err := b.client.GetDel(ctx, b.tokenKey(kind, tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore.Take]")
	}
	raw, err := b.client.GetDel(ctx, b.idKey(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore.Take]")
	}
	b.client.ZRem(ctx, b.indexKey(kind), id)
	return decode(raw)
}

func (b *Backend) List(ctx context.Context, kind storage.Kind, offset, limit int) ([]storage.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := b.client.ZRange(ctx, b.indexKey(kind), int64(offset), stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.List]")
	}
	out := make([]storage.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := b.GetByID(ctx, kind, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteExpired trims the expiry index. The entries themselves expire through Redis TTLs.
func (b *Backend) DeleteExpired(ctx context.Context, kind storage.Kind, before time.Time) (int64, error) {
	maxScore := "(" + strconv.FormatInt(before.Unix(), 10)
	ids, err := b.client.ZRangeByScore(ctx, b.indexKey(kind), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "[redisstore.DeleteExpired]")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, b.idKey(kind, id))
		}
		pipe.ZRemRangeByScore(ctx, b.indexKey(kind), "-inf", maxScore)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "[redisstore.DeleteExpired]")
	}
	return int64(len(ids)), nil
}

// Tx runs fn on a WATCH connection. Reads go through it, writes and takes are
// staged and applied in one MULTI/EXEC when fn succeeds.
func (b *Backend) Tx(ctx context.Context, fn func(tx storage.Backend) error) error {
	err := b.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{Backend: b, rtx: rtx, removed: make(map[string]bool)}
		if err := fn(tx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(tx.staged) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, c := range tx.staged {
				c(pipe)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrConflict
	}
	return err
}

type redisTx struct {
	*Backend
	rtx     *redis.Tx
	staged  []func(redis.Pipeliner)
	removed map[string]bool // id keys deleted or taken earlier in this transaction
}

func (t *redisTx) watch(ctx context.Context, keys ...string) error {
	return errors.Wrap(t.rtx.Watch(ctx, keys...).Err(), "[redisstore.Tx] watch")
}

func (t *redisTx) GetByID(ctx context.Context, kind storage.Kind, id string) (storage.Entry, error) {
	key := t.idKey(kind, id)
	if t.removed[key] {
		return storage.Entry{}, storage.ErrNotFound
	}
	raw, err := t.rtx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore.Tx] get")
	}
	return decode(raw)
}

func (t *redisTx) GetByToken(ctx context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	id, err := t.rtx.Get(ctx, t.tokenKey(kind, tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore.Tx] get token")
	}
	return t.GetByID(ctx, kind, id)
}

func (t *redisTx) Put(ctx context.Context, kind storage.Kind, e storage.Entry) error {
	cmds, err := t.putCmds(ctx, kind, e)
	if err != nil {
		return err
	}
	delete(t.removed, t.idKey(kind, e.ID))
	t.staged = append(t.staged, cmds...)
	return nil
}

func (t *redisTx) Delete(ctx context.Context, kind storage.Kind, id string) error {
	if t.removed[t.idKey(kind, id)] {
		return nil
	}
	cmds, err := t.deleteCmds(ctx, kind, id)
	if err != nil {
		return err
	}
	t.removed[t.idKey(kind, id)] = true
	t.staged = append(t.staged, cmds...)
	return nil
}

// Take reads the entry under WATCH and stages its removal. The entry is only
// gone once the transaction commits.
func (t *redisTx) Take(ctx context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	tokKey := t.tokenKey(kind, tokenHash)
	if err := t.watch(ctx, tokKey); err != nil {
		return storage.Entry{}, err
	}
	id, err := t.rtx.Get(ctx, tokKey).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Entry{}, errors.Wrap(err, "[redisstore.Tx] take")
	}
	idKey := t.idKey(kind, id)
	if err := t.watch(ctx, idKey); err != nil {
		return storage.Entry{}, err
	}
	e, err := t.GetByID(ctx, kind, id)
	if err != nil {
		return storage.Entry{}, err
	}
	t.removed[idKey] = true
	idxKey := t.indexKey(kind)
	t.staged = append(t.staged, func(p redis.Pipeliner) {
		p.Del(ctx, tokKey, idKey)
		p.ZRem(ctx, idxKey, id)
	})
	return e, nil
}

func (t *redisTx) Tx(_ context.Context, fn func(tx storage.Backend) error) error {
	return fn(t)
}
