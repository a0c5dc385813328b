// Package memory is an in-process storage.Driver backed by go-cache.
// Each tenant gets its own cache, so tenants never share keys.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jrsteele09/authflow/storage"
)

const defaultCleanupInterval = time.Minute

type Driver struct {
	mu              sync.Mutex
	tenants         map[string]*Backend
	cleanupInterval time.Duration
}

var _ storage.Driver = (*Driver)(nil)

type Option func(*Driver)

// WithCleanupInterval sets how often the cache janitor evicts expired entries.
func WithCleanupInterval(d time.Duration) Option {
	return func(dr *Driver) {
		dr.cleanupInterval = d
	}
}

func NewDriver(options ...Option) *Driver {
	d := &Driver{
		tenants:         make(map[string]*Backend),
		cleanupInterval: defaultCleanupInterval,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

func (d *Driver) Tenant(_ context.Context, tenantID string) (storage.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.tenants[tenantID]
	if !ok {
		b = NewBackend(d.cleanupInterval)
		d.tenants[tenantID] = b
	}
	return b, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.tenants {
		b.items.Flush()
	}
	return nil
}

// Backend stores entries under "<kind>/id/<id>" and indexes them by
// "<kind>/tok/<hash>". A single mutex serialises every operation, which is
// what makes Take and Tx atomic.
type Backend struct {
	mu    sync.Mutex
	items *gocache.Cache
}

var _ storage.Backend = (*Backend)(nil)

func NewBackend(cleanupInterval time.Duration) *Backend {
	return &Backend{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func idKey(kind storage.Kind, id string) string {
	return string(kind) + "/id/" + id
}

func tokenKey(kind storage.Kind, hash string) string {
	return string(kind) + "/tok/" + hash
}

func ttl(expiresAt time.Time) time.Duration {
	d := time.Until(expiresAt)
	if d <= 0 {
		// go-cache treats non-positive durations as "never expires"
		return time.Nanosecond
	}
	return d
}

func (b *Backend) Put(_ context.Context, kind storage.Kind, e storage.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(kind, e)
	return nil
}

func (b *Backend) GetByToken(_ context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getByToken(kind, tokenHash)
}

func (b *Backend) GetByID(_ context.Context, kind storage.Kind, id string) (storage.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getByID(kind, id)
}

func (b *Backend) Delete(_ context.Context, kind storage.Kind, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delete(kind, id)
	return nil
}

func (b *Backend) Take(_ context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take(kind, tokenHash)
}

func (b *Backend) List(_ context.Context, kind storage.Kind, offset, limit int) ([]storage.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.list(kind, offset, limit), nil
}

func (b *Backend) DeleteExpired(_ context.Context, kind storage.Kind, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, e := range b.list(kind, 0, 0) {
		if e.ExpiresAt.Before(before) {
			b.delete(kind, e.ID)
			n++
		}
	}
	b.items.DeleteExpired()
	return n, nil
}

func (b *Backend) Tx(ctx context.Context, fn func(tx storage.Backend) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &memTx{b: b}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (b *Backend) put(kind storage.Kind, e storage.Entry) {
	if prev, err := b.getByID(kind, e.ID); err == nil && prev.TokenHash != e.TokenHash {
		b.items.Delete(tokenKey(kind, prev.TokenHash))
	}
	d := ttl(e.ExpiresAt)
	b.items.Set(idKey(kind, e.ID), e, d)
	if e.TokenHash != "" {
		b.items.Set(tokenKey(kind, e.TokenHash), e.ID, d)
	}
}

func (b *Backend) getByID(kind storage.Kind, id string) (storage.Entry, error) {
	v, ok := b.items.Get(idKey(kind, id))
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}
	return v.(storage.Entry), nil
}

func (b *Backend) getByToken(kind storage.Kind, tokenHash string) (storage.Entry, error) {
	v, ok := b.items.Get(tokenKey(kind, tokenHash))
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}
	return b.getByID(kind, v.(string))
}

func (b *Backend) delete(kind storage.Kind, id string) (storage.Entry, bool) {
	e, err := b.getByID(kind, id)
	if err != nil {
		return storage.Entry{}, false
	}
	b.items.Delete(idKey(kind, id))
	if e.TokenHash != "" {
		b.items.Delete(tokenKey(kind, e.TokenHash))
	}
	return e, true
}

func (b *Backend) take(kind storage.Kind, tokenHash string) (storage.Entry, error) {
	e, err := b.getByToken(kind, tokenHash)
	if err != nil {
		return storage.Entry{}, err
	}
	b.delete(kind, e.ID)
	return e, nil
}

func (b *Backend) list(kind storage.Kind, offset, limit int) []storage.Entry {
	prefix := string(kind) + "/id/"
	var out []storage.Entry
	for k, item := range b.items.Items() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, item.Object.(storage.Entry))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// memTx runs against the locked backend and records how to undo each write.
type memTx struct {
	b    *Backend
	undo []func()
}

var _ storage.Backend = (*memTx)(nil)

func (t *memTx) restore(kind storage.Kind, id string) func() {
	prev, err := t.b.getByID(kind, id)
	if err != nil {
		return func() { t.b.delete(kind, id) }
	}
	return func() {
		t.b.delete(kind, id)
		t.b.put(kind, prev)
	}
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) Put(_ context.Context, kind storage.Kind, e storage.Entry) error {
	t.undo = append(t.undo, t.restore(kind, e.ID))
	t.b.put(kind, e)
	return nil
}

func (t *memTx) GetByToken(_ context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	return t.b.getByToken(kind, tokenHash)
}

func (t *memTx) GetByID(_ context.Context, kind storage.Kind, id string) (storage.Entry, error) {
	return t.b.getByID(kind, id)
}

func (t *memTx) Delete(_ context.Context, kind storage.Kind, id string) error {
	t.undo = append(t.undo, t.restore(kind, id))
	t.b.delete(kind, id)
	return nil
}

func (t *memTx) Take(_ context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	e, err := t.b.getByToken(kind, tokenHash)
	if err != nil {
		return storage.Entry{}, err
	}
	t.undo = append(t.undo, t.restore(kind, e.ID))
	t.b.delete(kind, e.ID)
	return e, nil
}

func (t *memTx) List(_ context.Context, kind storage.Kind, offset, limit int) ([]storage.Entry, error) {
	return t.b.list(kind, offset, limit), nil
}

func (t *memTx) DeleteExpired(_ context.Context, kind storage.Kind, before time.Time) (int64, error) {
	var n int64
	for _, e := range t.b.list(kind, 0, 0) {
		if e.ExpiresAt.Before(before) {
			t.undo = append(t.undo, t.restore(kind, e.ID))
			t.b.delete(kind, e.ID)
			n++
		}
	}
	return n, nil
}

func (t *memTx) Tx(_ context.Context, fn func(tx storage.Backend) error) error {
	return fn(t)
}
