package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Record is implemented by every artifact stored through a Repo.
type Record interface {
	RecordID() string
	RecordTokenHash() string
	RecordExpiresAt() time.Time
}

// Repo maps one record type onto a Backend kind. Expired records are reported
// as ErrNotFound so callers cannot tell expired from missing.
type Repo[T Record] struct {
	kind  Kind
	codec Codec
	now   func() time.Time
}

func NewRepo[T Record](kind Kind, codec Codec, now func() time.Time) Repo[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	if now == nil {
		now = time.Now
	}
	return Repo[T]{kind: kind, codec: codec, now: now}
}

func (r Repo[T]) Kind() Kind {
	return r.kind
}

func (r Repo[T]) Create(ctx context.Context, b Backend, rec T) error {
	data, err := r.codec.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "[Repo.Create] encode %s", r.kind)
	}
	return b.Put(ctx, r.kind, Entry{
		ID:        rec.RecordID(),
		TokenHash: rec.RecordTokenHash(),
		ExpiresAt: rec.RecordExpiresAt(),
		Data:      data,
	})
}

func (r Repo[T]) GetByToken(ctx context.Context, b Backend, tokenHash string) (T, error) {
	e, err := b.GetByToken(ctx, r.kind, tokenHash)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.live(e)
}

func (r Repo[T]) GetByID(ctx context.Context, b Backend, id string) (T, error) {
	e, err := b.GetByID(ctx, r.kind, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.live(e)
}

// Take consumes the record. An expired record is still removed.
func (r Repo[T]) Take(ctx context.Context, b Backend, tokenHash string) (T, error) {
	e, err := b.Take(ctx, r.kind, tokenHash)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.live(e)
}

func (r Repo[T]) Delete(ctx context.Context, b Backend, id string) error {
	return b.Delete(ctx, r.kind, id)
}

// List returns unexpired records.
func (r Repo[T]) List(ctx context.Context, b Backend, offset, limit int) ([]T, error) {
	entries, err := b.List(ctx, r.kind, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		rec, err := r.live(e)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r Repo[T]) live(e Entry) (T, error) {
	var rec T
	if !e.ExpiresAt.After(r.now()) {
		return rec, ErrNotFound
	}
	if err := r.codec.Unmarshal(e.Data, &rec); err != nil {
		return rec, errors.Wrapf(err, "[Repo] decode %s", r.kind)
	}
	return rec, nil
}
