// Package maintenance removes expired flow artifacts from the store.
package maintenance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/authflow/internal/metrics"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
)

type Purger struct {
	storage storage.Driver
	tenants tenants.Directory
	nowTime func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Purger)

func WithNowTime(now func() time.Time) Option {
	return func(p *Purger) {
		p.nowTime = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Purger) {
		p.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Purger) {
		p.metrics = m
	}
}

func NewPurger(driver storage.Driver, directory tenants.Directory, options ...Option) (*Purger, error) {
	if driver == nil {
		return nil, errors.New("[NewPurger] storage driver is required")
	}
	if directory == nil {
		return nil, errors.New("[NewPurger] tenant directory is required")
	}
	p := &Purger{
		storage: driver,
		tenants: directory,
		nowTime: time.Now,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Result counts the rows removed per artifact kind.
type Result map[storage.Kind]int64

func (r Result) Total() int64 {
	var n int64
	for _, v := range r {
		n += v
	}
	return n
}

// Run deletes every artifact that expired before now, for every tenant. A
// failing tenant is logged and skipped; the first such error is returned after
// the remaining tenants have been purged.
func (p *Purger) Run(ctx context.Context) (Result, error) {
	list, err := p.tenants.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Purger.Run] list tenants")
	}
	now := p.nowTime()
	result := Result{}
	var firstErr error
	for _, t := range list {
		if err := p.purgeTenant(ctx, t.ID, now, result); err != nil {
			p.logger.Error().Err(err).Str("tenant", t.ID).Msg("purge failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for kind, n := range result {
		p.metrics.Purged(string(kind), n)
	}
	p.logger.Info().Int64("rows", result.Total()).Int("tenants", len(list)).Msg("purge complete")
	return result, firstErr
}

func (p *Purger) purgeTenant(ctx context.Context, tenantID string, now time.Time, result Result) error {
	b, err := p.storage.Tenant(ctx, tenantID)
	if err != nil {
		return errors.Wrap(err, "[Purger.purgeTenant]")
	}
	for _, kind := range storage.Kinds {
		n, err := b.DeleteExpired(ctx, kind, now)
		if err != nil {
			return errors.Wrapf(err, "[Purger.purgeTenant] %s", kind)
		}
		result[kind] += n
	}
	return nil
}

// Every runs the purge on each tick of interval until ctx is done.
func (p *Purger) Every(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Run(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("scheduled purge incomplete")
			}
		}
	}
}
