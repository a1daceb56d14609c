package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/clock"
	"pkt.systems/syncabletree/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Upload(ctx context.Context, localPath, key string, opts storage.UploadOptions) error {
	return b.withRetry(ctx, "upload", key, func(ctx context.Context) error {
		return b.inner.Upload(ctx, localPath, key, opts)
	})
}

func (b *backend) Download(ctx context.Context, key, destPath string) error {
	return b.withRetry(ctx, "download", key, func(ctx context.Context) error {
		return b.inner.Download(ctx, key, destPath)
	})
}

func (b *backend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.withRetry(ctx, "exists", key, func(ctx context.Context) error {
		var err error
		ok, err = b.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (b *backend) Remove(ctx context.Context, key string) error {
	return b.withRetry(ctx, "remove", key, func(ctx context.Context) error {
		return b.inner.Remove(ctx, key)
	})
}

// List is only retried while nothing has been visited, so callers never see
// an object twice.
func (b *backend) List(ctx context.Context, visit func(storage.Object) error) error {
	visited := false
	return b.withRetry(ctx, "list", "", func(ctx context.Context) error {
		err := b.inner.List(ctx, func(obj storage.Object) error {
			visited = true
			return visit(obj)
		})
		if err != nil && visited {
			return permanent{err}
		}
		return err
	})
}

// GetDocument forwards to the wrapped backend's document store.
func (b *backend) GetDocument(ctx context.Context, name string) ([]byte, error) {
	ds, ok := b.inner.(storage.DocumentStore)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	var data []byte
	err := b.withRetry(ctx, "get_document", name, func(ctx context.Context) error {
		var err error
		data, err = ds.GetDocument(ctx, name)
		return err
	})
	return data, err
}

func (b *backend) PutDocument(ctx context.Context, name string, data []byte) error {
	ds, ok := b.inner.(storage.DocumentStore)
	if !ok {
		return storage.ErrNotImplemented
	}
	return b.withRetry(ctx, "put_document", name, func(ctx context.Context) error {
		return ds.PutDocument(ctx, name, data)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) Unwrap() storage.Backend {
	return b.inner
}

// permanent stops the retry loop for an error that would otherwise count as
// transient.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return unwrapPermanent(fn(ctx))
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p, ok := err.(permanent); ok {
			return p.err
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}

func unwrapPermanent(err error) error {
	if p, ok := err.(permanent); ok {
		return p.err
	}
	return err
}
