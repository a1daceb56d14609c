package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/correlation"
	"pkt.systems/syncabletree/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and one span per operation.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/syncabletree/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "syncabletree.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("syncabletree.storage.operation", op),
		attribute.String("syncabletree.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("syncabletree.correlation_id", corr))
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("syncabletree.storage.end", trace.WithAttributes(
			attribute.String("syncabletree.storage.result", result),
			attribute.Int64("syncabletree.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) Upload(ctx context.Context, localPath, key string, opts storage.UploadOptions) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "upload")
	defer span.End()

	span.SetAttributes(attribute.String("syncabletree.storage.key", key))
	verbose.Trace("storage.upload.begin", "key", key, "name", opts.Name, "source", localPath)
	err := b.inner.Upload(ctx, localPath, key, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.upload.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.upload.success", "key", key, "name", opts.Name, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Download(ctx context.Context, key, destPath string) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "download")
	defer span.End()

	span.SetAttributes(attribute.String("syncabletree.storage.key", key))
	verbose.Trace("storage.download.begin", "key", key, "dest", destPath)
	err := b.inner.Download(ctx, key, destPath)
	if err != nil {
		result := "error"
		if errors.Is(err, storage.ErrNotFound) {
			result = "not_found"
		}
		finish(result, err)
		verbose.Debug("storage.download.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.download.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "exists")
	defer span.End()

	span.SetAttributes(attribute.String("syncabletree.storage.key", key))
	ok, err := b.inner.Exists(ctx, key)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.exists.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return ok, err
	}
	span.SetAttributes(attribute.Bool("syncabletree.storage.present", ok))
	finish("ok", nil)
	verbose.Trace("storage.exists.success", "key", key, "present", ok, "elapsed", time.Since(begin))
	return ok, nil
}

func (b *backend) Remove(ctx context.Context, key string) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "remove")
	defer span.End()

	span.SetAttributes(attribute.String("syncabletree.storage.key", key))
	err := b.inner.Remove(ctx, key)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.remove.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.remove.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) List(ctx context.Context, visit func(storage.Object) error) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "list")
	defer span.End()

	count := 0
	err := b.inner.List(ctx, func(obj storage.Object) error {
		count++
		return visit(obj)
	})
	span.SetAttributes(attribute.Int("syncabletree.storage.visited", count))
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.list.error", "visited", count, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.list.success", "visited", count, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) GetDocument(ctx context.Context, name string) ([]byte, error) {
	ds, ok := b.inner.(storage.DocumentStore)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	ctx, span, verbose, begin, finish := b.start(ctx, "get_document")
	defer span.End()

	span.SetAttributes(attribute.String("syncabletree.storage.document", name))
	data, err := ds.GetDocument(ctx, name)
	if err != nil {
		result := "error"
		if errors.Is(err, storage.ErrNotFound) {
			result = "not_found"
		}
		finish(result, err)
		verbose.Debug("storage.get_document.error", "name", name, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	verbose.Debug("storage.get_document.success", "name", name, "bytes", len(data), "elapsed", time.Since(begin))
	return data, nil
}

func (b *backend) PutDocument(ctx context.Context, name string, data []byte) error {
	ds, ok := b.inner.(storage.DocumentStore)
	if !ok {
		return storage.ErrNotImplemented
	}
	ctx, span, verbose, begin, finish := b.start(ctx, "put_document")
	defer span.End()

	span.SetAttributes(attribute.String("syncabletree.storage.document", name))
	if err := ds.PutDocument(ctx, name, data); err != nil {
		finish("error", err)
		verbose.Debug("storage.put_document.error", "name", name, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.put_document.success", "name", name, "bytes", len(data), "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "error", err)
	}
	return err
}

func (b *backend) Unwrap() storage.Backend {
	return b.inner
}
