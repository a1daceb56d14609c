package logging

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/storage"
	"pkt.systems/syncabletree/internal/storage/memory"
	"pkt.systems/syncabletree/internal/storage/storagetest"
)

func TestWrapRecordsSpansAndLogs(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel})
	wrapped := Wrap(memory.New(), logger, "storage.memory")
	ctx := context.Background()

	src := storagetest.WriteTemp(t, "src", []byte("data"))
	if err := wrapped.Upload(ctx, src, "k1", storage.UploadOptions{Name: "a/b.txt"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	err := wrapped.Download(ctx, "missing", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "syncabletree.storage.upload" || spans[1].Name() != "syncabletree.storage.download" {
		t.Fatalf("unexpected span names %q %q", spans[0].Name(), spans[1].Name())
	}
	out := buf.String()
	for _, want := range []string{"storage.upload.success", "storage.download.error"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
}

func TestWrapForwardsDescription(t *testing.T) {
	t.Parallel()

	wrapped := Wrap(memory.NewNamed("described"), nil, "storage.memory")
	desc, ok := storage.Describe(wrapped)
	if !ok || desc.Kind != "memory" || !desc.Local {
		t.Fatalf("unexpected description %+v ok=%v", desc, ok)
	}
	if err := wrapped.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
