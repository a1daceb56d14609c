package correlation

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	if ctx = Set(ctx, ""); Has(ctx) {
		t.Fatalf("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestGenerateIsUnique(t *testing.T) {
	t.Parallel()

	a, b := Generate(), Generate()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if _, ok := Normalize(a); !ok || len(a) != 20 {
		t.Fatalf("generated id should be a valid xid, got %q", a)
	}
}

func TestStartTagsLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	ctx, logger := Start(context.Background(), base)
	id := ID(ctx)
	if id == "" {
		t.Fatalf("expected correlation id on context")
	}
	logger.Info("command")
	if !strings.Contains(buf.String(), id) {
		t.Fatalf("expected cid %q in log output %q", id, buf.String())
	}
	if pslog.LoggerFromContext(ctx) == nil {
		t.Fatalf("expected logger stored on context")
	}
}
