package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/syncabletree/internal/storage"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if wrapped == nil {
		t.Fatal("expected wrapped error")
	}
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
}

func TestNewTransientErrorHandlesNil(t *testing.T) {
	t.Parallel()

	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"SHA256E-s5--abc.txt", "photos/a.jpg", "a/b/c", " spaced name.txt"} {
		got, err := storage.NormalizeKey(in)
		if err != nil {
			t.Fatalf("NormalizeKey(%q): %v", in, err)
		}
		if got != in {
			t.Fatalf("NormalizeKey(%q)=%q want the key unchanged", in, got)
		}
	}
	for _, in := range []string{"", "  ", "../etc/passwd", "a/../../b", "/", ".", "bad\nkey", ".annexmap.json", "x/.annexmap.lock", ".syncabletree/tmp/x"} {
		if _, err := storage.NormalizeKey(in); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("NormalizeKey(%q): expected ErrInvalidKey, got %v", in, err)
		}
	}
}

func TestNormalizeKeyRejectsAliases(t *testing.T) {
	t.Parallel()

	if _, err := storage.NormalizeKey("dir/k1"); err != nil {
		t.Fatalf("NormalizeKey(dir/k1): %v", err)
	}
	for _, alias := range []string{"dir//k1", "dir/./k1", "/dir/k1", `dir\k1`, "dir/k1/", "./dir/k1"} {
		if _, err := storage.NormalizeKey(alias); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("NormalizeKey(%q): expected ErrInvalidKey, got %v", alias, err)
		}
	}
}

func TestCheckDocumentName(t *testing.T) {
	t.Parallel()

	if err := storage.CheckDocumentName(storage.AnnexMapName); err != nil {
		t.Fatalf("CheckDocumentName(%q): %v", storage.AnnexMapName, err)
	}
	for _, name := range []string{"", "annexmap.json", "photos/a.jpg", "/.annexmap.json", "a//.annexmap.json"} {
		if err := storage.CheckDocumentName(name); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("CheckDocumentName(%q): expected ErrInvalidKey, got %v", name, err)
		}
	}
}

func TestIsReserved(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		".annexmap.json":            true,
		"sub/.annexmap.json.lock":   true,
		"..annexmap.json123":        true,
		".syncabletree":             true,
		".syncabletree/info/k.json": true,
		"docs/.syncabletree":        false,
		"annexmap.json":             false,
		"photos/a.jpg":              false,
	}
	for rel, want := range cases {
		if got := storage.IsReserved(rel); got != want {
			t.Fatalf("IsReserved(%q)=%v want %v", rel, got, want)
		}
	}
}

func TestWriteFileAtomicLeavesNothingOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "sub", "out")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := storage.WriteFileAtomic(ctx, dest, strings.NewReader("data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, found %d entries", len(entries))
	}

	n, err := storage.WriteFileAtomic(context.Background(), dest, strings.NewReader("data"))
	if err != nil || n != 4 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "data" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestResolveUploadOptionsDefaults(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(src, []byte(`{"a":1}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts := storage.ResolveUploadOptions(src, "KEY", storage.UploadOptions{})
	if opts.Name != "KEY" {
		t.Fatalf("expected name to default to key, got %q", opts.Name)
	}
	if opts.ContentType != storage.ContentTypeJSON {
		t.Fatalf("expected json content type, got %q", opts.ContentType)
	}
	kept := storage.ResolveUploadOptions(src, "KEY", storage.UploadOptions{Name: "a.json", ContentType: "text/plain"})
	if kept.Name != "a.json" || kept.ContentType != "text/plain" {
		t.Fatalf("explicit options overwritten: %+v", kept)
	}
}

func TestNameEncodingRoundTrip(t *testing.T) {
	t.Parallel()

	name := "photos/2024/ä b%.jpg"
	encoded := storage.EncodeName(name)
	if strings.ContainsAny(encoded, " ä") {
		t.Fatalf("encoded name not header safe: %q", encoded)
	}
	if got := storage.DecodeName(encoded); got != name {
		t.Fatalf("decode mismatch: %q", got)
	}
	if got := storage.DecodeName("%zz"); got != "%zz" {
		t.Fatalf("expected undecodable value verbatim, got %q", got)
	}
	meta := map[string]string{"X-Amz-Meta-Syncabletree-Path": encoded}
	if got, ok := storage.LookupMetadata(meta, storage.NameMetadataKey); !ok || got != encoded {
		t.Fatalf("lookup failed: %q %v", got, ok)
	}
}
