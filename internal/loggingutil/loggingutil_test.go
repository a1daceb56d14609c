package loggingutil

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	if got := Subsystem("storage", "", ".disk."); got != "storage.disk" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	WithSubsystem(base, "protocol.session").Info("hello")
	if !strings.Contains(buf.String(), "protocol.session") {
		t.Fatalf("expected subsystem in output, got %q", buf.String())
	}
	if WithSubsystem(nil, "") == nil {
		t.Fatalf("expected a usable logger for nil input")
	}
}
