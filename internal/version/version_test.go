package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	t.Parallel()

	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2024-05-06T07:08:09Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	if got := pseudoVersion(settings); got != "v0.0.0-20240506070809-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudoVersion(settings[:1]); got != "" {
		t.Fatalf("expected empty version without vcs.time, got %q", got)
	}
}

func TestGetFillsFields(t *testing.T) {
	t.Parallel()

	info := Get()
	if info.Module == "" || info.Version == "" || !strings.HasPrefix(info.GoVersion, "go") {
		t.Fatalf("incomplete info %+v", info)
	}
	if !strings.HasPrefix(info.String(), info.Module+" ") {
		t.Fatalf("unexpected string %q", info.String())
	}
}
