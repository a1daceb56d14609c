package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseValidCommands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line string
		want Command
	}{
		{"INITREMOTE\n", Command{Verb: VerbInitRemote}},
		{"cost\r\n", Command{Verb: VerbGetCost}},
		{"EXIT", Command{Verb: VerbQuit}},
		{"CHECKPRESENT SHA256E-s5--abc", Command{Verb: VerbCheckPresent, Args: []string{"SHA256E-s5--abc"}}},
		{"TRANSFER STORE k1 5 /tmp/my file.txt\n", Command{Verb: VerbTransfer, Args: []string{"STORE", "k1", "5", "/tmp/my file.txt"}, Size: 5}},
		{"TRANSFER retrieve k1 0 out", Command{Verb: VerbTransfer, Args: []string{"RETRIEVE", "k1", "0", "out"}, Size: 0}},
		{"SETCONFIG availability globally-available", Command{Verb: VerbSetConfig, Args: []string{"availability", "globally-available"}}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.line, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"CHECKPRESENT",
		"CHECKPRESENT a b",
		"PREPARE now",
		"TRANSFER STORE k1 5",
		"TRANSFER STORE k1 five /tmp/f",
		"TRANSFER STORE k1 -1 /tmp/f",
		"TRANSFER COPY k1 5 /tmp/f",
		"TRANSFER RETRIEVE k1 5 -",
		"SETCONFIG cost",
	} {
		if _, err := Parse(line); !errors.Is(err, ErrMalformedCommand) {
			t.Fatalf("Parse(%q): expected ErrMalformedCommand, got %v", line, err)
		}
	}
}

func TestParseUnknownVerb(t *testing.T) {
	t.Parallel()

	if _, err := Parse("FOO bar"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestCommandAccessors(t *testing.T) {
	t.Parallel()

	cmd, err := Parse("TRANSFER STORE k9 3 -")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cmd.Inline() || cmd.Key() != "k9" || cmd.Direction() != DirectionStore || cmd.Size != 3 {
		t.Fatalf("unexpected accessors for %+v", cmd)
	}
	remove, _ := Parse("REMOVE k9")
	if remove.Key() != "k9" || remove.Inline() {
		t.Fatalf("unexpected accessors for %+v", remove)
	}
}
