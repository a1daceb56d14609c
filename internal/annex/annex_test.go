package annex

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"testing"
)

type call struct {
	program string
	args    []string
}

type fakeRunner struct {
	calls   []call
	outputs map[string]string
	fail    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, program string, args ...string) (*Result, error) {
	f.calls = append(f.calls, call{program: program, args: args})
	sub := ""
	if len(args) > 1 && args[0] == "annex" {
		sub = args[1]
	} else if len(args) > 0 {
		sub = args[0]
	}
	if err := f.fail[sub]; err != nil {
		return &Result{ExitCode: 1}, err
	}
	return &Result{Stdout: f.outputs[sub]}, nil
}

func TestGitResolverUsesFirstLine(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string]string{"find": "photos/a b.jpg\nother/copy.jpg\n"}}
	got, err := GitResolver{Runner: runner}.ReadablePath(context.Background(), "SHA256E-s1--k.jpg")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "photos/a b.jpg" {
		t.Fatalf("unexpected path %q", got)
	}
	want := []string{"annex", "find", "--key", "SHA256E-s1--k.jpg", "--format=${file}\\n"}
	if !reflect.DeepEqual(runner.calls[0].args, want) {
		t.Fatalf("unexpected args %q", runner.calls[0].args)
	}
}

func TestGitResolverKeepsSurroundingSpaces(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string]string{"find": " notes/ draft .txt \r\nother.txt\n"}}
	got, err := GitResolver{Runner: runner}.ReadablePath(context.Background(), "K")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != " notes/ draft .txt " {
		t.Fatalf("expected spaces in the file name kept, got %q", got)
	}
}

func TestGitResolverEmptyOutput(t *testing.T) {
	t.Parallel()

	got, err := GitResolver{Runner: &fakeRunner{}}.ReadablePath(context.Background(), "K")
	if err != nil || got != "" {
		t.Fatalf("expected empty path, got %q err %v", got, err)
	}
}

func TestGitRegistrarRegister(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string]string{"lookupkey": "SHA256E-s4--abcd.txt\n"}}
	key, err := GitRegistrar{Runner: runner}.Register(context.Background(), "docs/a.txt")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if key != "SHA256E-s4--abcd.txt" {
		t.Fatalf("unexpected key %q", key)
	}
	if len(runner.calls) != 2 || runner.calls[0].args[1] != "add" || runner.calls[1].args[1] != "lookupkey" {
		t.Fatalf("unexpected call sequence %+v", runner.calls)
	}
}

func TestGitRegistrarFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("not a git repository")
	runner := &fakeRunner{fail: map[string]error{"add": boom}}
	if _, err := (GitRegistrar{Runner: runner}).Register(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected add failure, got %v", err)
	}
	if _, err := (GitRegistrar{Runner: &fakeRunner{}}).Register(context.Background(), "x"); err == nil {
		t.Fatalf("expected error when no key is reported")
	}
	runner = &fakeRunner{fail: map[string]error{"commit": boom}}
	if err := (GitRegistrar{Runner: runner}).Commit(context.Background(), "msg"); !errors.Is(err, boom) {
		t.Fatalf("expected commit failure, got %v", err)
	}
}

func TestStaticResolverReturnsKey(t *testing.T) {
	t.Parallel()

	got, err := StaticResolver{}.ReadablePath(context.Background(), "KEY")
	if err != nil || got != "KEY" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}

func TestExecutorCapturesOutputAndExitCode(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	exe := &Executor{Dir: t.TempDir(), Env: map[string]string{"SYNCABLETREE_TEST": "value"}}
	res, err := exe.Run(context.Background(), "sh", "-c", `printf "$SYNCABLETREE_TEST"; echo problem >&2; exit 3`)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Fatalf("unexpected exit code %d/%d", exitErr.ExitCode, res.ExitCode)
	}
	if res.Stdout != "value" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
	if !strings.Contains(err.Error(), "problem") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	if _, err := exe.Run(context.Background(), "sh", "-c", "true"); err != nil {
		t.Fatalf("unexpected error for successful command: %v", err)
	}
}
