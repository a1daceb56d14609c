package annex

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Resolver maps a content key to the readable path git-annex tracks it at.
type Resolver interface {
	ReadablePath(ctx context.Context, key string) (string, error)
}

// Registrar adds files to the annex and commits the result.
type Registrar interface {
	Register(ctx context.Context, path string) (string, error)
	Commit(ctx context.Context, message string) error
}

// StaticResolver answers with the key itself.
type StaticResolver struct{}

// ReadablePath returns key.
func (StaticResolver) ReadablePath(_ context.Context, key string) (string, error) {
	return key, nil
}

// GitResolver asks `git annex find` for the first work tree file using key.
type GitResolver struct {
	Runner Runner
}

// ReadablePath returns the slash separated work tree path of key, or an
// empty string when no file currently points at it.
func (r GitResolver) ReadablePath(ctx context.Context, key string) (string, error) {
	res, err := r.Runner.Run(ctx, "git", "annex", "find", "--key", key, "--format=${file}\\n")
	if err != nil {
		return "", fmt.Errorf("annex: find %s: %w", key, err)
	}
	first, _, _ := strings.Cut(res.Stdout, "\n")
	return filepath.ToSlash(strings.TrimRight(first, "\r\n")), nil
}

// GitRegistrar registers files through the git-annex CLI.
type GitRegistrar struct {
	Runner Runner
}

// Register runs `git annex add` on path and returns the key it was assigned.
func (r GitRegistrar) Register(ctx context.Context, path string) (string, error) {
	if _, err := r.Runner.Run(ctx, "git", "annex", "add", "--", path); err != nil {
		return "", fmt.Errorf("annex: add %s: %w", path, err)
	}
	res, err := r.Runner.Run(ctx, "git", "annex", "lookupkey", "--", path)
	if err != nil {
		return "", fmt.Errorf("annex: lookupkey %s: %w", path, err)
	}
	key := strings.TrimSpace(res.Stdout)
	if key == "" {
		return "", fmt.Errorf("annex: no key assigned to %s", path)
	}
	return key, nil
}

// Commit records the work tree changes.
func (r GitRegistrar) Commit(ctx context.Context, message string) error {
	if _, err := r.Runner.Run(ctx, "git", "commit", "-m", message); err != nil {
		return fmt.Errorf("annex: commit: %w", err)
	}
	return nil
}
