// Package correlation tags each handled command with a short identifier that
// follows it through logs and trace spans.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
	"pkt.systems/pslog"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx. Invalid identifiers leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Start attaches a fresh identifier to ctx and returns a logger carrying it
// as cid. The logger is also stored on the returned context.
func Start(ctx context.Context, logger pslog.Logger) (context.Context, pslog.Logger) {
	ctx = Set(ctx, Generate())
	if logger != nil {
		logger = logger.With("cid", ID(ctx))
		ctx = pslog.ContextWithLogger(ctx, logger)
	}
	return ctx, logger
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new sortable correlation identifier.
func Generate() string {
	return xid.New().String()
}
