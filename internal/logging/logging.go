// Package logging builds the service's slog logger and carries per-request
// fields (request ID, operator, wallet) on the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	operatorKey  contextKey = "operator"
	walletKey    contextKey = "wallet"
	loggerKey    contextKey = "logger"
)

// redactedKeys never reach log output with their values.
var redactedKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"admin_secret":  {},
	"ingest_key":    {},
	"password":      {},
	"secret":        {},
	"token":         {},
}

// Redacted replaces the value of any sensitive attribute.
const Redacted = "[REDACTED]"

// New creates a logger writing to stdout. level is debug, info, warn or
// error (default info); format "json" selects JSON, anything else text.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl <= slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "sybilguard")
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOperator records the authenticated operator on the context
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// Operator extracts the operator name from context
func Operator(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}

// WithWallet records the wallet a request is about.
func WithWallet(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, walletKey, strings.ToLower(wallet))
}

// Wallet extracts the wallet from context
func Wallet(ctx context.Context) string {
	w, _ := ctx.Value(walletKey).(string)
	return w
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger annotated with the request fields present.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	var attrs []any
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if op := Operator(ctx); op != "" {
		attrs = append(attrs, "operator", op)
	}
	if w := Wallet(ctx); w != "" {
		attrs = append(attrs, "wallet", w)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
