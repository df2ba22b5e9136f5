/*
Package clog provides Context with logging metadata, as well as logging helper functions.
*/
package log

import (
	"context"
)

// unique type to prevent assignment.
type clogContextKeyType struct{}

// singleton value to identify our logging metadata in context
var clogContextKey = clogContextKeyType{}

// logging context is immutable after creation, so we don't have to worry about locking.
type metadata map[string]any

func (m metadata) Flat() []any {
	out := []any{}
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}

// Return a new context, adding in the provided values to the logging metadata
func WithLogValues(ctx context.Context, args ...string) context.Context {
	oldMetadata, _ := ctx.Value(clogContextKey).(metadata)
	var newMetadata = metadata{}
	for k, v := range oldMetadata {
		newMetadata[k] = v
	}
	for i := 1; i < len(args); i += 2 {
		newMetadata[args[i-1]] = args[i]
	}
	return context.WithValue(ctx, clogContextKey, newMetadata)
}

// RequestID returns the request ID stored by WithLogValues, if any
func RequestID(ctx context.Context) string {
	meta, _ := ctx.Value(clogContextKey).(metadata)
	requestID, _ := meta["request_id"].(string)
	return requestID
}

func LogCtx(ctx context.Context, message string, args ...any) {
	requestID, allArgs := ctxArgs(ctx, args)
	if requestID == "" {
		LogNoRequestID(message, allArgs...)
	} else {
		Log(requestID, message, allArgs...)
	}
}

func LogCtxError(ctx context.Context, message string, err error, args ...any) {
	requestID, allArgs := ctxArgs(ctx, args)
	if requestID == "" {
		LogErrorNoRequestID(message, err, allArgs...)
	} else {
		LogError(requestID, message, err, allArgs...)
	}
}

func ctxArgs(ctx context.Context, args []any) (string, []any) {
	meta, _ := ctx.Value(clogContextKey).(metadata)
	requestID, _ := meta["request_id"].(string)
	allArgs := []any{}
	for k, v := range meta {
		// already carried by the per-request logger
		if k == "request_id" {
			continue
		}
		allArgs = append(allArgs, k, v)
	}
	return requestID, append(allArgs, args...)
}
