package ctxutil

import "context"

type traceDataKey struct{}

// TraceData rides the request context so workers and handlers can log a
// stable trace id without threading it through every signature.
type TraceData struct {
	TraceID   string
	RequestID string
	TaskID    string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

// TraceID returns the trace id carried by ctx, or "" when absent.
func TraceID(ctx context.Context) string {
	if td := GetTraceData(ctx); td != nil {
		return td.TraceID
	}
	return ""
}
