package observability

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Sink receives errors that must never reach a caller: background writes,
// report parsing failures, provider diagnostics.
type Sink interface {
	Capture(ctx context.Context, source string, err error, extra map[string]any)
}

type LogSink struct {
	logger  *Logger
	metrics *Metrics
}

func NewLogSink(logger *Logger, metrics *Metrics) *LogSink {
	return &LogSink{logger: logger, metrics: metrics}
}

func (s *LogSink) Capture(ctx context.Context, source string, err error, extra map[string]any) {
	if err == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.SinkCaptures.WithLabelValues(source).Inc()
	}
	if s.logger == nil {
		return
	}
	msg := source + ": " + err.Error()
	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, extra[k]))
		}
		msg += " (" + strings.Join(parts, " ") + ")"
	}
	s.logger.Error(ctx, msg)
}
