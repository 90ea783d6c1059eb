package middleware

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Sink receives request records. Implementations must be safe for
// concurrent use and handle their own failures.
type Sink interface {
	Emit(ctx context.Context, rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record)

func (f SinkFunc) Emit(ctx context.Context, rec Record) { f(ctx, rec) }

// MultiSink fans a record out to every sink in order. Nil sinks are skipped.
func MultiSink(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return multiSink(out)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, rec Record) {
	for _, s := range m {
		s.Emit(ctx, rec)
	}
}

// ZapSink writes records to log: Error level records with Errorw, the rest
// with Infow.
func ZapSink(log *zap.SugaredLogger) Sink {
	return SinkFunc(func(_ context.Context, rec Record) {
		kv := []any{
			"method", rec.Method,
			"path", rec.Path,
			"status", rec.StatusCode,
			"elapsed_ms", rec.ElapsedMs,
		}
		if rec.Route != "" {
			kv = append(kv, "route", rec.Route)
		}
		keys := make([]string, 0, len(rec.Enrichment))
		for k := range rec.Enrichment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv = append(kv, k, rec.Enrichment[k])
		}
		if rec.Canceled {
			kv = append(kv, "canceled", true)
		}
		if rec.Fault != nil {
			kv = append(kv, "fault", rec.Fault)
		}
		if rec.Level == LevelError {
			log.Errorw(rec.Message(), kv...)
			return
		}
		log.Infow(rec.Message(), kv...)
	})
}
