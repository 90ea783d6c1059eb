package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStreamSink appends request records to a Redis stream for downstream
// telemetry consumers. Failures are logged and dropped.
type RedisStreamSink struct {
	client  redis.Cmdable
	stream  string
	maxLen  int64
	timeout time.Duration
	log     *zap.SugaredLogger
}

// RedisSinkOption configures NewRedisStreamSink.
type RedisSinkOption func(*RedisStreamSink)

// WithStreamMaxLen trims the stream to about n entries. Default 10000.
func WithStreamMaxLen(n int64) RedisSinkOption {
	return func(s *RedisStreamSink) { s.maxLen = n }
}

// WithStreamTimeout bounds each XADD. Default 500ms.
func WithStreamTimeout(d time.Duration) RedisSinkOption {
	return func(s *RedisStreamSink) { s.timeout = d }
}

func NewRedisStreamSink(client redis.Cmdable, stream string, log *zap.SugaredLogger, opts ...RedisSinkOption) *RedisStreamSink {
	s := &RedisStreamSink{client: client, stream: stream, maxLen: 10000, timeout: 500 * time.Millisecond, log: log}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStreamSink) Emit(ctx context.Context, rec Record) {
	enrichment, err := json.Marshal(rec.Enrichment)
	if err != nil {
		s.log.Warnw("request record encode", "stream", s.stream, "err", err)
		return
	}
	values := map[string]any{
		"ts":         rec.Time.UTC().Format(time.RFC3339Nano),
		"level":      string(rec.Level),
		"message":    rec.Message(),
		"method":     rec.Method,
		"path":       rec.Path,
		"route":      rec.Route,
		"status":     rec.StatusCode,
		"elapsed_ms": rec.ElapsedMs,
		"canceled":   rec.Canceled,
		"enrichment": string(enrichment),
	}
	if rec.Fault != nil {
		values["fault"] = fmt.Sprint(rec.Fault)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.log.Warnw("request record xadd", "stream", s.stream, "err", err)
	}
}
