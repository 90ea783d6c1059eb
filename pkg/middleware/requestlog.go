package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"bearergate/pkg/identity"
)

// Level is the severity of a request record.
type Level string

const (
	LevelInformation Level = "Information"
	LevelError       Level = "Error"
)

// Enrichment keys.
const (
	KeyRequestHeaders  = "RequestHeaders"
	KeyRequestHost     = "RequestHost"
	KeyRequestProtocol = "RequestProtocol"
	KeyRequestID       = "RequestId"
	KeyUserID          = "UserId"
	KeyRequestForm     = "RequestForm"
)

// Redacted replaces the value of redacted headers.
const Redacted = "[REDACTED]"

// Record is the single log record emitted per request.
type Record struct {
	Time       time.Time
	Method     string
	Path       string
	Route      string
	StatusCode int
	ElapsedMs  float64
	Level      Level
	Fault      any
	Canceled   bool
	Enrichment map[string]any
}

// Message renders the record with the fixed request template.
func (r Record) Message() string {
	return fmt.Sprintf("HTTP %s %s responded %d in %.4f ms", r.Method, r.Path, r.StatusCode, r.ElapsedMs)
}

type requestLogSettings struct {
	redact       map[string]struct{}
	maxFormBytes int64
	log          *zap.SugaredLogger
}

// RequestLogOption configures RequestLog.
type RequestLogOption func(*requestLogSettings)

// WithRedactedHeaders replaces the values of the named headers with Redacted.
func WithRedactedHeaders(names ...string) RequestLogOption {
	return func(s *requestLogSettings) {
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				s.redact[http.CanonicalHeaderKey(n)] = struct{}{}
			}
		}
	}
}

// WithMaxFormBytes bounds the body copy used for form capture. Larger bodies
// are passed through without a RequestForm entry. Default 64 KiB.
func WithMaxFormBytes(n int64) RequestLogOption {
	return func(s *requestLogSettings) { s.maxFormBytes = n }
}

// WithDiagnostics reports misbehaving handlers (double WriteHeader) and form
// capture errors to log.
func WithDiagnostics(log *zap.SugaredLogger) RequestLogOption {
	return func(s *requestLogSettings) { s.log = log }
}

// RequestLog emits exactly one Record per request to sink, including
// requests whose handler panicked or whose client went away. A panic is
// recorded as a 500 and re-raised unchanged once the record is emitted.
func RequestLog(sink Sink, opts ...RequestLogOption) func(http.Handler) http.Handler {
	s := requestLogSettings{redact: map[string]struct{}{}, maxFormBytes: 64 << 10}
	for _, o := range opts {
		o(&s)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, _ := identity.WithHolder(r.Context())
			r = r.WithContext(ctx)
			form := s.captureForm(r)
			sw := newStatusWriter(w, r, s.log)

			defer func() {
				if rec := recover(); rec != nil {
					s.emit(sink, r, start, http.StatusInternalServerError, rec, form)
					panic(rec)
				}
			}()
			next.ServeHTTP(sw, r)
			s.emit(sink, r, start, sw.Status(), nil, form)
		})
	}
}

func (s *requestLogSettings) emit(sink Sink, r *http.Request, start time.Time, status int, fault any, form map[string]string) {
	elapsed := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)
	ctx := r.Context()
	rec := Record{
		Time:       start,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		ElapsedMs:  elapsed,
		Level:      LevelInformation,
		Fault:      fault,
		Canceled:   errors.Is(ctx.Err(), context.Canceled),
		Enrichment: s.enrich(r, form),
	}
	if fault != nil || status >= http.StatusInternalServerError {
		rec.Level = LevelError
	}
	if rctx := chi.RouteContext(ctx); rctx != nil {
		rec.Route = rctx.RoutePattern()
	}
	sink.Emit(context.WithoutCancel(ctx), rec)
}

func (s *requestLogSettings) enrich(r *http.Request, form map[string]string) map[string]any {
	ctx := r.Context()
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if _, ok := s.redact[k]; ok {
			headers[k] = Redacted
			continue
		}
		headers[k] = strings.Join(v, ",")
	}
	e := map[string]any{
		KeyRequestHeaders:  headers,
		KeyRequestHost:     r.Host,
		KeyRequestProtocol: r.Proto,
	}
	if id := RequestIDFrom(ctx); id != "" {
		e[KeyRequestID] = id
	} else if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e[KeyRequestID] = sc.TraceID().String()
	}
	if uid := identity.From(ctx).FirstNonEmpty(
		identity.ClaimNameIdentifier,
		identity.ClaimObjectID,
		identity.ClaimObjectIdentifier,
	); uid != "" {
		e[KeyUserID] = uid
	}
	if form != nil {
		e[KeyRequestForm] = form
	}
	return e
}

// captureForm parses url-encoded and multipart bodies from a bounded copy
// and restores the body for the handler.
func (s *requestLogSettings) captureForm(r *http.Request) map[string]string {
	if r.Body == nil || r.Body == http.NoBody || s.maxFormBytes <= 0 {
		return nil
	}
	mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || (mt != "application/x-www-form-urlencoded" && mt != "multipart/form-data") {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, s.maxFormBytes+1))
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil || int64(len(buf)) > s.maxFormBytes {
		return nil
	}

	var values url.Values
	if mt == "application/x-www-form-urlencoded" {
		values, err = url.ParseQuery(string(buf))
	} else {
		var f *multipart.Form
		f, err = multipart.NewReader(bytes.NewReader(buf), params["boundary"]).ReadForm(s.maxFormBytes)
		if err == nil {
			values = f.Value
			_ = f.RemoveAll()
		}
	}
	if err != nil {
		if s.log != nil {
			s.log.Debugw("form capture skipped", "path", r.URL.Path, "err", err)
		}
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = strings.Join(v, ",")
	}
	return out
}

type replayBody struct {
	io.Reader
	io.Closer
}
