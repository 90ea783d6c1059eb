package middleware

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"bearergate/pkg/identity"
)

func TestRequestLog_Completed(t *testing.T) {
	sink := &recordingSink{}
	h := RequestID()(RequestLog(sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(12 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})))

	r := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	r.Header.Add("Accept", "text/html")
	r.Header.Add("Accept", "application/json")
	r.Header.Set(HeaderRequestID, "req-1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	rec := sink.only(t)
	assert.Equal(t, http.MethodGet, rec.Method)
	assert.Equal(t, "/api/test", rec.Path)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.Equal(t, LevelInformation, rec.Level)
	assert.GreaterOrEqual(t, rec.ElapsedMs, 12.0)
	assert.Nil(t, rec.Fault)
	assert.False(t, rec.Canceled)
	assert.Regexp(t, `^HTTP GET /api/test responded 200 in \d+\.\d{4} ms$`, rec.Message())

	headers := rec.Enrichment[KeyRequestHeaders].(map[string]string)
	assert.Equal(t, "text/html,application/json", headers["Accept"])
	assert.Equal(t, "example.com", rec.Enrichment[KeyRequestHost])
	assert.Equal(t, "HTTP/1.1", rec.Enrichment[KeyRequestProtocol])
	assert.Equal(t, "req-1", rec.Enrichment[KeyRequestID])
	assert.NotContains(t, rec.Enrichment, KeyUserID)
	assert.NotContains(t, rec.Enrichment, KeyRequestForm)
}

func TestRequestLog_ConcurrentRequestsTimedSeparately(t *testing.T) {
	sink := &recordingSink{}
	delays := map[string]time.Duration{"/fast": 10 * time.Millisecond, "/slow": 80 * time.Millisecond}
	h := RequestLog(sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity.New(SchemeBearer, identity.Claim{Type: identity.ClaimObjectID, Value: r.URL.Path})
		identity.Attach(r.Context(), id)
		time.Sleep(delays[r.URL.Path])
		w.WriteHeader(http.StatusNoContent)
	}))

	var wg sync.WaitGroup
	for path := range delays {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		}(path)
	}
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.records, 2)
	byPath := map[string]Record{}
	for _, rec := range sink.records {
		byPath[rec.Path] = rec
	}
	fast, slow := byPath["/fast"], byPath["/slow"]
	assert.GreaterOrEqual(t, fast.ElapsedMs, 10.0)
	assert.Less(t, fast.ElapsedMs, 80.0)
	assert.GreaterOrEqual(t, slow.ElapsedMs, 80.0)
	assert.Equal(t, "/fast", fast.Enrichment[KeyUserID])
	assert.Equal(t, "/slow", slow.Enrichment[KeyUserID])
}

func TestRequestLog_Levels(t *testing.T) {
	tests := []struct {
		status int
		want   Level
	}{
		{http.StatusOK, LevelInformation},
		{http.StatusNotFound, LevelInformation},
		{http.StatusUnauthorized, LevelInformation},
		{http.StatusInternalServerError, LevelError},
		{http.StatusBadGateway, LevelError},
	}
	for _, tt := range tests {
		sink := &recordingSink{}
		h := RequestLog(sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		rec := sink.only(t)
		assert.Equal(t, tt.status, rec.StatusCode)
		assert.Equal(t, tt.want, rec.Level, "status %d", tt.status)
	}
}

func TestRequestLog_DefaultStatus(t *testing.T) {
	sink := &recordingSink{}
	RequestLog(sink)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, sink.only(t).StatusCode)
}

type faultErr struct{ msg string }

func TestRequestLog_FaultIsRecordedAndRepanicked(t *testing.T) {
	sink := &recordingSink{}
	fault := &faultErr{msg: "boom"}
	h := RequestLog(sink)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(fault)
	}))

	assert.PanicsWithValue(t, fault, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/test", nil))
	})

	rec := sink.only(t)
	assert.Equal(t, LevelError, rec.Level)
	assert.Equal(t, http.StatusInternalServerError, rec.StatusCode)
	assert.Same(t, fault, rec.Fault)
}

func TestRequestLog_RecoverAnswers500(t *testing.T) {
	sink := &recordingSink{}
	h := Recover(zap.NewNop().Sugar())(RequestLog(sink)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	w := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil)) })
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "boom", sink.only(t).Fault)
}

func TestRequestLog_Canceled(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	h := RequestLog(sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx))

	rec := sink.only(t)
	assert.True(t, rec.Canceled)
	assert.Greater(t, rec.ElapsedMs, 0.0)
	assert.NoError(t, sink.ctxs[0].Err())
}

func TestRequestLog_UserID(t *testing.T) {
	tests := []struct {
		name   string
		claims []identity.Claim
		want   string
	}{
		{"name identifier first", []identity.Claim{
			{Type: identity.ClaimObjectID, Value: "oid-1"},
			{Type: identity.ClaimNameIdentifier, Value: "nid-1"},
		}, "nid-1"},
		{"oid", []identity.Claim{{Type: identity.ClaimObjectID, Value: "oid-1"}}, "oid-1"},
		{"object identifier", []identity.Claim{{Type: identity.ClaimObjectIdentifier, Value: "obj-1"}}, "obj-1"},
		{"empty skipped", []identity.Claim{
			{Type: identity.ClaimNameIdentifier, Value: ""},
			{Type: identity.ClaimObjectIdentifier, Value: "obj-1"},
		}, "obj-1"},
		{"none", []identity.Claim{{Type: "sub", Value: "s"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			attach := func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					id := identity.New(SchemeBearer, tt.claims...)
					next.ServeHTTP(w, r.WithContext(identity.Attach(r.Context(), id)))
				})
			}
			RequestLog(sink)(attach(okHandler)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			rec := sink.only(t)
			if tt.want == "" {
				assert.NotContains(t, rec.Enrichment, KeyUserID)
				return
			}
			assert.Equal(t, tt.want, rec.Enrichment[KeyUserID])
		})
	}
}

func TestRequestLog_UserIDFromAuthenticator(t *testing.T) {
	cfg := azureHS256(t, "")
	a, err := NewAuthenticator(cfg)
	require.NoError(t, err)
	sink := &recordingSink{}
	h := RequestLog(sink)(a.Middleware()(okHandler))

	tok := hsToken(t, cfg, withClaims(map[string]any{identity.ClaimObjectID: "oid-42"}))
	h.ServeHTTP(httptest.NewRecorder(), bearer(httptest.NewRequest(http.MethodGet, "/", nil), tok))
	assert.Equal(t, "oid-42", sink.only(t).Enrichment[KeyUserID])
}

func TestRequestLog_RedactsHeaders(t *testing.T) {
	sink := &recordingSink{}
	r := bearer(httptest.NewRequest(http.MethodGet, "/", nil), "secret")
	r.Header.Set("X-Custom", "v")
	RequestLog(sink, WithRedactedHeaders("authorization", " "))(okHandler).ServeHTTP(httptest.NewRecorder(), r)

	headers := sink.only(t).Enrichment[KeyRequestHeaders].(map[string]string)
	assert.Equal(t, Redacted, headers["Authorization"])
	assert.Equal(t, "v", headers["X-Custom"])
}

func TestRequestLog_TraceIDFallback(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "request")
	defer span.End()

	sink := &recordingSink{}
	RequestLog(sink)(okHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, span.SpanContext().TraceID().String(), sink.only(t).Enrichment[KeyRequestID])
}

func TestRequestLog_URLEncodedForm(t *testing.T) {
	sink := &recordingSink{}
	var seen string
	h := RequestLog(sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		seen = r.PostForm.Get("b")
	}))
	r := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader("a=1&a=2&b=x"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "x", seen)
	assert.Equal(t, map[string]string{"a": "1,2", "b": "x"}, sink.only(t).Enrichment[KeyRequestForm])
}

func TestRequestLog_MultipartForm(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "ada"))
	fw, err := mw.CreateFormFile("upload", "a.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("file content"))
	require.NoError(t, mw.Close())

	sink := &recordingSink{}
	var upload string
	h := RequestLog(sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("upload")
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		upload = string(b)
	}))
	r := httptest.NewRequest(http.MethodPost, "/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "file content", upload)
	assert.Equal(t, map[string]string{"name": "ada"}, sink.only(t).Enrichment[KeyRequestForm])
}

func TestRequestLog_OversizedFormPassesThrough(t *testing.T) {
	sink := &recordingSink{}
	var got []byte
	h := RequestLog(sink, WithMaxFormBytes(4))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
	}))
	r := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader("a=123456789"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "a=123456789", string(got))
	assert.NotContains(t, sink.only(t).Enrichment, KeyRequestForm)
}

func TestRequestLog_JSONBodyNotCaptured(t *testing.T) {
	sink := &recordingSink{}
	r := httptest.NewRequest(http.MethodPost, "/json", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")
	RequestLog(sink)(okHandler).ServeHTTP(httptest.NewRecorder(), r)
	assert.NotContains(t, sink.only(t).Enrichment, KeyRequestForm)
}

func TestRequestLog_RoutePattern(t *testing.T) {
	sink := &recordingSink{}
	r := chi.NewRouter()
	r.Use(RequestLog(sink))
	r.Get("/items/{id}", okHandler)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/7", nil))
	rec := sink.only(t)
	assert.Equal(t, "/items/{id}", rec.Route)
	assert.Equal(t, "/items/7", rec.Path)
}
