package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// statusWriter captures the response status. A second WriteHeader is not
// forwarded; it is reported to log when one is set.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
	bytes   int64
	log     *zap.SugaredLogger
	method  string
	path    string
}

func newStatusWriter(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) *statusWriter {
	return &statusWriter{ResponseWriter: w, log: log, method: r.Method, path: r.URL.Path}
}

func (w *statusWriter) WriteHeader(code int) {
	// Informational headers may precede the final one; only 101 is final.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols && !w.written {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	if w.written {
		if w.log != nil {
			w.log.Warnw("superfluous WriteHeader", "method", w.method, "path", w.path, "first", w.status, "second", code)
		}
		return
	}
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Status is the status sent to the client, 200 when the handler wrote nothing.
func (w *statusWriter) Status() int {
	if !w.written {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Flush() {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the handler; the request is then recorded
// as 101 Switching Protocols.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: underlying ResponseWriter does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil && !w.written {
		w.status = http.StatusSwitchingProtocols
		w.written = true
	}
	return conn, rw, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
