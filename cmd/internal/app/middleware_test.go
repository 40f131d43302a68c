package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogging_PreservesStatusAndBytes(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Body.String() != "short and stout" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestLoggingResponseWriter_DefaultsTo200(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	n, err := lrw.Write([]byte("ok"))
	if err != nil || n != 2 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if lrw.status != http.StatusOK || lrw.bytes != 2 {
		t.Fatalf("status=%d bytes=%d", lrw.status, lrw.bytes)
	}
}

// WebSocket upgrades need the wrapped writer to keep exposing Hijacker,
// and slog middleware must not hide Flusher from streaming handlers.
func TestLoggingResponseWriter_OptionalInterfaces(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	var w http.ResponseWriter = lrw
	if _, ok := w.(http.Hijacker); !ok {
		t.Fatalf("Hijacker not exposed")
	}
	if _, ok := w.(http.Flusher); !ok {
		t.Fatalf("Flusher not exposed")
	}
	if _, ok := w.(io.ReaderFrom); !ok {
		t.Fatalf("ReaderFrom not exposed")
	}

	// httptest.ResponseRecorder cannot hijack; the wrapper must surface that
	// as an error rather than panic.
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatalf("expected hijack error on recorder")
	}

	if got := lrw.Unwrap(); got != http.ResponseWriter(rr) {
		t.Fatalf("Unwrap returned %T", got)
	}
}
