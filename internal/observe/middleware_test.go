package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestRouter builds a chi router with the same middleware order the
// server uses. Log output of the request logger goes to buf.
func newTestRouter(m *Metrics, buf *bytes.Buffer) chi.Router {
	base := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(WithLogger(req.Context(), base)))
		})
	})
	r.Use(Middleware(m))
	return r
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// ── TestMiddleware ──

func TestMiddleware_RouteScopedTelemetry(t *testing.T) {
	exp := useTestTracer(t)
	m, reader := newTestMetrics(t)
	var buf bytes.Buffer
	r := newTestRouter(m, &buf)

	var handlerLog *slog.Logger
	r.Get("/v1/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		handlerLog = Logger(req.Context())
		handlerLog.Info("looking up session")
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/0b7c6f1e", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /v1/sessions/{id}" {
		t.Errorf("span name = %q", s.Name)
	}
	if v, _ := spanAttr(s, "http.route"); v.AsString() != "/v1/sessions/{id}" {
		t.Errorf("http.route = %q", v.AsString())
	}
	if v, _ := spanAttr(s, "http.response.status_code"); v.AsInt64() != http.StatusNoContent {
		t.Errorf("http.response.status_code = %d", v.AsInt64())
	}
	if got := rec.Header().Get(CorrelationHeader); got != s.SpanContext.TraceID().String() {
		t.Errorf("%s = %q, want trace id %s", CorrelationHeader, got, s.SpanContext.TraceID())
	}

	met := findMetric(collect(t, reader), "lingorelay.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/v1/sessions/{id}" {
		t.Errorf("path label = %q, want route pattern", v.AsString())
	}
	if v, _ := dp.Attributes.Value("status"); v.AsInt64() != http.StatusNoContent {
		t.Errorf("status label = %d", v.AsInt64())
	}

	out := buf.String()
	for _, want := range []string{"looking up session", "request completed", "request_id=", "trace_id=", "route=/v1/sessions/{id}", "status=204"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if handlerLog == nil {
		t.Fatal("handler did not run")
	}
}

func TestMiddleware_PropagatesTraceParent(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	var buf bytes.Buffer
	r := newTestRouter(m, &buf)

	var cid string
	r.Get("/v1/usage/{user_id}", func(w http.ResponseWriter, req *http.Request) {
		cid = CorrelationID(req.Context())
	})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/v1/usage/u-1", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if cid != traceID {
		t.Errorf("handler correlation id = %q, want %q", cid, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
	if !strings.HasPrefix(rec.Header().Get("traceparent"), "00-"+traceID+"-") {
		t.Errorf("traceparent not injected into response: %q", rec.Header().Get("traceparent"))
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newTestMetrics(t)
	var buf bytes.Buffer
	r := newTestRouter(m, &buf)
	r.Post("/v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))

	s := exp.GetSpans()[0]
	if s.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", s.Status.Code)
	}
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("5xx not logged at error level:\n%s", buf.String())
	}
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newTestMetrics(t)
	var buf bytes.Buffer
	r := newTestRouter(m, &buf)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if v, _ := spanAttr(exp.GetSpans()[0], "http.response.status_code"); v.AsInt64() != http.StatusOK {
		t.Errorf("status = %d, want 200", v.AsInt64())
	}
	if !strings.Contains(buf.String(), "level=DEBUG") || !strings.Contains(buf.String(), "bytes=2") {
		t.Errorf("probe request log:\n%s", buf.String())
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newTestMetrics(t)
	var buf bytes.Buffer
	r := newTestRouter(m, &buf)
	r.Get("/v1/realtime", func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		_ = c.Close(websocket.StatusNormalClosure, "bye")
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/realtime", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("Read = %v, want normal closure", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(exp.GetSpans()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("upgrade span never ended")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if v, _ := spanAttr(exp.GetSpans()[0], "http.response.status_code"); v.AsInt64() != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", v.AsInt64())
	}
}

// ── TestLogLevel ──

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		route  string
		status int
		want   slog.Level
	}{
		{"/readyz", http.StatusOK, slog.LevelDebug},
		{"/readyz", http.StatusServiceUnavailable, slog.LevelWarn},
		{"/metrics", http.StatusOK, slog.LevelDebug},
		{"/v1/sessions", http.StatusCreated, slog.LevelInfo},
		{"/v1/sessions", http.StatusTooManyRequests, slog.LevelInfo},
		{"/v1/realtime", http.StatusSwitchingProtocols, slog.LevelInfo},
		{"/v1/sessions/{id}", http.StatusInternalServerError, slog.LevelError},
	}
	for _, tt := range tests {
		if got := logLevel(tt.route, tt.status); got != tt.want {
			t.Errorf("logLevel(%q, %d) = %v, want %v", tt.route, tt.status, got, tt.want)
		}
	}
}
