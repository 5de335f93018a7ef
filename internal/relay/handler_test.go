package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingorelay/internal/session"
	"github.com/MrWong99/lingorelay/internal/usage"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s/mock"
)

type relayServer struct {
	srv      *httptest.Server
	registry *session.Registry
	provider *mock.Provider
	handler  *Handler
}

func newRelayServer(t *testing.T, provider *mock.Provider) *relayServer {
	t.Helper()
	reg := session.NewRegistry(session.Config{})
	h := NewHandler(HandlerConfig{
		Registry: reg,
		Upstream: provider,
		Sink:     &recordSink{},
		Config:   DefaultConfig(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &relayServer{srv: srv, registry: reg, provider: provider, handler: h}
}

func (s *relayServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func (s *relayServer) createSession(t *testing.T) string {
	t.Helper()
	sess, err := s.registry.Create(context.Background(), session.CreateRequest{
		UserID: "user-1",
		Limits: usage.Limits{DailyMinutes: 30},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess.ID
}

// readUntilClose reads frames until the server closes and returns the close
// status.
func readUntilClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

// ── TestHandler_Refusals ──

func TestHandler_Refusals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		connectErr error
		query      func(s *relayServer, t *testing.T) string
		want       websocket.StatusCode
	}{
		{
			name:  "missing session id",
			query: func(*relayServer, *testing.T) string { return "" },
			want:  CloseMissingSession,
		},
		{
			name:  "unknown session",
			query: func(*relayServer, *testing.T) string { return "?session_id=nope" },
			want:  CloseUnknownSession,
		},
		{
			name:       "missing upstream credentials",
			connectErr: fmt.Errorf("all upstreams failed: %w", s2s.ErrMissingCredentials),
			query:      func(s *relayServer, t *testing.T) string { return "?session_id=" + s.createSession(t) },
			want:       CloseUpstreamNoAuth,
		},
		{
			name:       "upstream unreachable",
			connectErr: errors.New("dial tcp: connection refused"),
			query:      func(s *relayServer, t *testing.T) string { return "?session_id=" + s.createSession(t) },
			want:       CloseUpstreamUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newRelayServer(t, &mock.Provider{ConnectErr: tt.connectErr})
			conn := s.dial(t, tt.query(s, t))
			if got := readUntilClose(t, conn); got != tt.want {
				t.Errorf("close status = %d, want %d", got, tt.want)
			}
			if tt.connectErr != nil && s.registry.Len() != 0 {
				t.Errorf("registry holds %d sessions after failed dial, want 0", s.registry.Len())
			}
		})
	}
}

// ── TestHandler_Session ──

func TestHandler_Session(t *testing.T) {
	t.Parallel()
	up := mock.NewSession()
	s := newRelayServer(t, &mock.Provider{Session: up})
	id := s.createSession(t)

	conn := s.dial(t, "?session_id="+id)
	hello := readMessage(t, conn)
	if hello["type"] != MsgHello || hello["session_id"] != id {
		t.Fatalf("hello = %v", hello)
	}
	if u := readMessage(t, conn); u["type"] != MsgUsage {
		t.Fatalf("second message = %v, want usage", u)
	}

	t.Run("second claim refused", func(t *testing.T) {
		other := s.dial(t, "?session_id="+id)
		if got := readUntilClose(t, other); got != CloseSessionClaimed {
			t.Errorf("close status = %d, want %d", got, CloseSessionClaimed)
		}
	})

	got, err := s.registry.Get(id)
	if err != nil || !got.Claimed {
		t.Fatalf("Get = %+v, %v; want claimed", got, err)
	}
	if s.handler.Tracker().Count() != 1 {
		t.Errorf("tracked connections = %d, want 1", s.handler.Tracker().Count())
	}

	up.Emit(s2s.Event{Type: s2s.EventInputTranscriptCompleted, Transcript: "hola"})
	if tr := readMessage(t, conn); tr["type"] != MsgTranscript || tr["role"] != "user" {
		t.Errorf("transcript = %v", tr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if code := readUntilClose(t, conn); code != websocket.StatusNormalClosure {
		t.Errorf("close status = %d, want normal closure", code)
	}

	if !s.handler.Tracker().Wait(ctx) {
		t.Fatal("connection did not finish")
	}
	if _, err := s.registry.Get(id); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get after close = %v, want ErrSessionNotFound", err)
	}
	if !up.Closed() {
		t.Error("upstream not closed")
	}
}

// ── TestHandler_DeleteEndsConnection ──

func TestHandler_DeleteEndsConnection(t *testing.T) {
	t.Parallel()
	s := newRelayServer(t, &mock.Provider{})
	id := s.createSession(t)

	conn := s.dial(t, "?session_id="+id)
	readMessage(t, conn)

	s.registry.Delete(id)
	if code := readUntilClose(t, conn); code != websocket.StatusGoingAway {
		t.Errorf("close status = %d, want going away", code)
	}
}

// ── TestHandler_ShutdownWarnsAndCancels ──

func TestHandler_ShutdownWarnsAndCancels(t *testing.T) {
	t.Parallel()
	s := newRelayServer(t, &mock.Provider{})
	conn := s.dial(t, "?session_id="+s.createSession(t))
	readMessage(t, conn)
	readMessage(t, conn)

	tr := s.handler.Tracker()
	if n := tr.WarnAll("restarting"); n != 1 {
		t.Fatalf("WarnAll = %d, want 1", n)
	}
	if m := readMessage(t, conn); m["type"] != MsgShutdown {
		t.Errorf("warning = %v", m)
	}
	tr.CancelAll()
	if code := readUntilClose(t, conn); code != websocket.StatusGoingAway {
		t.Errorf("close status = %d, want going away", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Error("connections did not drain")
	}
}
