package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// collect reads n client messages after the setup message.
func collect(t *testing.T, n int, out chan<- []map[string]any) func(*websocket.Conn, *http.Request) {
	return func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		var msgs []map[string]any
		for range n {
			var raw map[string]any
			readJSON(t, conn, &raw)
			msgs = append(msgs, raw)
		}
		out <- msgs
		<-conn.CloseRead(context.Background()).Done()
	}
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

// nextEvent waits for one event from handle.
func nextEvent(t *testing.T, handle s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case evt, ok := <-handle.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
	var zero T
	return zero
}

// ── TestConnect ───────────────────────────────────────────────────────────────

func TestConnect_MissingAPIKey(t *testing.T) {
	t.Parallel()
	_, err := gemini.New("").Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type seen struct {
		key   string
		setup map[string]any
	}
	got := make(chan seen, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- seen{key: r.URL.Query().Get("key"), setup: msg}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("gemini-live-test"))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Voice:              "Kore",
		Instructions:       "Speak Spanish.",
		TranscriptionModel: "default",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	s := wait(t, got)
	if s.key != "test-api-key" {
		t.Errorf("key = %q", s.key)
	}
	setup, _ := s.setup["setup"].(map[string]any)
	if setup["model"] != "models/gemini-live-test" {
		t.Errorf("model = %v", setup["model"])
	}
	si, _ := setup["systemInstruction"].(map[string]any)
	parts, _ := si["parts"].([]any)
	if len(parts) != 1 || parts[0].(map[string]any)["text"] != "Speak Spanish." {
		t.Errorf("systemInstruction = %v", si)
	}
	gen, _ := setup["generationConfig"].(map[string]any)
	voice, _ := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)
	if voice["voiceName"] != "Kore" {
		t.Errorf("voice = %v", voice)
	}
	rtc, _ := setup["realtimeInputConfig"].(map[string]any)
	aad, _ := rtc["automaticActivityDetection"].(map[string]any)
	if aad["disabled"] != true {
		t.Errorf("automatic activity detection = %v, want disabled", aad)
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("input transcription not requested")
	}
	if _, ok := setup["outputAudioTranscription"]; !ok {
		t.Error("output transcription not requested")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── TestManualTurn ────────────────────────────────────────────────────────────

func TestManualTurn_StreamsOnCreateResponse(t *testing.T) {
	t.Parallel()

	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 3, msgs))
	handle := connect(t, srv, s2s.SessionConfig{})
	ctx := context.Background()

	first := []byte{1, 2, 3, 4}
	discarded := []byte{9, 9}
	if err := handle.AppendAudio(ctx, discarded); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := handle.ClearInput(ctx); err != nil {
		t.Fatalf("ClearInput: %v", err)
	}
	if err := handle.AppendAudio(ctx, first); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := handle.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := handle.CreateResponse(ctx, s2s.ResponseOptions{}); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	got := wait(t, msgs)
	if _, ok := got[0]["realtimeInput"].(map[string]any)["activityStart"]; !ok {
		t.Errorf("msg[0] = %v, want activityStart", got[0])
	}
	chunks, _ := got[1]["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
	if len(chunks) != 1 {
		t.Fatalf("msg[1] = %v, want one media chunk", got[1])
	}
	chunk := chunks[0].(map[string]any)
	if chunk["mimeType"] != "audio/pcm;rate=24000" {
		t.Errorf("mimeType = %v", chunk["mimeType"])
	}
	pcm, _ := base64.StdEncoding.DecodeString(chunk["data"].(string))
	if string(pcm) != string(first) {
		t.Errorf("audio = %v, want %v (cleared input must not be sent)", pcm, first)
	}
	if _, ok := got[2]["realtimeInput"].(map[string]any)["activityEnd"]; !ok {
		t.Errorf("msg[2] = %v, want activityEnd", got[2])
	}
}

func TestManualTurn_CommitEmpty(t *testing.T) {
	t.Parallel()
	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 0, msgs))
	handle := connect(t, srv, s2s.SessionConfig{})

	err := handle.Commit(context.Background())
	var upErr *s2s.Error
	if !errors.As(err, &upErr) || upErr.Code != s2s.ErrCodeCommitEmpty {
		t.Errorf("Commit on empty buffer = %v, want commit-empty error", err)
	}
}

func TestTextAndContinuation(t *testing.T) {
	t.Parallel()

	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 3, msgs))
	handle := connect(t, srv, s2s.SessionConfig{})
	ctx := context.Background()

	if err := handle.SendText(ctx, "hola"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := handle.CreateResponse(ctx, s2s.ResponseOptions{}); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if err := handle.CreateResponse(ctx, s2s.ResponseOptions{Instructions: "Finish the sentence."}); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	got := wait(t, msgs)
	text, _ := got[0]["clientContent"].(map[string]any)
	if text["turnComplete"] != false {
		t.Errorf("SendText turnComplete = %v, want false", text["turnComplete"])
	}
	if done, _ := got[1]["clientContent"].(map[string]any); done["turnComplete"] != true {
		t.Errorf("plain CreateResponse = %v, want turnComplete", got[1])
	}
	cont, _ := got[2]["clientContent"].(map[string]any)
	turns, _ := cont["turns"].([]any)
	if cont["turnComplete"] != true || len(turns) != 1 {
		t.Fatalf("continuation = %v", got[2])
	}
	if !strings.Contains(string(mustJSON(t, turns[0])), "Finish the sentence.") {
		t.Errorf("continuation turn = %v", turns[0])
	}
}

func TestServerVAD_StreamsAudio(t *testing.T) {
	t.Parallel()

	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 1, msgs))
	handle := connect(t, srv, s2s.SessionConfig{ServerVAD: true})
	ctx := context.Background()

	if err := handle.AppendAudio(ctx, []byte{5, 6}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := handle.Commit(ctx); err != nil {
		t.Errorf("Commit with server VAD = %v, want nil", err)
	}

	got := wait(t, msgs)
	if _, ok := got[0]["realtimeInput"].(map[string]any)["mediaChunks"]; !ok {
		t.Errorf("msg = %v, want streamed media chunk", got[0])
	}
}

func TestUpdateSession_OnlyOnInstructionChange(t *testing.T) {
	t.Parallel()

	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 1, msgs))
	cfg := s2s.SessionConfig{Instructions: "A"}
	handle := connect(t, srv, cfg)
	ctx := context.Background()

	if err := handle.UpdateSession(ctx, cfg); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if err := handle.UpdateSession(ctx, s2s.SessionConfig{Instructions: "B"}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got := wait(t, msgs)
	if !strings.Contains(string(mustJSON(t, got[0])), "B") {
		t.Errorf("update = %v, want new instructions", got[0])
	}
}

func TestWrite_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()
	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 0, msgs))
	handle := connect(t, srv, s2s.SessionConfig{ServerVAD: true})
	_ = handle.Close()

	if err := handle.AppendAudio(context.Background(), []byte{1, 2}); err == nil {
		t.Fatal("AppendAudio after Close should return an error")
	}
}

// ── TestEvents ────────────────────────────────────────────────────────────────

func TestEvents_TranslatesServerContent(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(pcm)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)

		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "¿Qué "}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "tal?"}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": encoded}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "Muy bien."}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"}})

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	want := []struct {
		typ  string
		resp string
	}{
		{s2s.EventSessionCreated, ""},
		{s2s.EventInputTranscriptCompleted, ""},
		{s2s.EventResponseCreated, "gemini_resp_1"},
		{s2s.EventAudioDelta, "gemini_resp_1"},
		{s2s.EventTranscriptDelta, "gemini_resp_1"},
		{s2s.EventAudioDone, "gemini_resp_1"},
		{s2s.EventTranscriptDone, "gemini_resp_1"},
		{s2s.EventResponseDone, "gemini_resp_1"},
		{s2s.EventError, ""},
	}
	var got []s2s.Event
	for i, w := range want {
		evt := nextEvent(t, handle)
		got = append(got, evt)
		if evt.Type != w.typ || evt.ResponseID != w.resp {
			t.Errorf("event[%d] = %s/%s, want %s/%s", i, evt.Type, evt.ResponseID, w.typ, w.resp)
		}
	}
	if len(got) != len(want) {
		return
	}
	if got[1].Transcript != "¿Qué tal?" {
		t.Errorf("input transcript = %q", got[1].Transcript)
	}
	if string(got[3].Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", got[3].Audio, pcm)
	}
	if got[4].Delta != "Muy bien." || got[6].Transcript != "Muy bien." {
		t.Errorf("transcript delta/done = %q / %q", got[4].Delta, got[6].Transcript)
	}
	if got[8].Error == nil || got[8].Error.Type != "RESOURCE_EXHAUSTED" {
		t.Errorf("error = %+v", got[8].Error)
	}
}

func TestEvents_CancelSuppressesRemainingOutput(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString([]byte{1, 2})
	audioMsg := map[string]any{"serverContent": map[string]any{
		"modelTurn": map[string]any{"parts": []any{
			map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": encoded}},
		}},
	}}

	proceed := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, audioMsg)
		<-proceed
		writeJSON(t, conn, audioMsg)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, audioMsg)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if evt := nextEvent(t, handle); evt.Type != s2s.EventResponseCreated {
		t.Fatalf("event = %s, want response.created", evt.Type)
	}
	if evt := nextEvent(t, handle); evt.Type != s2s.EventAudioDelta {
		t.Fatalf("event = %s, want audio delta", evt.Type)
	}
	if err := handle.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(proceed)

	// The suppressed audio is dropped; the interruption closes the response.
	for _, want := range []string{s2s.EventAudioDone, s2s.EventTranscriptDone, s2s.EventResponseDone} {
		if evt := nextEvent(t, handle); evt.Type != want || evt.ResponseID != "gemini_resp_1" {
			t.Errorf("event = %s/%s, want %s", evt.Type, evt.ResponseID, want)
		}
	}
	// Output after the interruption opens a new response.
	if evt := nextEvent(t, handle); evt.Type != s2s.EventResponseCreated || evt.ResponseID != "gemini_resp_2" {
		t.Errorf("event = %s/%s, want new response", evt.Type, evt.ResponseID)
	}
}

func TestEvents_ClosedWhenServerDisconnects(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if handle.Err() == nil {
		t.Error("Err should report the disconnect")
	}
}

// ── TestClose ─────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 0, msgs))
	handle := connect(t, srv, s2s.SessionConfig{})

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if handle.Err() != nil {
		t.Errorf("Err after voluntary close = %v, want nil", handle.Err())
	}
}

func TestConcurrentAppend_DoesNotRace(t *testing.T) {
	t.Parallel()
	msgs := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, collect(t, 0, msgs))
	handle := connect(t, srv, s2s.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 16 {
				_ = handle.AppendAudio(context.Background(), []byte{1, 2, 3, 4})
				_ = handle.ClearInput(context.Background())
			}
		}()
	}
	wg.Wait()
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
