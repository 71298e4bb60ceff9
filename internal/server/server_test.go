package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shopvoice/voice-relay/internal/audio"
	"github.com/shopvoice/voice-relay/internal/config"
	"github.com/shopvoice/voice-relay/internal/event"
	"github.com/shopvoice/voice-relay/internal/prediction"
	"github.com/shopvoice/voice-relay/internal/push"
	"github.com/shopvoice/voice-relay/internal/router"
	"github.com/shopvoice/voice-relay/internal/session"
	"github.com/shopvoice/voice-relay/internal/socket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:          8080,
			BindAddress:   "127.0.0.1",
			ProxyPrefixes: []string{"/apps/voice"},
		},
		Stream: config.StreamConfig{
			HeartbeatInterval: 3600,
			IdleTimeout:       300,
			SweepInterval:     60,
			SocketSendBuffer:  8,
		},
		Audio: config.AudioConfig{
			FlushThreshold:   2,
			MaxFragmentBytes: 1 << 20,
		},
		Prediction: config.PredictionConfig{
			Endpoint:        "https://api.example.com/v1/predictions",
			APIToken:        "token",
			ModelVersion:    "v1",
			SubmitTimeout:   5,
			PollInterval:    10,
			MaxPollAttempts: 5,
			MaxConcurrent:   2,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// fakeDispatcher records jobs instead of calling an external service.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []prediction.Job
	got  chan prediction.Job
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{got: make(chan prediction.Job, 8)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job prediction.Job) prediction.State {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	f.got <- job
	return prediction.StateSucceeded
}

func (f *fakeDispatcher) wait(t *testing.T) prediction.Job {
	t.Helper()
	select {
	case job := <-f.got:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a dispatched job")
		return prediction.Job{}
	}
}

type testEnv struct {
	server   *Server
	sessions *session.Registry
	buffers  *audio.Manager
	streams  *push.Registry
	sockets  *socket.Registry
	dispatch *fakeDispatcher
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	logger := testLogger()
	sessions := session.NewRegistry(logger)
	buffers := audio.NewManager()
	streams := push.NewRegistry(sessions, logger, nil, cfg.Stream.GetHeartbeatInterval())
	sockets := socket.NewRegistry(sessions, logger, cfg.Stream.SocketSendBuffer)
	results := router.NewRouter(sessions, streams, sockets, logger, nil)
	dispatch := newFakeDispatcher()

	srv := NewServer(cfg, logger, nil, sessions, buffers, streams, sockets, results, dispatch, nil)
	t.Cleanup(func() {
		streams.CloseAll(push.ReasonShutdown)
		sockets.CloseAll(push.ReasonShutdown)
	})
	return &testEnv{
		server:   srv,
		sessions: sessions,
		buffers:  buffers,
		streams:  streams,
		sockets:  sockets,
		dispatch: dispatch,
	}
}

func doRequest(env *testEnv, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func fragmentBody(t *testing.T, payload string, chunk *int) string {
	t.Helper()
	body := map[string]any{
		"audio":      base64.StdEncoding.EncodeToString([]byte(payload)),
		"shopDomain": "demo.myshopify.com",
	}
	if chunk != nil {
		body["chunkNumber"] = *chunk
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	return string(data)
}

func chunk(n int) *int { return &n }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := doRequest(env, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("Expected ok status, got %s", rec.Body.String())
	}
}

func TestHealthDegradedWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Prediction.APIToken = ""
	env := newTestEnv(t, cfg)

	rec := doRequest(env, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Errorf("Expected degraded status, got %s", rec.Body.String())
	}
}

func TestOptionsPreflight(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := doRequest(env, http.MethodOptions, "/", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard CORS origin, got %q", got)
	}
}

func TestFragmentValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expectCode int
	}{
		{"not JSON", "{bad", http.StatusBadRequest},
		{"missing audio", `{"shopDomain":"demo.myshopify.com"}`, http.StatusBadRequest},
		{"missing shop domain", `{"audio":"aGVsbG8="}`, http.StatusBadRequest},
		{"invalid base64", `{"audio":"!!!","shopDomain":"demo.myshopify.com"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig())
			rec := doRequest(env, http.MethodPost, "/", tt.body, nil)
			if rec.Code != tt.expectCode {
				t.Errorf("Expected %d, got %d: %s", tt.expectCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestFragmentTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.MaxFragmentBytes = 2048
	env := newTestEnv(t, cfg)

	big := strings.Repeat("x", 4096)
	rec := doRequest(env, http.MethodPost, "/", fragmentBody(t, big, chunk(0)), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

func TestFragmentBuffering(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := doRequest(env, http.MethodPost, "/", fragmentBody(t, "part-one", chunk(0)), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 below threshold, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status         string `json:"status"`
		ChunksReceived int    `json:"chunksReceived"`
		ChunksNeeded   int    `json:"chunksNeeded"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "received" {
		t.Errorf("Expected received status, got %q", resp.Status)
	}
	if resp.ChunksReceived != 1 || resp.ChunksNeeded != 2 {
		t.Errorf("Expected 1/2 chunks, got %d/%d", resp.ChunksReceived, resp.ChunksNeeded)
	}
}

func TestFragmentFlushDispatches(t *testing.T) {
	env := newTestEnv(t, testConfig())

	// Correlation is the client's job: both fragments carry the session id,
	// as a streaming client would after the open event.
	sess, _ := env.sessions.CreateOrResume("", "demo.myshopify.com")
	headers := map[string]string{HeaderSessionID: sess.ID}

	// First fragment arrives out of order.
	first := doRequest(env, http.MethodPost, "/", fragmentBody(t, "world", chunk(1)), headers)
	if first.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", first.Code)
	}

	second := doRequest(env, http.MethodPost, "/", fragmentBody(t, "hello ", chunk(0)), headers)
	if second.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 at threshold, got %d: %s", second.Code, second.Body.String())
	}

	var resp struct {
		Status        string `json:"status"`
		RequestID     string `json:"requestId"`
		ParticipantID string `json:"participantId"`
		SessionID     string `json:"sessionId"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "processing" {
		t.Errorf("Expected processing status, got %q", resp.Status)
	}
	if resp.RequestID == "" || resp.ParticipantID == "" || resp.SessionID == "" {
		t.Errorf("Expected correlation ids populated, got %+v", resp)
	}

	job := env.dispatch.wait(t)
	if got := string(job.Audio); got != "hello world" {
		t.Errorf("Expected reassembled audio %q, got %q", "hello world", got)
	}
	if job.ShopDomain != "demo.myshopify.com" {
		t.Errorf("Expected shop domain carried on the job, got %q", job.ShopDomain)
	}
}

func TestFragmentHeaderPrecedence(t *testing.T) {
	env := newTestEnv(t, testConfig())

	sess, _ := env.sessions.CreateOrResume("", "demo.myshopify.com")

	headers := map[string]string{
		HeaderSessionID: sess.ID,
		HeaderRequestID: "req-from-header",
	}
	body := `{"audio":"` + base64.StdEncoding.EncodeToString([]byte("a")) +
		`","shopDomain":"demo.myshopify.com","sessionId":"body-session","requestId":"body-request","chunkNumber":0}`

	doRequest(env, http.MethodPost, "/", body, headers)
	rec := doRequest(env, http.MethodPost, "/", body, headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		RequestID string `json:"requestId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RequestID != "req-from-header" {
		t.Errorf("Expected header request id to win, got %q", resp.RequestID)
	}
	if resp.SessionID != sess.ID {
		t.Errorf("Expected header session id to win, got %q", resp.SessionID)
	}

	current, _ := env.sessions.Lookup(sess.ID)
	if !current.Validated {
		t.Error("Expected header-correlated session marked validated")
	}
}

func TestNotFoundReportsNormalizedPath(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := doRequest(env, http.MethodGet, "/apps/voice/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}

	var resp struct {
		Path           string `json:"path"`
		NormalizedPath string `json:"normalizedPath"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Path != "/apps/voice/nope" {
		t.Errorf("Expected original path reported, got %q", resp.Path)
	}
	if resp.NormalizedPath != "/nope" {
		t.Errorf("Expected normalized path reported, got %q", resp.NormalizedPath)
	}
}

func TestProxyPrefixStripping(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := doRequest(env, http.MethodGet, "/apps/voice/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected prefixed health route to resolve, got %d", rec.Code)
	}

	rec = doRequest(env, http.MethodPost, "/apps/voice", fragmentBody(t, "a", chunk(0)), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected prefixed root to resolve to fragment intake, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStreamRequiresShop(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := doRequest(env, http.MethodGet, "/?stream=true", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without shop, got %d", rec.Code)
	}
}

func TestRootWithoutStreamIs404(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := doRequest(env, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for bare GET /, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.sessions.CreateOrResume("", "demo.myshopify.com")

	rec := doRequest(env, http.MethodGet, "/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"live":1`) {
		t.Errorf("Expected live session count in stats, got %s", rec.Body.String())
	}
}

func TestSocketFallback(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	sess, _ := env.sessions.CreateOrResume("", "demo.myshopify.com")
	if err := env.sessions.SetParticipant(sess.ID, "p1"); err != nil {
		t.Fatalf("SetParticipant failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dial := func() *websocket.Conn {
		t.Helper()
		ws, _, err := websocket.Dial(ctx, ts.URL+"/socket?participantId=p1&sessionId="+sess.ID, nil)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		return ws
	}
	pingAck := func(ws *websocket.Conn) {
		t.Helper()
		if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("Ping write failed: %v", err)
		}
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Ack read failed: %v", err)
		}
		var ack event.AckPayload
		if err := json.Unmarshal(data, &ack); err != nil {
			t.Fatalf("Failed to decode ack: %v", err)
		}
		if ack.Type != event.KindAck {
			t.Fatalf("Expected ack type %q, got %q", event.KindAck, ack.Type)
		}
	}

	first := dial()
	pingAck(first)

	// Reconnect replaces the socket; the replacement must survive the
	// predecessor handler's exit.
	second := dial()
	defer second.Close(websocket.StatusNormalClosure, "")
	pingAck(second)

	first.Close(websocket.StatusNormalClosure, "done")
	time.Sleep(150 * time.Millisecond)

	pingAck(second)
	if got := env.sockets.Count(); got != 1 {
		t.Errorf("Expected 1 registered socket after reconnect, got %d", got)
	}
	if _, sock := env.sessions.ChannelsActive(sess.ID); !sock {
		t.Error("Expected socket liveness bit to survive the reconnect")
	}
}

// readEvents consumes the push-stream and forwards event/data pairs.
type streamEvent struct {
	kind string
	data string
}

func readEvents(t *testing.T, body io.Reader, out chan<- streamEvent) {
	t.Helper()
	var kind string
	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := body.Read(buf)
		if n > 0 {
			pending += string(buf[:n])
			for {
				idx := strings.Index(pending, "\n")
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				switch {
				case strings.HasPrefix(line, "event: "):
					kind = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					out <- streamEvent{kind: kind, data: strings.TrimPrefix(line, "data: ")}
				}
			}
		}
		if err != nil {
			close(out)
			return
		}
	}
}

func waitEvent(t *testing.T, events <-chan streamEvent, kind string) streamEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("Stream closed while waiting for %q", kind)
			}
			if ev.kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %q event", kind)
		}
	}
}

// TestEndToEndVoiceRound drives the full round trip: open a push-stream,
// post fragments out of order, follow the prediction to success, and read
// the result off the stream.
func TestEndToEndVoiceRound(t *testing.T) {
	// Fake prediction backend: one poll of processing, then success with
	// the model's string-wrapped JSON output.
	var polls int
	var mu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":"job-1","status":"starting","urls":{"get":""}}`)
			return
		}
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 2 {
			io.WriteString(w, `{"id":"job-1","status":"processing"}`)
			return
		}
		io.WriteString(w, `{"id":"job-1","status":"succeeded","output":"{\"message\": \"Found 3 products\", \"action\": \"search\", \"query\": \"shoes\"}"}`)
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.Prediction.Endpoint = backend.URL

	logger := testLogger()
	sessions := session.NewRegistry(logger)
	buffers := audio.NewManager()
	streams := push.NewRegistry(sessions, logger, nil, cfg.Stream.GetHeartbeatInterval())
	sockets := socket.NewRegistry(sessions, logger, cfg.Stream.SocketSendBuffer)
	results := router.NewRouter(sessions, streams, sockets, logger, nil)

	client, err := prediction.NewClient(prediction.ClientConfig{
		Endpoint:      cfg.Prediction.Endpoint,
		APIToken:      cfg.Prediction.APIToken,
		ModelVersion:  cfg.Prediction.ModelVersion,
		SubmitTimeout: cfg.Prediction.GetSubmitTimeout(),
		MaxConcurrent: cfg.Prediction.MaxConcurrent,
	})
	if err != nil {
		t.Fatalf("Failed to create prediction client: %v", err)
	}
	dispatcher := prediction.NewDispatcher(client, logger, nil,
		sessions.ChannelsActive, results.Deliver,
		cfg.Prediction.GetPollInterval(), cfg.Prediction.MaxPollAttempts)

	srv := NewServer(cfg, logger, nil, sessions, buffers, streams, sockets, results, dispatcher, client.GetStats)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer streams.CloseAll(push.ReasonShutdown)

	// Open the push-stream.
	resp, err := http.Get(ts.URL + "/?stream=true&shop=demo.myshopify.com")
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected event-stream content type, got %q", ct)
	}

	events := make(chan streamEvent, 16)
	go readEvents(t, resp.Body, events)

	open := waitEvent(t, events, "open")
	var opened struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(open.data), &opened); err != nil {
		t.Fatalf("Failed to decode open payload: %v", err)
	}
	if opened.SessionID == "" {
		t.Fatal("Expected a session id on the open event")
	}
	waitEvent(t, events, "ready")

	// Post fragments out of order, correlated to the stream's session.
	post := func(payload string, n int) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/",
			strings.NewReader(fragmentBody(t, payload, chunk(n))))
		req.Header.Set(HeaderSessionID, opened.SessionID)
		req.Header.Set(HeaderRequestID, "round-1")
		req.Header.Set("Content-Type", "application/json")
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		return r
	}

	first := post("shoes", 1)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for first fragment, got %d", first.StatusCode)
	}

	second := post("find ", 0)
	defer second.Body.Close()
	if second.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202 for flushing fragment, got %d", second.StatusCode)
	}

	// The result arrives on the stream with the original request id.
	result := waitEvent(t, events, "result")
	var delivered struct {
		Message   string `json:"message"`
		Action    string `json:"action"`
		Query     string `json:"query"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal([]byte(result.data), &delivered); err != nil {
		t.Fatalf("Failed to decode result payload: %v", err)
	}
	if delivered.Message != "Found 3 products" {
		t.Errorf("Expected model message, got %q", delivered.Message)
	}
	if delivered.Action != "search" || delivered.Query != "shoes" {
		t.Errorf("Expected search action for shoes, got %+v", delivered)
	}
	if delivered.RequestID != "round-1" {
		t.Errorf("Expected original request id, got %q", delivered.RequestID)
	}
}
