package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/llamachat/llamachat/config"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/models"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
	"github.com/ZanzyTHEbar/llamachat/llamachat/transcript"
)

type echoEngine struct{}

func (echoEngine) Complete(ctx context.Context, prompt string, params ports.SamplingParameters) (ports.Completion, error) {
	return ports.Completion{Text: "pong"}, nil
}

func (echoEngine) Health() models.ModelHealth { return models.ModelHealth{IsHealthy: true} }

func (echoEngine) Close() error { return nil }

type offline struct{}

func (offline) Fetch(ctx context.Context, repo, filename, destDir string) (string, error) {
	return "", errors.New("offline")
}

func webConfig(origins ...string) config.WebConfig {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return config.WebConfig{Host: "127.0.0.1", Port: 0, Theme: "dark", SessionCookie: "llamachat_session", CORSOrigins: origins}
}

func appConfig(t *testing.T, withModel bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Engine: config.EngineConfig{ContextSize: 2048, Threads: 2, PoolSize: 1, ConcurrentCompletions: 1},

		Sampling: config.SamplingConfig{
			MaxTokens: 64, Temperature: 0.7, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1, Seed: -1,
			StopSequences: []string{"Human:"},
		},

		Conversation: config.ConversationConfig{HistoryWindow: 10, RetainFullHistory: true},
		Prompt:       config.PromptConfig{SystemPreset: "default", MarkerPreset: "english", SystemSeparator: "\n\n"},
		Degraded:     config.DegradedConfig{Responses: []string{"offline reply"}},
		Storage:      config.StorageConfig{Backend: "memory"},
		Registry:     config.RegistryConfig{ModelsDir: filepath.Join(dir, "models"), ChecksumCacheSize: 4},
	}
	if withModel {
		cfg.Model.Path = filepath.Join(dir, "tiny.gguf")
		require.NoError(t, os.WriteFile(cfg.Model.Path, []byte("gguf"), 0o644))
	}
	return cfg
}

func openEcho(*models.GGUFModelConfig, zerolog.Logger) (models.Engine, error) { return echoEngine{}, nil }

func newTestServer(t *testing.T, withModel bool) (http.Handler, *service.ApplicationState) {
	t.Helper()
	app, err := service.New(context.Background(), appConfig(t, withModel), service.WithOpener(openEcho), service.WithFetcher(offline{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	srv, err := NewServer(app, webConfig(), app.Metrics().Handler(), zerolog.Nop())
	require.NoError(t, err)
	return srv.Routes(), app
}

func do(t *testing.T, h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func session(id string) http.Header {
	return http.Header{SessionHeader: []string{id}}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestChatRoundTrip(t *testing.T) {
	h, _ := newTestServer(t, true)

	rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"hello","temperature":0.3,"max_tokens":32}`, session("abc"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Result().Cookies())

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pong", resp.Response)
	assert.Equal(t, harness.ModeReady, resp.Mode)
	assert.Equal(t, "abc", resp.SessionID)
	require.Len(t, resp.ConversationHistory, 2)
	assert.Equal(t, ports.RoleUser, resp.ConversationHistory[0].Role)
	assert.Equal(t, "hello", resp.ConversationHistory[0].Content)
}

func TestCookieSessionIsMintedAndReused(t *testing.T) {
	h, _ := newTestServer(t, true)

	first := do(t, h, http.MethodPost, "/api/chat", `{"message":"one"}`, nil)
	require.Equal(t, http.StatusOK, first.Code)
	cookies := first.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "llamachat_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	second := do(t, h, http.MethodPost, "/api/chat", `{"message":"two"}`, http.Header{"Cookie": []string{cookies[0].Name + "=" + cookies[0].Value}})
	require.Equal(t, http.StatusOK, second.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Len(t, resp.ConversationHistory, 4)
	assert.Equal(t, cookies[0].Value, resp.SessionID)
}

func TestInvalidSessionHeaderFallsBackToCookie(t *testing.T) {
	h, _ := newTestServer(t, true)
	rec := do(t, h, http.MethodGet, "/api/history", "", session("bad id with spaces"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.NotEqual(t, "bad id with spaces", decode(t, rec)["session_id"])
}

func TestChatBadRequests(t *testing.T) {
	h, _ := newTestServer(t, true)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"message":`, "invalid JSON body"},
		{"missing message", `{"temperature":0.5}`, "missing message"},
		{"non-string message", `{"message":5}`, "missing message"},
		{"empty message", `{"message":"   "}`, "message must not be empty"},
		{"unknown key", `{"message":"hi","temprature":0.5}`, "temprature"},
		{"out of range", `{"message":"hi","top_p":3}`, "top_p"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/chat", tt.body, session("bad"))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode(t, rec)["error"], tt.want)
		})
	}

	history := do(t, h, http.MethodGet, "/api/history", "", session("bad"))
	assert.Empty(t, decode(t, history)["conversation_history"])
}

// failingApp fails every store-backed call.
type failingApp struct {
	App
}

func (failingApp) Chat(context.Context, string, string, map[string]any) (*harness.Result, error) {
	return nil, errors.New("disk full")
}

func (failingApp) History(context.Context, string) ([]ports.Turn, error) {
	return nil, errors.New("disk full")
}

func (failingApp) Status() service.Status { return service.Status{Status: "running"} }

func TestStoreFailureIsInternalError(t *testing.T) {
	srv, err := NewServer(failingApp{}, webConfig(), nil, zerolog.Nop())
	require.NoError(t, err)
	h := srv.Routes()

	rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"hi"}`, session("s"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "disk full")

	rec = do(t, h, http.MethodGet, "/api/history", "", session("s"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	form := url.Values{"message": {"hi"}}.Encode()
	rec = do(t, h, http.MethodPost, "/chat", form, http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}, SessionHeader: []string{"s"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Something went wrong")
}

func TestClearHistory(t *testing.T) {
	h, _ := newTestServer(t, true)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/chat", `{"message":"hi"}`, session("c")).Code)

	rec := do(t, h, http.MethodPost, "/api/clear", "", session("c"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	history := decode(t, do(t, h, http.MethodGet, "/api/history", "", session("c")))
	assert.Empty(t, history["conversation_history"])
}

func TestStatus(t *testing.T) {
	h, _ := newTestServer(t, true)
	body := decode(t, do(t, h, http.MethodGet, "/api/status", "", nil))
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, true, body["agent_initialized"])
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, "ready", body["mode"])
	assert.Equal(t, "tiny.gguf", body["model"])
}

func TestDegradedServer(t *testing.T) {
	h, _ := newTestServer(t, false)

	status := decode(t, do(t, h, http.MethodGet, "/api/status", "", nil))
	assert.Equal(t, false, status["model_loaded"])
	assert.Equal(t, "degraded", status["mode"])
	assert.NotEmpty(t, status["load_error"])

	rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"hi"}`, session("d"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline reply", decode(t, rec)["response"])

	reload := do(t, h, http.MethodPost, "/api/reload", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, reload.Code)
	assert.NotEmpty(t, decode(t, reload)["error"])
}

func TestReloadSucceeds(t *testing.T) {
	h, _ := newTestServer(t, true)
	rec := do(t, h, http.MethodPost, "/api/reload", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)["status"].(map[string]any)
	assert.Equal(t, true, status["model_loaded"])
}

func TestConfigAndSessions(t *testing.T) {
	h, _ := newTestServer(t, true)

	cfg := decode(t, do(t, h, http.MethodGet, "/api/config", "", nil))
	assert.Equal(t, "dark", cfg["theme"])
	assert.Equal(t, true, cfg["has_model"])
	inner := cfg["config"].(map[string]any)
	assert.EqualValues(t, 10, inner["history_window"])
	assert.Equal(t, "tiny.gguf", inner["model"])

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/chat", `{"message":"a"}`, session("one")).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/chat", `{"message":"b"}`, session("two")).Code)

	sessions := decode(t, do(t, h, http.MethodGet, "/api/sessions", "", nil))["sessions"].([]any)
	assert.Len(t, sessions, 2)
}

func TestExportAndImport(t *testing.T) {
	h, _ := newTestServer(t, true)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/chat", `{"message":"keep <this>"}`, session("x")).Code)

	rec := do(t, h, http.MethodGet, "/api/export", "", session("x"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	turns, err := transcript.Unmarshal(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "keep <this>", turns[0].Content)

	imported := do(t, h, http.MethodPost, "/api/import", rec.Body.String(), session("y"))
	require.Equal(t, http.StatusOK, imported.Code, imported.Body.String())
	assert.Len(t, decode(t, imported)["conversation_history"], 2)

	bad := do(t, h, http.MethodPost, "/api/import", `[{"role":"tool","content":"x"}]`, session("y"))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	h, _ := newTestServer(t, true)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/chat", `{"message":"hi"}`, session("m")).Code)

	metrics := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `llamachat_replies_total{outcome="success"} 1`)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", "", nil).Code)
}

func TestWebPage(t *testing.T) {
	h, _ := newTestServer(t, true)
	form := http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}, SessionHeader: []string{"w"}}

	page := do(t, h, http.MethodGet, "/", "", session("w"))
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, page.Body.String(), "No messages yet.")

	rec := do(t, h, http.MethodPost, "/chat", url.Values{"message": {"hi <b>"}}.Encode(), form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
	assert.Contains(t, rec.Body.String(), "hi &lt;b&gt;")

	empty := do(t, h, http.MethodPost, "/api/chat/web", url.Values{"message": {"  "}}.Encode(), form)
	assert.Equal(t, http.StatusBadRequest, empty.Code)
	assert.Contains(t, empty.Body.String(), "Please enter a message.")
	assert.Contains(t, empty.Body.String(), "pong")

	cleared := do(t, h, http.MethodPost, "/clear", "", form)
	assert.Equal(t, http.StatusSeeOther, cleared.Code)
	assert.Contains(t, do(t, h, http.MethodGet, "/", "", session("w")).Body.String(), "No messages yet.")
}

func TestCORS(t *testing.T) {
	app, err := service.New(context.Background(), appConfig(t, false), service.WithFetcher(offline{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	wildcard, err := NewServer(app, webConfig(), nil, zerolog.Nop())
	require.NoError(t, err)
	rec := do(t, wildcard.Routes(), http.MethodOptions, "/api/chat", "", http.Header{"Origin": []string{"http://ui.example"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), SessionHeader)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

	explicit, err := NewServer(app, webConfig("http://ui.example"), nil, zerolog.Nop())
	require.NoError(t, err)
	rec = do(t, explicit.Routes(), http.MethodGet, "/api/status", "", http.Header{"Origin": []string{"http://ui.example"}})
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = do(t, explicit.Routes(), http.MethodGet, "/api/status", "", http.Header{"Origin": []string{"http://evil.example"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPServerUsesWebConfig(t *testing.T) {
	srv, err := NewServer(failingApp{}, config.WebConfig{Host: "0.0.0.0", Port: 8080}, nil, zerolog.Nop())
	require.NoError(t, err)
	hs := srv.HTTPServer()
	assert.Equal(t, "0.0.0.0:8080", hs.Addr)
	assert.NotNil(t, hs.Handler)
}
