package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"docgenius/internal/ai"
	"docgenius/internal/ratelimit"
	"docgenius/internal/session"
	"docgenius/internal/storage"
	"docgenius/internal/store"
	"docgenius/internal/util"
)

// fakeProvider serves generateContent responses and counts hits.
type fakeProvider struct {
	hits   atomic.Int64
	answer string
}

func (f *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, f.answer)
	})
}

type testEnv struct {
	srv      *httptest.Server
	store    store.Store
	provider *fakeProvider
	objects  *storage.MemoryObjectStore
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	provider := &fakeProvider{answer: "The sky is blue because of Rayleigh scattering."}
	providerSrv := httptest.NewServer(provider.handler())
	t.Cleanup(providerSrv.Close)

	client, err := ai.NewClient("test-key", "gemini-1.5-pro-latest",
		ai.WithBaseURL(providerSrv.URL),
		ai.WithRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("new ai client: %v", err)
	}
	sessions, err := session.NewManager("test-secret", time.Hour, false)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	cfg := Config{
		Store:    store.NewMemoryStore(),
		AI:       client,
		Sessions: sessions,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv, store: cfg.Store, provider: provider}
	if mos, ok := cfg.Objects.(*storage.MemoryObjectStore); ok {
		env.objects = mos
	}
	return env
}

// client carries one session's cookies across requests.
type apiClient struct {
	t       *testing.T
	base    string
	cookies []*http.Cookie
}

func newAPIClient(t *testing.T, base string) *apiClient {
	return &apiClient{t: t, base: base}
}

func (c *apiClient) do(req *http.Request) *http.Response {
	c.t.Helper()
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	if len(resp.Cookies()) > 0 {
		c.cookies = resp.Cookies()
	}
	return resp
}

func (c *apiClient) upload(name, content string) *http.Response {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		c.t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		c.t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	req, _ := http.NewRequest(http.MethodPost, c.base+"/api/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func (c *apiClient) postJSON(path string, payload any) *http.Response {
	c.t.Helper()
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *apiClient) get(path string) *http.Response {
	c.t.Helper()
	req, _ := http.NewRequest(http.MethodGet, c.base+path, nil)
	return c.do(req)
}

func (c *apiClient) delete(path string) *http.Response {
	c.t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, c.base+path, nil)
	return c.do(req)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestUploadChatConversationFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	uploadedAt := time.Now().UTC()
	resp := c.upload("sample.txt", "The sky is blue.")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	fileID, _ := body["file_id"].(string)
	if fileID == "" {
		t.Fatal("upload response missing file_id")
	}
	if body["word_count"].(float64) != 4 {
		t.Errorf("word_count = %v, want 4", body["word_count"])
	}
	if !strings.Contains(body["text_preview"].(string), "The sky is blue.") {
		t.Errorf("text_preview = %q", body["text_preview"])
	}

	resp = c.postJSON("/api/v1/chat", map[string]string{
		"file_id":  fileID,
		"question": "What color is the sky?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if !strings.Contains(body["answer"].(string), "blue") {
		t.Errorf("answer = %q, want it to mention blue", body["answer"])
	}
	if body["conversation_id"].(string) == "" {
		t.Error("chat response missing conversation_id")
	}
	if env.provider.hits.Load() != 1 {
		t.Errorf("provider hits = %d, want 1", env.provider.hits.Load())
	}

	resp = c.get("/api/v1/conversations")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conversations status = %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["count"].(float64) != 1 {
		t.Fatalf("conversation count = %v, want 1", body["count"])
	}
	convs := body["conversations"].([]any)
	first := convs[0].(map[string]any)
	if first["question"].(string) != "What color is the sky?" {
		t.Errorf("question = %q", first["question"])
	}
	ts, err := time.Parse(time.RFC3339Nano, first["timestamp"].(string))
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if ts.Before(uploadedAt.Add(-time.Second)) {
		t.Errorf("conversation timestamp %v precedes upload %v", ts, uploadedAt)
	}
}

func TestSessionOwnershipIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := newAPIClient(t, env.srv.URL)
	mallory := newAPIClient(t, env.srv.URL)

	resp := alice.upload("notes.txt", "private notes from alice")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	fileID := decodeBody(t, resp)["file_id"].(string)

	resp = mallory.get("/api/v1/files")
	body := decodeBody(t, resp)
	if body["count"].(float64) != 0 {
		t.Errorf("foreign list count = %v, want 0", body["count"])
	}
	resp = mallory.get("/api/v1/files/" + fileID)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
	resp = mallory.delete("/api/v1/files/" + fileID)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Still intact for the owner.
	resp = alice.get("/api/v1/files/" + fileID)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner get status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadRejectsOversize(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxUploadBytes = 1024
	})
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("big.txt", strings.Repeat("x", 4096))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status_code"].(float64) != 413 {
		t.Errorf("status_code = %v", body["status_code"])
	}
	resp = c.get("/api/v1/files")
	if count := decodeBody(t, resp)["count"].(float64); count != 0 {
		t.Errorf("oversize upload reached the store, count = %v", count)
	}
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("virus.exe", "MZ binary")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if !strings.Contains(body["error"].(string), "unsupported") {
		t.Errorf("error = %q", body["error"])
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	cases := []struct {
		name    string
		payload map[string]string
		want    int
	}{
		{"too short", map[string]string{"file_id": fileID, "question": "hi"}, http.StatusBadRequest},
		{"too long", map[string]string{"file_id": fileID, "question": strings.Repeat("w", 1001)}, http.StatusBadRequest},
		{"missing file id", map[string]string{"question": "what is this?"}, http.StatusBadRequest},
		{"unknown file", map[string]string{"file_id": "nope", "question": "what is this?"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.postJSON("/api/v1/chat", tc.payload)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			resp.Body.Close()
		})
	}
	if env.provider.hits.Load() != 0 {
		t.Errorf("provider hits = %d, validation should precede AI calls", env.provider.hits.Load())
	}
}

func TestChatCountsQuestionLengthInRunes(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	// 600 characters but 1800 bytes; must pass the 1000-character cap.
	resp = c.postJSON("/api/v1/chat", map[string]string{
		"file_id":  fileID,
		"question": strings.Repeat("日", 600),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a 600-character question", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.postJSON("/api/v1/chat", map[string]string{
		"file_id":  fileID,
		"question": strings.Repeat("日", 1001),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a 1001-character question", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.postJSON("/api/v1/chat", map[string]string{
		"file_id":  fileID,
		"question": "日",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a 1-character question", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPreviewKeepsRuneBoundaries(t *testing.T) {
	text := strings.Repeat("日", 200) // 600 bytes
	got := preview(text)
	if !utf8.ValidString(got) {
		t.Fatalf("preview produced invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("日", 166); got != want {
		t.Fatalf("preview cut at byte %d, want a rune boundary at 498", len(got))
	}
	if short := preview("short text"); short != "short text" {
		t.Fatalf("preview(%q) = %q", "short text", short)
	}
}

func TestChatRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:ratelimit:chat", 1, time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ChatLimiter = limiter
	})
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	payload := map[string]string{"file_id": fileID, "question": "What color is the sky?"}
	resp = c.postJSON("/api/v1/chat", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first chat status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.postJSON("/api/v1/chat", payload)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second chat status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
	resp.Body.Close()
}

func TestChatRateLimitKeyedByClientIP(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:ratelimit:chat", 1, time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ChatLimiter = limiter
	})

	first := newAPIClient(t, env.srv.URL)
	resp := first.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	payload := map[string]string{"file_id": fileID, "question": "What color is the sky?"}
	resp = first.postJSON("/api/v1/chat", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first chat status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A fresh session from the same address shares the quota.
	second := newAPIClient(t, env.srv.URL)
	resp = second.upload("other.txt", "The grass is green.")
	otherID := decodeBody(t, resp)["file_id"].(string)
	resp = second.postJSON("/api/v1/chat", map[string]string{"file_id": otherID, "question": "What color is the grass?"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second session chat status = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatRateLimitHonorsTrustedProxies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:ratelimit:chat", 1, time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	proxies, err := util.NewTrustedProxies([]string{"127.0.0.1/32", "::1/128"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ChatLimiter = limiter
		cfg.TrustedProxies = proxies
	})
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	chatAs := func(forwardedFor string) int {
		body, _ := json.Marshal(map[string]string{"file_id": fileID, "question": "What color is the sky?"})
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/chat", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwardedFor)
		resp := c.do(req)
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := chatAs("203.0.113.5"); got != http.StatusOK {
		t.Fatalf("first client status = %d", got)
	}
	if got := chatAs("203.0.113.5"); got != http.StatusTooManyRequests {
		t.Fatalf("repeat client status = %d, want 429", got)
	}
	// A different forwarded address behind the trusted proxy gets its own quota.
	if got := chatAs("198.51.100.7"); got != http.StatusOK {
		t.Fatalf("other client status = %d", got)
	}
}

func TestDownloadWithArchive(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Objects = storage.NewMemoryObjectStore()
	})
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	resp = c.get("/api/v1/files/" + fileID + "/download")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if !strings.HasPrefix(body["download_url"].(string), "memory://") {
		t.Errorf("download_url = %q", body["download_url"])
	}

	// Delete removes the archived object too.
	resp = c.delete("/api/v1/files/" + fileID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.get("/api/v1/files/" + fileID + "/download")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("download after delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDownloadWithoutArchive(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	resp = c.get("/api/v1/files/" + fileID + "/download")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("download status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAnalytics(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)
	resp = c.postJSON("/api/v1/chat", map[string]string{"file_id": fileID, "question": "What color is the sky?"})
	resp.Body.Close()

	resp = c.get("/api/v1/analytics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analytics status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["total_files"].(float64) != 1 {
		t.Errorf("total_files = %v, want 1", body["total_files"])
	}
	if body["total_conversations"].(float64) != 1 {
		t.Errorf("total_conversations = %v, want 1", body["total_conversations"])
	}
}

func TestConversationSearchEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)
	resp = c.postJSON("/api/v1/chat", map[string]string{"file_id": fileID, "question": "Why is the sky blue today?"})
	resp.Body.Close()

	resp = c.get("/api/v1/conversations/search?q=sky")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["count"].(float64) != 1 {
		t.Errorf("search count = %v, want 1", body["count"])
	}

	resp = c.get("/api/v1/conversations/search")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSummaryAndKeyPointsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newAPIClient(t, env.srv.URL)

	resp := c.upload("sample.txt", "The sky is blue.")
	fileID := decodeBody(t, resp)["file_id"].(string)

	resp = c.postJSON("/api/v1/files/"+fileID+"/summary", map[string]int{"max_words": 50})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["summary"].(string) == "" {
		t.Error("summary response empty")
	}

	resp = c.postJSON("/api/v1/files/"+fileID+"/key-points", map[string]int{"count": 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("key-points status = %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["key_points"].(string) == "" {
		t.Error("key_points response empty")
	}

	// Ownership applies to derived views too.
	other := newAPIClient(t, env.srv.URL)
	resp = other.postJSON("/api/v1/files/"+fileID+"/summary", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign summary status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["store"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHealthReportsStoreOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Store = store.NewRedisStore(client)
	})
	mr.Close()

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["store"] != "unavailable" {
		t.Errorf("store = %v, want unavailable", body["store"])
	}
}
