package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestManager(t *testing.T, mutate func(*Config)) *ProxyManager {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config := defaultConfig()
	config.DataDir = t.TempDir()
	config.HealthCheckIntervalSec = 0
	if mutate != nil {
		mutate(config)
	}

	pm, err := New(config, testLogger())
	require.NoError(t, err)
	t.Cleanup(pm.Shutdown)
	return pm
}

func doRequest(pm *ProxyManager, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:52000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	pm.ServeHTTP(w, req)
	return w
}

func TestProxy_ChatCompletionEndToEnd(t *testing.T) {
	var gotAuth, gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		body := readTruncated(r.Body, 4096)
		gotModel = gjson.Get(body, "model").String()
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"hi there"},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`)
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|upstream-secret")

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"llama3","messages":[{"role":"user","content":"hello"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Bearer upstream-secret", gotAuth)
	assert.Equal(t, "llama3", gotModel)

	resp := gjson.Parse(w.Body.String())
	assert.Equal(t, "chat.completion", resp.Get("object").String())
	assert.Equal(t, "hi there", resp.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", resp.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(4), resp.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(6), resp.Get("usage.total_tokens").Int())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestProxy_ChatStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":2}`)
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k")

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"llama3","stream":true,"messages":[{"role":"user","content":"hello"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)

	var frames []gjson.Result
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") && line != "data: [DONE]" {
			frames = append(frames, gjson.Parse(strings.TrimPrefix(line, "data: ")))
		}
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "assistant", frames[0].Get("choices.0.delta.role").String())
	assert.Equal(t, "Hel", frames[0].Get("choices.0.delta.content").String())
	assert.Equal(t, "lo", frames[1].Get("choices.0.delta.content").String())
	assert.Equal(t, "stop", frames[2].Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), frames[2].Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(2), frames[2].Get("usage.completion_tokens").Int())

	// identity is stable across chunks
	assert.Equal(t, frames[0].Get("id").String(), frames[2].Get("id").String())
	assert.Equal(t, "chat.completion.chunk", frames[1].Get("object").String())
}

func TestProxy_RetryRotatesKeyOn401(t *testing.T) {
	var attempts int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get("Authorization") == "Bearer bad" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid key"}`)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true,"done_reason":"stop"}`)
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	bad, _, _ := pm.keys.AddKey(upstream.URL + "|bad")
	pm.keys.AddKey(upstream.URL + "|good")

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"x"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, int64(1), bad.FailedRequests)
}

func TestProxy_NoBackends(t *testing.T) {
	pm := newTestManager(t, nil)
	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"m","messages":[]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "upstream_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestProxy_MissingModel(t *testing.T) {
	pm := newTestManager(t, nil)
	w := doRequest(pm, "POST", "/v1/chat/completions", `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestProxy_LegacyAPITokenAuth(t *testing.T) {
	pm := newTestManager(t, func(c *Config) { c.APIToken = "shared" })

	w := doRequest(pm, "POST", "/v1/chat/completions", `{"model":"m"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(pm, "POST", "/v1/chat/completions", `{"model":"m"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// correct credential proceeds to backend selection (503, no keys)
	w = doRequest(pm, "POST", "/v1/chat/completions", `{"model":"m"}`,
		map[string]string{"Authorization": "Bearer shared"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// the prefix is optional
	w = doRequest(pm, "POST", "/v1/chat/completions", `{"model":"m"}`,
		map[string]string{"Authorization": "shared"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProxy_TokenAuthAndModelScope(t *testing.T) {
	pm := newTestManager(t, nil)
	tok := pm.tokens.CreateToken(TokenOptions{AllowedModels: []string{"llama*"}})

	w := doRequest(pm, "POST", "/v1/chat/completions", `{"model":"llama3"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "tokens issued, anonymous access closes")

	w = doRequest(pm, "POST", "/v1/chat/completions", `{"model":"qwen2"}`,
		map[string]string{"Authorization": "Bearer " + tok.Token})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_error", gjson.Get(w.Body.String(), "error.type").String())

	w = doRequest(pm, "POST", "/v1/chat/completions", `{"model":"llama3"}`,
		map[string]string{"Authorization": "Bearer " + tok.Token})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "scope passes, no backends remain")
}

func TestProxy_RateLimit(t *testing.T) {
	pm := newTestManager(t, func(c *Config) {
		c.RateLimits.IP = RateLimitWindow{Enabled: true, Max: 2, WindowMs: 60000}
	})

	for i := 0; i < 2; i++ {
		w := doRequest(pm, "POST", "/v1/chat/completions", `{}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}

	w := doRequest(pm, "POST", "/v1/chat/completions", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"), "the denying window's cap is advertised")
	assert.Equal(t, "rate_limit_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestProxy_IPBlacklist(t *testing.T) {
	pm := newTestManager(t, func(c *Config) {
		c.AccessMode = string(AccessBlacklist)
		c.IPBlacklist = []string{"127.0.0.1"}
	})
	w := doRequest(pm, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "access_denied", gjson.Get(w.Body.String(), "error.type").String())
}

func TestProxy_EmbeddingsWithCache(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"model":"e","embeddings":[[0.1,0.2]],"prompt_eval_count":3}`)
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k")

	body := `{"model":"e","input":"hello"}`
	w := doRequest(pm, "POST", "/v1/embeddings", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := w.Body.String()
	assert.Equal(t, "list", gjson.Get(first, "object").String())
	assert.Equal(t, int64(3), gjson.Get(first, "usage.prompt_tokens").Int())

	w = doRequest(pm, "POST", "/v1/embeddings", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first, w.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "identical request served from cache")
}

func TestProxy_CompletionsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		fmt.Fprint(w, `{"model":"m","response":" world","done":true,"prompt_eval_count":1,"eval_count":1}`)
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k")

	// the surface also answers without the /v1 prefix
	w := doRequest(pm, "POST", "/completions", `{"model":"m","prompt":"hello"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text_completion", gjson.Get(w.Body.String(), "object").String())
	assert.Equal(t, " world", gjson.Get(w.Body.String(), "choices.0.text").String())
}

func TestProxy_ModelsFanIn(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b"},{"name":"qwen2"},{"name":"llama3:8b"}]}`)
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k")

	w := doRequest(pm, "GET", "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := gjson.Parse(w.Body.String())
	assert.Equal(t, "list", resp.Get("object").String())
	require.Equal(t, int64(2), resp.Get("data.#").Int(), "duplicates collapse")
	assert.Equal(t, "llama3:8b", resp.Get("data.0.id").String())
	assert.Equal(t, "ollama", resp.Get("data.0.owned_by").String())

	w = doRequest(pm, "GET", "/v1/models/qwen2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "qwen2", gjson.Get(w.Body.String(), "id").String())

	w = doRequest(pm, "GET", "/v1/models/absent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProxy_UpstreamErrorStatusPropagated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, strings.Repeat("x", 1000))
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k")

	w := doRequest(pm, "POST", "/v1/chat/completions", `{"model":"m","messages":[]}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code, "non-auth upstream statuses pass through unchanged")
	assert.Equal(t, "upstream_error", gjson.Get(w.Body.String(), "error.type").String())
	msg := gjson.Get(w.Body.String(), "error.message").String()
	assert.Contains(t, msg, "HTTP 500")
	assert.Less(t, len(msg), 300, "upstream error text is truncated")
}

func TestProxy_AllKeysRejectedKeepsAuthStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid key"}`)
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k1")
	pm.keys.AddKey(upstream.URL + "|k2")

	w := doRequest(pm, "POST", "/v1/chat/completions", `{"model":"m","messages":[]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code,
		"exhausted rotation reports the backends' status, not a gateway timeout")
	assert.Equal(t, "upstream_error", gjson.Get(w.Body.String(), "error.type").String())
	assert.Contains(t, gjson.Get(w.Body.String(), "error.message").String(), "HTTP 401")

	// the streaming path follows the same rule before the first byte
	w = doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "upstream_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestProxy_StreamingGzipUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprintln(gz, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(gz, `{"message":{"content":""},"done":true,"done_reason":"stop","prompt_eval_count":1,"eval_count":1}`)
		gz.Close()
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k")

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"x"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
	assert.Contains(t, body, `"content":"Hi"`, "compressed chunks are inflated before translation")
}

func TestProxy_StreamInterruptedEmitsErrorFrame(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler) // drop the connection mid-stream
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	pm.keys.AddKey(upstream.URL + "|k")

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"x"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code, "headers were already committed")
	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)

	var frames []gjson.Result
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") && line != "data: [DONE]" {
			frames = append(frames, gjson.Parse(strings.TrimPrefix(line, "data: ")))
		}
	}
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "stream_error", last.Get("error.type").String())
	assert.Contains(t, last.Get("error.message").String(), "interrupted")
}

func TestProxy_StreamClientDisconnect(t *testing.T) {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		w.(http.Flusher).Flush()
		clientCancel()
		<-r.Context().Done() // the gateway must drop the upstream call
	}))
	defer upstream.Close()

	pm := newTestManager(t, nil)
	key, _, err := pm.keys.AddKey(upstream.URL + "|k")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","stream":true,"messages":[{"role":"user","content":"x"}]}`))
	req.RemoteAddr = "127.0.0.1:52000"
	req = req.WithContext(clientCtx)
	w := httptest.NewRecorder()
	pm.ServeHTTP(w, req)
	<-upstreamDone

	body := w.Body.String()
	assert.NotContains(t, body, "data: [DONE]", "an aborted stream has no normal terminator")
	assert.NotContains(t, body, "stream_error", "a client abort is not an upstream failure")
	assert.Equal(t, int64(0), key.TotalRequests, "an aborted stream records neither success nor failure")
}

func TestProxy_ForwardedForIgnoredByDefault(t *testing.T) {
	pm := newTestManager(t, func(c *Config) {
		c.AccessMode = string(AccessBlacklist)
		c.IPBlacklist = []string{"9.9.9.9"}
	})
	w := doRequest(pm, "GET", "/health", "", map[string]string{"X-Forwarded-For": "9.9.9.9"})
	assert.Equal(t, http.StatusOK, w.Code, "a spoofed forwarded header must not change the client IP")

	trusted := newTestManager(t, func(c *Config) {
		c.TrustProxy = true
		c.AccessMode = string(AccessBlacklist)
		c.IPBlacklist = []string{"9.9.9.9"}
	})
	w = doRequest(trusted, "GET", "/health", "", map[string]string{"X-Forwarded-For": "9.9.9.9"})
	assert.Equal(t, http.StatusForbidden, w.Code, "opting in to proxy headers honors them")
}

func TestAdmin_AuthAndKeyManagement(t *testing.T) {
	pm := newTestManager(t, func(c *Config) { c.AdminPassword = "pw" })

	w := doRequest(pm, "GET", "/admin/keys", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(pm, "GET", "/admin/keys", "", map[string]string{"X-Admin-Password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	auth := map[string]string{"X-Admin-Password": "pw"}

	w = doRequest(pm, "POST", "/admin/keys/import", `{"text":"alpha\nbeta"}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "added.#").Int())

	w = doRequest(pm, "GET", "/admin/keys", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), resp.Get("summary.total").Int())
	assert.NotContains(t, w.Body.String(), `"alpha"`, "plain keys never leave the admin API")

	id := resp.Get("keys.0.id").String()
	w = doRequest(pm, "POST", "/admin/keys/"+id+"/toggle", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "enabled").Bool())

	w = doRequest(pm, "DELETE", "/admin/keys/"+id, "", auth)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, pm.keys.Len())
}

func TestAdmin_DisabledWithoutPassword(t *testing.T) {
	pm := newTestManager(t, nil)
	w := doRequest(pm, "GET", "/admin/keys", "", map[string]string{"X-Admin-Password": "anything"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_TokenLifecycle(t *testing.T) {
	pm := newTestManager(t, func(c *Config) { c.AdminPassword = "pw" })
	auth := map[string]string{"X-Admin-Password": "pw"}

	w := doRequest(pm, "POST", "/admin/tokens", `{"name":"ci","quota":1000}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	plain := gjson.Get(w.Body.String(), "token.token").String()
	id := gjson.Get(w.Body.String(), "token.id").String()
	assert.True(t, strings.HasPrefix(plain, "sk-o2o-"))

	w = doRequest(pm, "GET", "/admin/tokens", "", auth)
	assert.NotContains(t, w.Body.String(), plain, "listing masks the plain token")

	w = doRequest(pm, "POST", "/admin/tokens/"+id+"/toggle", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, pm.tokens.ValidateToken(plain).Valid)

	w = doRequest(pm, "DELETE", "/admin/tokens/"+id, "", auth)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, pm.tokens.Len())
}

func TestAdmin_AccessPolicy(t *testing.T) {
	pm := newTestManager(t, func(c *Config) { c.AdminPassword = "pw" })
	auth := map[string]string{"X-Admin-Password": "pw"}

	w := doRequest(pm, "PUT", "/admin/access",
		`{"mode":"blacklist","blacklist":["127.0.0.1"]}`, auth)
	require.Equal(t, http.StatusOK, w.Code)

	// the gateway surface is now closed to this client, admin included
	w = doRequest(pm, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy_HealthEndpoint(t *testing.T) {
	pm := newTestManager(t, nil)
	pm.keys.AddKey("some-key")

	w := doRequest(pm, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.Parse(w.Body.String())
	assert.Equal(t, "ok", resp.Get("status").String())
	assert.Equal(t, int64(1), resp.Get("keys.total").Int())
}

func TestProxy_MetricsEndpoint(t *testing.T) {
	pm := newTestManager(t, nil)
	doRequest(pm, "GET", "/health", "", nil)

	w := doRequest(pm, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "o2o_requests_total")
}
