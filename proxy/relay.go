package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
)

const upstreamErrorTruncate = 200
const upstreamBodyLimit = 32 << 20

// chatHandler serves POST /v1/chat/completions.
func (pm *ProxyManager) chatHandler(c *gin.Context) {
	body, model, ok := pm.readProxyRequest(c)
	if !ok {
		return
	}

	req := TranslateChatRequest(body)
	if req.Stream {
		state := NewChatStreamState(model)
		pm.relayStream(c, "/chat", req, model, func(line []byte) (sseFrame, bool, error) {
			chunk, err := state.TranslateChatChunk(line)
			if err != nil {
				return sseFrame{}, false, err
			}
			return sseFrame{payload: chunk, usage: chunk.Usage}, state.Done, nil
		})
		return
	}

	cacheKey := ""
	if pm.config.CacheChat {
		cacheKey = CacheKey(model, body)
		if pm.serveCached(c, cacheKey) {
			return
		}
	}

	upstream, ok := pm.forwardJSON(c, "/chat", req, model)
	if !ok {
		return
	}
	resp, err := TranslateChatResponse(upstream, model, UserMessageText(body))
	if err != nil {
		pm.sendError(c, http.StatusBadGateway, err.Error(), "upstream_error")
		return
	}
	pm.accountUsage(c, &resp.Usage)
	pm.respondJSON(c, resp, cacheKey)
}

// completionHandler serves POST /v1/completions (legacy text completion).
func (pm *ProxyManager) completionHandler(c *gin.Context) {
	body, model, ok := pm.readProxyRequest(c)
	if !ok {
		return
	}

	req := TranslateCompletionRequest(body)
	if req.Stream {
		state := NewCompletionStreamState(model)
		pm.relayStream(c, "/generate", req, model, func(line []byte) (sseFrame, bool, error) {
			chunk, err := state.TranslateCompletionChunk(line)
			if err != nil {
				return sseFrame{}, false, err
			}
			return sseFrame{payload: chunk, usage: chunk.Usage}, state.Done, nil
		})
		return
	}

	upstream, ok := pm.forwardJSON(c, "/generate", req, model)
	if !ok {
		return
	}
	resp, err := TranslateCompletionResponse(upstream, model, req.Prompt)
	if err != nil {
		pm.sendError(c, http.StatusBadGateway, err.Error(), "upstream_error")
		return
	}
	pm.accountUsage(c, resp.Usage)
	pm.respondJSON(c, resp, "")
}

// embeddingsHandler serves POST /v1/embeddings. Responses are cached,
// embeddings are deterministic per model+input.
func (pm *ProxyManager) embeddingsHandler(c *gin.Context) {
	body, model, ok := pm.readProxyRequest(c)
	if !ok {
		return
	}

	cacheKey := CacheKey(model, body)
	if pm.serveCached(c, cacheKey) {
		return
	}

	req := TranslateEmbeddingsRequest(body)
	upstream, ok := pm.forwardJSON(c, "/embed", req, model)
	if !ok {
		return
	}

	inputText := ""
	if len(req.Input) > 0 {
		inputText = req.Input[0]
	}
	resp, err := TranslateEmbeddingsResponse(upstream, model, inputText)
	if err != nil {
		pm.sendError(c, http.StatusBadGateway, err.Error(), "upstream_error")
		return
	}
	pm.accountUsage(c, &resp.Usage)
	pm.respondJSON(c, resp, cacheKey)
}

// readProxyRequest pulls the body, enforces the model field and the
// token's model scope.
func (pm *ProxyManager) readProxyRequest(c *gin.Context) ([]byte, string, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, upstreamBodyLimit))
	if err != nil {
		pm.sendError(c, http.StatusBadRequest, "Failed to read request body", "invalid_request_error")
		return nil, "", false
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		pm.sendError(c, http.StatusBadRequest, "Missing required field: model", "invalid_request_error")
		return nil, "", false
	}

	if t := authTokenFrom(c); t != nil && !pm.tokens.CheckModelAccess(t, model) {
		pm.sendError(c, http.StatusForbidden, "Model '"+model+"' is not allowed for this token", "permission_error")
		return nil, "", false
	}
	return body, model, true
}

func (pm *ProxyManager) serveCached(c *gin.Context, key string) bool {
	if key == "" {
		return false
	}
	if data, ok := pm.cache.Get(key); ok {
		pm.metrics.CacheHits.Inc()
		c.Data(http.StatusOK, "application/json", data)
		return true
	}
	pm.metrics.CacheMisses.Inc()
	return false
}

func (pm *ProxyManager) respondJSON(c *gin.Context, v interface{}, cacheKey string) {
	data, err := json.Marshal(v)
	if err != nil {
		pm.sendError(c, http.StatusInternalServerError, "Failed to encode response", "server_error")
		return
	}
	if cacheKey != "" {
		pm.cache.Set(cacheKey, data)
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (pm *ProxyManager) accountUsage(c *gin.Context, usage *OpenAIUsage) {
	if usage == nil {
		return
	}
	pm.metrics.PromptTokens.Add(float64(usage.PromptTokens))
	pm.metrics.CompletionTokens.Add(float64(usage.CompletionTokens))
	if t := authTokenFrom(c); t != nil {
		pm.tokens.RecordUsage(t.ID, usage.PromptTokens, usage.CompletionTokens)
	}
}

func (pm *ProxyManager) recordBackendSuccess(sel *Selection) {
	if sel.ChannelID != "" {
		pm.channels.RecordSuccess(sel.ChannelID)
		pm.stats.Record(sel.ChannelID, true)
	} else {
		pm.keys.RecordSuccess(sel.KeyID)
		pm.stats.Record(sel.KeyID, true)
	}
}

func (pm *ProxyManager) recordBackendFailure(sel *Selection, errStr string) {
	if sel.ChannelID != "" {
		pm.channels.RecordFailure(sel.ChannelID, errStr)
		pm.stats.Record(sel.ChannelID, false)
	} else {
		pm.keys.RecordFailure(sel.KeyID, errStr)
		pm.stats.Record(sel.KeyID, false)
	}
}

// forwardJSON relays one non-streaming request, rotating backends on
// auth and transport failures up to MaxRetries extra attempts. On
// success it returns the decompressed upstream body; on failure it has
// already written the error response.
func (pm *ProxyManager) forwardJSON(c *gin.Context, path string, payload interface{}, model string) ([]byte, bool) {
	base, err := json.Marshal(payload)
	if err != nil {
		pm.sendError(c, http.StatusInternalServerError, "Failed to encode upstream request", "server_error")
		return nil, false
	}

	ctx, span := tracer().Start(c.Request.Context(), "upstream.forward")
	span.SetAttributes(attribute.String("model", model), attribute.String("path", path))
	defer span.End()

	var lastErr string
	var lastStatus int
	for attempt := 0; attempt <= pm.config.MaxRetries; attempt++ {
		sel, err := pm.selector.Select(model)
		if err != nil {
			pm.sendError(c, http.StatusServiceUnavailable, "No available backends", "upstream_error")
			return nil, false
		}

		outBody, err := sjson.SetBytes(base, "model", sel.Model)
		if err != nil {
			outBody = base
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(pm.config.RequestTimeoutMs)*time.Millisecond)
		resp, err := pm.doUpstream(reqCtx, sel, path, outBody)
		if err != nil {
			lastErr = err.Error()
			lastStatus = 0
			pm.classifyTransportError(reqCtx)
			cancel()
			pm.recordBackendFailure(sel, lastErr)
			sel.Release()
			pm.logger.Warnf("upstream: %s %s attempt %d: %v", path, sel.BaseURL, attempt+1, err)
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			msg := readTruncated(resp.Body, upstreamErrorTruncate)
			resp.Body.Close()
			cancel()
			lastErr = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)
			lastStatus = resp.StatusCode
			pm.metrics.UpstreamErrors.WithLabelValues("http").Inc()
			pm.recordBackendFailure(sel, lastErr)
			sel.Release()
			pm.logger.Warnf("upstream: %s rejected key (%d), rotating", sel.BaseURL, resp.StatusCode)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg := readTruncated(resp.Body, upstreamErrorTruncate)
			resp.Body.Close()
			cancel()
			pm.metrics.UpstreamErrors.WithLabelValues("http").Inc()
			pm.recordBackendFailure(sel, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg))
			sel.Release()
			pm.sendError(c, resp.StatusCode,
				fmt.Sprintf("Upstream error (HTTP %d): %s", resp.StatusCode, msg), "upstream_error")
			return nil, false
		}

		data, err := readUpstreamBody(resp)
		resp.Body.Close()
		cancel()
		if err != nil {
			lastErr = err.Error()
			lastStatus = 0
			pm.metrics.UpstreamErrors.WithLabelValues("transport").Inc()
			pm.recordBackendFailure(sel, lastErr)
			sel.Release()
			continue
		}

		pm.recordBackendSuccess(sel)
		sel.Release()
		return data, true
	}

	span.RecordError(fmt.Errorf("%s", lastErr))
	pm.sendError(c, exhaustedStatus(lastStatus), "Upstream request failed: "+lastErr, "upstream_error")
	return nil, false
}

// exhaustedStatus picks the client-facing status once every attempt has
// failed: the last upstream HTTP status when backends answered, 504 when
// they never did.
func exhaustedStatus(lastStatus int) int {
	if lastStatus != 0 {
		return lastStatus
	}
	return http.StatusGatewayTimeout
}

func (pm *ProxyManager) doUpstream(ctx context.Context, sel *Selection, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", BuildAPIURL(sel.BaseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if sel.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+sel.APIKey)
	}
	return pm.upstream.Do(req)
}

func (pm *ProxyManager) classifyTransportError(ctx context.Context) {
	if ctx.Err() == context.DeadlineExceeded {
		pm.metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
	} else {
		pm.metrics.UpstreamErrors.WithLabelValues("transport").Inc()
	}
}

// readUpstreamBody drains the response, transparently inflating gzip.
func readUpstreamBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(io.LimitReader(r, upstreamBodyLimit))
}

func readTruncated(r io.Reader, n int) string {
	data, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(bytes.TrimSpace(data))
}

// sseFrame is one translated event: the payload to emit and, on the
// terminal chunk, the usage to account.
type sseFrame struct {
	payload interface{}
	usage   *OpenAIUsage
}

// relayStream forwards a streaming request and re-emits the upstream's
// newline-delimited JSON as OpenAI SSE frames. Retries rotate backends
// only until the first byte is committed to the client; the connect
// timeout bounds time-to-headers, not stream duration.
func (pm *ProxyManager) relayStream(c *gin.Context, path string, payload interface{}, model string, translate func([]byte) (sseFrame, bool, error)) {
	base, err := json.Marshal(payload)
	if err != nil {
		pm.sendError(c, http.StatusInternalServerError, "Failed to encode upstream request", "server_error")
		return
	}

	ctx, span := tracer().Start(c.Request.Context(), "upstream.stream")
	span.SetAttributes(attribute.String("model", model), attribute.String("path", path))
	defer span.End()

	var resp *http.Response
	var sel *Selection
	var cancel context.CancelFunc
	var lastErr string
	var lastStatus int

	for attempt := 0; attempt <= pm.config.MaxRetries; attempt++ {
		s, err := pm.selector.Select(model)
		if err != nil {
			pm.sendError(c, http.StatusServiceUnavailable, "No available backends", "upstream_error")
			return
		}

		outBody, err := sjson.SetBytes(base, "model", s.Model)
		if err != nil {
			outBody = base
		}

		reqCtx, reqCancel := context.WithCancel(ctx)
		connectTimer := time.AfterFunc(time.Duration(pm.config.ConnectTimeoutMs)*time.Millisecond, reqCancel)

		r, err := pm.doUpstream(reqCtx, s, path, outBody)
		if err != nil {
			connectTimer.Stop()
			lastErr = err.Error()
			lastStatus = 0
			pm.classifyTransportError(reqCtx)
			reqCancel()
			pm.recordBackendFailure(s, lastErr)
			s.Release()
			pm.logger.Warnf("upstream: stream %s %s attempt %d: %v", path, s.BaseURL, attempt+1, err)
			continue
		}

		if r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden {
			msg := readTruncated(r.Body, upstreamErrorTruncate)
			r.Body.Close()
			connectTimer.Stop()
			reqCancel()
			lastErr = fmt.Sprintf("HTTP %d: %s", r.StatusCode, msg)
			lastStatus = r.StatusCode
			pm.metrics.UpstreamErrors.WithLabelValues("http").Inc()
			pm.recordBackendFailure(s, lastErr)
			s.Release()
			pm.logger.Warnf("upstream: %s rejected key (%d), rotating", s.BaseURL, r.StatusCode)
			continue
		}

		if r.StatusCode < 200 || r.StatusCode > 299 {
			msg := readTruncated(r.Body, upstreamErrorTruncate)
			r.Body.Close()
			connectTimer.Stop()
			reqCancel()
			pm.metrics.UpstreamErrors.WithLabelValues("http").Inc()
			pm.recordBackendFailure(s, fmt.Sprintf("HTTP %d: %s", r.StatusCode, msg))
			s.Release()
			pm.sendError(c, r.StatusCode,
				fmt.Sprintf("Upstream error (HTTP %d): %s", r.StatusCode, msg), "upstream_error")
			return
		}

		// headers are in, the stream may now outlive the connect budget
		connectTimer.Stop()
		resp, sel, cancel = r, s, reqCancel
		break
	}
	if resp == nil {
		span.RecordError(fmt.Errorf("%s", lastErr))
		pm.sendError(c, exhaustedStatus(lastStatus), "Upstream request failed: "+lastErr, "upstream_error")
		return
	}
	defer cancel()
	defer resp.Body.Close()
	defer sel.Release()

	pm.metrics.ActiveStreams.Inc()
	defer pm.metrics.ActiveStreams.Dec()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	clientGone := c.Request.Context().Done()

	var upstreamBody io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			pm.logger.Warnf("stream: bad gzip stream: %v", err)
			pm.metrics.UpstreamErrors.WithLabelValues("transport").Inc()
			pm.recordBackendFailure(sel, err.Error())
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush()
			return
		}
		defer gz.Close()
		upstreamBody = gz
	}

	scanner := bufio.NewScanner(upstreamBody)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	done := false
	var finalUsage *OpenAIUsage
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame, isDone, err := translate(line)
		if err != nil {
			pm.logger.Debugf("stream: skipping malformed chunk: %v", err)
			continue
		}
		data, err := json.Marshal(frame.payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
		if frame.usage != nil {
			finalUsage = frame.usage
		}
		if isDone {
			done = true
			break
		}
	}

	aborted := false
	select {
	case <-clientGone:
		aborted = true
	default:
	}

	if aborted {
		pm.logger.Debugf("stream: client disconnected before completion")
		return
	}

	if err := scanner.Err(); err != nil && !done {
		// the client already has a 200; report in-band and terminate
		pm.logger.Warnf("stream: upstream read failed: %v", err)
		pm.metrics.UpstreamErrors.WithLabelValues("transport").Inc()
		pm.recordBackendFailure(sel, err.Error())
		errFrame, _ := json.Marshal(OpenAIErrorResponse{Error: OpenAIError{
			Message: "Upstream stream interrupted: " + err.Error(),
			Type:    "stream_error",
		}})
		fmt.Fprintf(w, "data: %s\n\n", errFrame)
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()

	pm.recordBackendSuccess(sel)
	pm.accountUsage(c, finalUsage)
}
