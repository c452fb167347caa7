package proxy

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Translation between the OpenAI wire format and Ollama's /api dialect.
// All functions here are pure: no manager state, no clocks beyond the
// created timestamp, no I/O.

// chatOptionNames maps OpenAI sampling parameters onto Ollama option
// names. max_tokens/max_completion_tokens are handled separately since
// both rename to num_predict.
var chatOptionNames = map[string]string{
	"temperature":       "temperature",
	"top_p":             "top_p",
	"top_k":             "top_k",
	"seed":              "seed",
	"stop":              "stop",
	"frequency_penalty": "frequency_penalty",
	"presence_penalty":  "presence_penalty",
	"num_ctx":           "num_ctx",
	"repeat_penalty":    "repeat_penalty",
}

// completionOptionNames is the subset that applies to legacy completions.
var completionOptionNames = map[string]string{
	"temperature":       "temperature",
	"top_p":             "top_p",
	"seed":              "seed",
	"stop":              "stop",
	"frequency_penalty": "frequency_penalty",
	"presence_penalty":  "presence_penalty",
}

// TranslateChatRequest maps an OpenAI chat completion request body into an
// Ollama /api/chat request. Unknown client fields are dropped.
func TranslateChatRequest(body []byte) *OllamaChatRequest {
	root := gjson.ParseBytes(body)

	req := &OllamaChatRequest{
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(), // defaults to false when absent
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		req.Messages = append(req.Messages, translateMessage(msg))
		return true
	})

	if opts := translateOptions(root, chatOptionNames); len(opts) > 0 {
		req.Options = opts
	}

	if format := translateResponseFormat(root.Get("response_format")); format != nil {
		req.Format = format
	}

	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(tool.Raw), &m); err == nil {
				if _, ok := m["type"]; !ok {
					m["type"] = "function"
				}
				req.Tools = append(req.Tools, m)
			}
			return true
		})
	}

	if think := root.Get("think"); think.Exists() {
		req.Think = json.RawMessage(think.Raw)
	}
	if keepAlive := root.Get("keep_alive"); keepAlive.Exists() {
		req.KeepAlive = json.RawMessage(keepAlive.Raw)
	}

	return req
}

func translateMessage(msg gjson.Result) OllamaMessage {
	out := OllamaMessage{Role: msg.Get("role").String()}

	content := msg.Get("content")
	switch {
	case content.IsArray():
		out.Content, out.Images = flattenContentParts(content)
	case content.Type == gjson.String:
		out.Content = content.String()
	case !content.Exists() || content.Type == gjson.Null:
		out.Content = ""
	case content.IsObject():
		// tool replies sometimes carry structured content
		out.Content = content.Raw
	default:
		out.Content = content.String()
	}

	if out.Role == "tool" {
		if id := msg.Get("tool_call_id"); id.Exists() {
			out.ToolCallID = id.String()
		}
	}

	if calls := msg.Get("tool_calls"); calls.IsArray() {
		calls.ForEach(func(_, call gjson.Result) bool {
			out.ToolCalls = append(out.ToolCalls, OllamaToolCall{
				Function: OllamaToolFunction{
					Name:      call.Get("function.name").String(),
					Arguments: canonicalizeArguments(call.Get("function.arguments")),
				},
			})
			return true
		})
	}

	return out
}

// flattenContentParts joins text parts with newlines and collects image
// payloads. data: URLs contribute only their base64 payload, other URLs
// are kept verbatim.
func flattenContentParts(content gjson.Result) (string, []string) {
	var texts []string
	var images []string

	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			texts = append(texts, part.Get("text").String())
		case "image_url":
			url := part.Get("image_url.url").String()
			if strings.HasPrefix(url, "data:image/") {
				if idx := strings.Index(url, ";base64,"); idx >= 0 {
					url = url[idx+len(";base64,"):]
				}
			}
			if url != "" {
				images = append(images, url)
			}
		}
		return true
	})

	return strings.Join(texts, "\n"), images
}

// canonicalizeArguments coerces tool-call arguments to an object. Ollama
// wants structured arguments, OpenAI clients send either an object or a
// JSON string; an unparseable string becomes an empty object.
func canonicalizeArguments(args gjson.Result) map[string]interface{} {
	out := map[string]interface{}{}
	switch {
	case args.IsObject():
		json.Unmarshal([]byte(args.Raw), &out)
	case args.Type == gjson.String:
		if err := json.Unmarshal([]byte(args.String()), &out); err != nil {
			return map[string]interface{}{}
		}
	}
	return out
}

func translateOptions(root gjson.Result, names map[string]string) map[string]interface{} {
	opts := map[string]interface{}{}
	for from, to := range names {
		if v := root.Get(from); v.Exists() {
			opts[to] = v.Value()
		}
	}
	// max_completion_tokens supersedes the deprecated max_tokens
	if v := root.Get("max_tokens"); v.Exists() {
		opts["num_predict"] = v.Value()
	}
	if v := root.Get("max_completion_tokens"); v.Exists() {
		opts["num_predict"] = v.Value()
	}
	return opts
}

func translateResponseFormat(rf gjson.Result) json.RawMessage {
	switch rf.Get("type").String() {
	case "json_object":
		return json.RawMessage(`"json"`)
	case "json_schema":
		if schema := rf.Get("json_schema.schema"); schema.IsObject() {
			return json.RawMessage(schema.Raw)
		}
	}
	return nil
}

// TranslateCompletionRequest maps an OpenAI legacy completion request into
// an Ollama /api/generate request.
func TranslateCompletionRequest(body []byte) *OllamaGenerateRequest {
	root := gjson.ParseBytes(body)

	req := &OllamaGenerateRequest{
		Model:  root.Get("model").String(),
		Prompt: root.Get("prompt").String(),
		Stream: root.Get("stream").Bool(),
		Suffix: root.Get("suffix").String(),
	}
	if opts := translateOptions(root, completionOptionNames); len(opts) > 0 {
		req.Options = opts
	}
	return req
}

// TranslateEmbeddingsRequest maps an OpenAI embeddings request into an
// Ollama /api/embed request. A scalar input becomes a one-element batch.
func TranslateEmbeddingsRequest(body []byte) *OllamaEmbedRequest {
	root := gjson.ParseBytes(body)

	req := &OllamaEmbedRequest{Model: root.Get("model").String()}
	input := root.Get("input")
	if input.IsArray() {
		input.ForEach(func(_, v gjson.Result) bool {
			req.Input = append(req.Input, v.String())
			return true
		})
	} else if input.Exists() {
		req.Input = []string{input.String()}
	}
	return req
}

// TranslateChatResponse maps a non-streaming Ollama chat response back to
// the OpenAI shape. userText is the concatenated user message text from
// the request, used as the prompt-token estimate when the upstream omits
// prompt_eval_count.
func TranslateChatResponse(upstream []byte, requestedModel, userText string) (*OpenAIChatResponse, error) {
	var resp OllamaChatResponse
	if err := json.Unmarshal(upstream, &resp); err != nil {
		return nil, fmt.Errorf("invalid upstream response: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = requestedModel
	}

	msg := OpenAIChatMessage{
		Role:             defaultRole(resp.Message.Role),
		Content:          resp.Message.Content,
		ReasoningContent: resp.Message.Thinking,
		ToolCalls:        translateToolCalls(resp.Message.ToolCalls),
	}

	usage := OpenAIUsage{}
	if resp.PromptEvalCount != nil {
		usage.PromptTokens = *resp.PromptEvalCount
	} else {
		usage.PromptTokens = EstimateTokens(userText)
	}
	if resp.EvalCount != nil {
		usage.CompletionTokens = *resp.EvalCount
	} else {
		usage.CompletionTokens = EstimateTokens(resp.Message.Content)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &OpenAIChatResponse{
		ID:      newChatID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapFinishReason(resp.DoneReason, len(msg.ToolCalls) > 0),
		}},
		Usage:             usage,
		SystemFingerprint: systemFingerprint(model),
	}, nil
}

// ChatStreamState carries the per-stream identity and counters across
// chunk translations.
type ChatStreamState struct {
	ID      string
	Created int64
	Model   string

	firstChunk    bool
	contentChunks int

	Done  bool
	Usage *OpenAIUsage
}

func NewChatStreamState(model string) *ChatStreamState {
	return &ChatStreamState{
		ID:         newChatID(),
		Created:    time.Now().Unix(),
		Model:      model,
		firstChunk: true,
	}
}

// TranslateChatChunk maps one newline-delimited Ollama chat chunk into an
// OpenAI chat.completion.chunk. On the terminal chunk it attaches usage:
// missing prompt_eval_count reports 0 (the chunk counter counts completion
// chunks, not prompt tokens) and missing eval_count falls back to the
// count of non-empty content chunks.
func (st *ChatStreamState) TranslateChatChunk(line []byte) (*OpenAIChatChunk, error) {
	var resp OllamaChatResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("invalid stream chunk: %w", err)
	}

	delta := OpenAIDelta{}
	if st.firstChunk {
		delta.Role = "assistant"
		st.firstChunk = false
	}
	if resp.Message.Content != "" {
		delta.Content = resp.Message.Content
		st.contentChunks++
	}
	if resp.Message.Thinking != "" {
		delta.ReasoningContent = resp.Message.Thinking
	}
	delta.ToolCalls = translateToolCalls(resp.Message.ToolCalls)

	chunk := &OpenAIChatChunk{
		ID:      st.ID,
		Object:  "chat.completion.chunk",
		Created: st.Created,
		Model:   st.Model,
		Choices: []OpenAIChunkChoice{{Index: 0, Delta: delta, FinishReason: nil}},
	}

	if resp.Done {
		st.Done = true
		reason := mapFinishReason(resp.DoneReason, len(delta.ToolCalls) > 0)
		chunk.Choices[0].FinishReason = &reason

		usage := &OpenAIUsage{}
		if resp.PromptEvalCount != nil {
			usage.PromptTokens = *resp.PromptEvalCount
		}
		if resp.EvalCount != nil {
			usage.CompletionTokens = *resp.EvalCount
		} else {
			usage.CompletionTokens = st.contentChunks
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		chunk.Usage = usage
		st.Usage = usage
	}

	return chunk, nil
}

// TranslateCompletionResponse maps a non-streaming Ollama generate
// response to the OpenAI text_completion shape.
func TranslateCompletionResponse(upstream []byte, requestedModel, promptText string) (*OpenAICompletionResponse, error) {
	var resp OllamaGenerateResponse
	if err := json.Unmarshal(upstream, &resp); err != nil {
		return nil, fmt.Errorf("invalid upstream response: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = requestedModel
	}

	usage := &OpenAIUsage{}
	if resp.PromptEvalCount != nil {
		usage.PromptTokens = *resp.PromptEvalCount
	} else {
		usage.PromptTokens = EstimateTokens(promptText)
	}
	if resp.EvalCount != nil {
		usage.CompletionTokens = *resp.EvalCount
	} else {
		usage.CompletionTokens = EstimateTokens(resp.Response)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	reason := "length"
	if resp.Done {
		reason = "stop"
	}

	return &OpenAICompletionResponse{
		ID:      newChatID(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAICompletionChoice{{Index: 0, Text: resp.Response, FinishReason: &reason}},
		Usage:   usage,
	}, nil
}

// CompletionStreamState mirrors ChatStreamState for /api/generate streams.
type CompletionStreamState struct {
	ID      string
	Created int64
	Model   string

	contentChunks int

	Done  bool
	Usage *OpenAIUsage
}

func NewCompletionStreamState(model string) *CompletionStreamState {
	return &CompletionStreamState{
		ID:      newChatID(),
		Created: time.Now().Unix(),
		Model:   model,
	}
}

func (st *CompletionStreamState) TranslateCompletionChunk(line []byte) (*OpenAICompletionResponse, error) {
	var resp OllamaGenerateResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("invalid stream chunk: %w", err)
	}

	if resp.Response != "" {
		st.contentChunks++
	}

	chunk := &OpenAICompletionResponse{
		ID:      st.ID,
		Object:  "text_completion",
		Created: st.Created,
		Model:   st.Model,
		Choices: []OpenAICompletionChoice{{Index: 0, Text: resp.Response, FinishReason: nil}},
	}

	if resp.Done {
		st.Done = true
		reason := "stop"
		chunk.Choices[0].FinishReason = &reason

		usage := &OpenAIUsage{}
		if resp.PromptEvalCount != nil {
			usage.PromptTokens = *resp.PromptEvalCount
		}
		if resp.EvalCount != nil {
			usage.CompletionTokens = *resp.EvalCount
		} else {
			usage.CompletionTokens = st.contentChunks
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		chunk.Usage = usage
		st.Usage = usage
	}

	return chunk, nil
}

// TranslateEmbeddingsResponse maps an Ollama embed response to the OpenAI
// list shape. Missing embeddings yield an empty data array, never null.
func TranslateEmbeddingsResponse(upstream []byte, requestedModel string, inputText string) (*OpenAIEmbeddingsResponse, error) {
	var resp OllamaEmbedResponse
	if err := json.Unmarshal(upstream, &resp); err != nil {
		return nil, fmt.Errorf("invalid upstream response: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = requestedModel
	}

	vectors := resp.Embeddings
	if len(vectors) == 0 && resp.Embedding != nil {
		vectors = [][]float64{resp.Embedding}
	}

	data := make([]OpenAIEmbedding, 0, len(vectors))
	for i, v := range vectors {
		data = append(data, OpenAIEmbedding{Object: "embedding", Index: i, Embedding: v})
	}

	usage := OpenAIUsage{}
	if resp.PromptEvalCount != nil {
		usage.PromptTokens = *resp.PromptEvalCount
	} else {
		usage.PromptTokens = EstimateTokens(inputText)
	}
	usage.TotalTokens = usage.PromptTokens

	return &OpenAIEmbeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  model,
		Usage:  usage,
	}, nil
}

func translateToolCalls(calls []OllamaToolCall) []OpenAIToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]OpenAIToolCall, 0, len(calls))
	for i, call := range calls {
		args := "{}"
		if call.Function.Arguments != nil {
			if b, err := json.Marshal(call.Function.Arguments); err == nil {
				args = string(b)
			}
		}
		out = append(out, OpenAIToolCall{
			ID:    newToolCallID(),
			Index: i,
			Type:  "function",
			Function: OpenAIToolFunction{
				Name:      call.Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}

// mapFinishReason maps Ollama done_reason values; tool calls override
// everything else.
func mapFinishReason(doneReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch doneReason {
	case "length":
		return "length"
	case "stop", "load", "unload":
		return "stop"
	default:
		return "stop"
	}
}

func defaultRole(role string) string {
	if role == "" {
		return "assistant"
	}
	return role
}

const hexDigits = "0123456789abcdef"
const alnumDigits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int, alphabet string) string {
	buf := make([]byte, n)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

func newChatID() string {
	return "chatcmpl-" + randomString(24, hexDigits)
}

func newToolCallID() string {
	return "call_" + randomString(24, alnumDigits)
}

// systemFingerprint derives a stable fingerprint from the model name,
// keeping only [a-z0-9].
func systemFingerprint(model string) string {
	var sb strings.Builder
	sb.WriteString("fp_ollama_")
	for _, r := range strings.ToLower(model) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// EstimateTokens approximates a token count when the upstream omits its
// counters: CJK characters weigh 1/1.5 tokens, everything else 1/4.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	var cjk, other int
	for _, r := range s {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4.0))
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x309F: // hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // katakana
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK ext A
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // hangul
		return true
	}
	return false
}

// UserMessageText concatenates the text of all user messages in an
// OpenAI chat request, for prompt-token estimation.
func UserMessageText(body []byte) string {
	var texts []string
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		content := msg.Get("content")
		if content.IsArray() {
			text, _ := flattenContentParts(content)
			texts = append(texts, text)
		} else if content.Type == gjson.String {
			texts = append(texts, content.String())
		}
		return true
	})
	return strings.Join(texts, "\n")
}
