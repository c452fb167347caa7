package proxy

import "encoding/json"

// Wire types for the Ollama /api dialect and the OpenAI surface. Request
// bodies from clients are inspected with gjson (they are loose JSON);
// everything we emit goes through these typed structs.

// --- Ollama dialect ---

type OllamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Thinking   string           `json:"thinking,omitempty"`
	Images     []string         `json:"images,omitempty"`
	ToolCalls  []OllamaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OllamaToolCall struct {
	Function OllamaToolFunction `json:"function"`
}

type OllamaToolFunction struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// OllamaChatRequest describes a request to /api/chat.
type OllamaChatRequest struct {
	Model     string                   `json:"model"`
	Messages  []OllamaMessage          `json:"messages"`
	Stream    bool                     `json:"stream"`
	Tools     []map[string]interface{} `json:"tools,omitempty"`
	Options   map[string]interface{}   `json:"options,omitempty"`
	Format    json.RawMessage          `json:"format,omitempty"`
	Think     json.RawMessage          `json:"think,omitempty"`
	KeepAlive json.RawMessage          `json:"keep_alive,omitempty"`
}

// OllamaChatResponse is a full or streamed chunk response from /api/chat.
type OllamaChatResponse struct {
	Model           string        `json:"model,omitempty"`
	CreatedAt       string        `json:"created_at,omitempty"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount *int          `json:"prompt_eval_count,omitempty"`
	EvalCount       *int          `json:"eval_count,omitempty"`
}

// OllamaGenerateRequest describes a request to /api/generate.
type OllamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Suffix  string                 `json:"suffix,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// OllamaGenerateResponse is a full or streamed chunk from /api/generate.
type OllamaGenerateResponse struct {
	Model           string `json:"model,omitempty"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount *int   `json:"prompt_eval_count,omitempty"`
	EvalCount       *int   `json:"eval_count,omitempty"`
}

// OllamaEmbedRequest describes a request to /api/embed.
type OllamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// OllamaEmbedResponse covers both the modern plural and the legacy
// singular embedding shapes.
type OllamaEmbedResponse struct {
	Model           string      `json:"model,omitempty"`
	Embeddings      [][]float64 `json:"embeddings,omitempty"`
	Embedding       []float64   `json:"embedding,omitempty"`
	PromptEvalCount *int        `json:"prompt_eval_count,omitempty"`
}

// --- OpenAI surface ---

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Index    int                `json:"index"`
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAIChatMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIChatChoice struct {
	Index        int               `json:"index"`
	Message      OpenAIChatMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type OpenAIChatResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Created           int64              `json:"created"`
	Model             string             `json:"model"`
	Choices           []OpenAIChatChoice `json:"choices"`
	Usage             OpenAIUsage        `json:"usage"`
	SystemFingerprint string             `json:"system_fingerprint"`
}

type OpenAIDelta struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIChunkChoice struct {
	Index        int         `json:"index"`
	Delta        OpenAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type OpenAIChatChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []OpenAIChunkChoice `json:"choices"`
	Usage   *OpenAIUsage        `json:"usage,omitempty"`
}

type OpenAICompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type OpenAICompletionResponse struct {
	ID      string                   `json:"id"`
	Object  string                   `json:"object"`
	Created int64                    `json:"created"`
	Model   string                   `json:"model"`
	Choices []OpenAICompletionChoice `json:"choices"`
	Usage   *OpenAIUsage             `json:"usage,omitempty"`
}

type OpenAIEmbedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type OpenAIEmbeddingsResponse struct {
	Object string            `json:"object"`
	Data   []OpenAIEmbedding `json:"data"`
	Model  string            `json:"model"`
	Usage  OpenAIUsage       `json:"usage"`
}

type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// OpenAIErrorResponse is the error envelope for the whole surface.
type OpenAIErrorResponse struct {
	Error OpenAIError `json:"error"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
