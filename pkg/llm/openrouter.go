package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/metrics"
)

// maxResponseSize caps the response body read to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// answerFunctionName is the single function the evaluation model must call.
const answerFunctionName = "answer_question"

// OpenRouterClient implements Gateway over the OpenRouter-compatible
// chat-completions HTTP API. It is stateless apart from configuration and
// safe for concurrent use. No retries happen inside a single call.
type OpenRouterClient struct {
	endpoint    string
	apiKey      string
	httpReferer string
	xTitle      string
	timeout     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// ClientOption configures an OpenRouterClient.
type ClientOption func(*OpenRouterClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *OpenRouterClient) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *OpenRouterClient) {
		client.logger = logger
	}
}

// WithMetrics attaches gateway metrics. The observe methods are nil-safe, so
// leaving this unset is fine in tests.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(client *OpenRouterClient) {
		client.metrics = m
	}
}

// NewOpenRouterClient creates a gateway client from configuration.
func NewOpenRouterClient(cfg config.LLMConfig, opts ...ClientOption) *OpenRouterClient {
	c := &OpenRouterClient{
		endpoint:    strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:      cfg.APIKey,
		httpReferer: cfg.HTTPReferer,
		xTitle:      cfg.XTitle,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{},
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AnswerWithTool implements Gateway.
func (c *OpenRouterClient) AnswerWithTool(ctx context.Context, model, system, user string, options []string) (*ToolAnswer, error) {
	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"tools": []map[string]any{
			{
				"type": "function",
				"function": map[string]any{
					"name":        answerFunctionName,
					"description": "Answer the question with exactly one of the allowed options.",
					"strict":      true,
					"parameters": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"answer": map[string]any{
								"type": "string",
								"enum": options,
							},
						},
						"required":             []string{"answer"},
						"additionalProperties": false,
					},
				},
			},
		},
		"tool_choice": map[string]any{
			"type":     "function",
			"function": map[string]any{"name": answerFunctionName},
		},
	}

	resp, requestJSON, err := c.doRequest(ctx, metrics.OperationAnswer, body)
	if err != nil {
		return nil, err
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return nil, fmt.Errorf("model %s replied with free-form text instead of calling %s", model, answerFunctionName)
	}
	call := msg.ToolCalls[0]
	if call.Function.Name != answerFunctionName {
		return nil, fmt.Errorf("model %s called unexpected function %q", model, call.Function.Name)
	}

	var args struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("failed to parse %s arguments: %w", answerFunctionName, err)
	}
	if args.Answer == "" {
		return nil, fmt.Errorf("%s call carried an empty answer", answerFunctionName)
	}

	return &ToolAnswer{
		Answer:      args.Answer,
		Usage:       *resp.Usage,
		RequestJSON: requestJSON,
	}, nil
}

// Compress implements Gateway.
func (c *OpenRouterClient) Compress(ctx context.Context, model, compressingPrompt, task string) (*Compression, error) {
	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "system", "content": compressingPrompt},
			{"role": "user", "content": task},
		},
	}

	resp, requestJSON, err := c.doRequest(ctx, metrics.OperationCompress, body)
	if err != nil {
		return nil, err
	}

	compressed := resp.Choices[0].Message.Content
	if strings.TrimSpace(compressed) == "" {
		return nil, fmt.Errorf("model %s returned an empty compression", model)
	}

	return &Compression{
		CompressedTask: compressed,
		Usage:          *resp.Usage,
		RequestJSON:    requestJSON,
	}, nil
}

// chatCompletionResponse mirrors the provider response contract. Usage is a
// pointer so an absent block is distinguishable from zero counters.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// doRequest performs one chat-completions call. The body is marshaled exactly
// once: encoding/json sorts map keys at every nesting level, so equal inputs
// yield byte-identical request JSON. Those bytes are sent on the wire and
// returned for auditing. Responses are validated down to a non-empty choices
// list and a present usage block; everything beyond that is the caller's.
func (c *OpenRouterClient) doRequest(ctx context.Context, operation string, body map[string]any) (resp *chatCompletionResponse, requestJSON string, err error) {
	requestID := uuid.New().String()
	start := time.Now()
	defer func() {
		c.metrics.ObserveLLMRequest(operation, err, time.Since(start))
	}()

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode request: %w", err)
	}
	requestJSON = string(raw)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.httpReferer != "" {
		httpReq.Header.Set("HTTP-Referer", c.httpReferer)
	}
	if c.xTitle != "" {
		httpReq.Header.Set("X-Title", c.xTitle)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("provider returned status %d: %s", httpResp.StatusCode, truncate(respBody, 200))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, "", fmt.Errorf("failed to decode response: %w", err)
	}

	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, "", fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, "", fmt.Errorf("response contains no choices")
	}
	if parsed.Usage == nil {
		return nil, "", fmt.Errorf("response contains no usage")
	}

	c.metrics.AddLLMTokens(operation, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
	c.logger.Debug("LLM request complete",
		"request_id", requestID,
		"operation", operation,
		"model", body["model"],
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"total_tokens", parsed.Usage.TotalTokens,
	)

	return &parsed, requestJSON, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
