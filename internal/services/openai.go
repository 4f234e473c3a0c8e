package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
)

// Role identifies one of the four independently configured model roles driving
// the research pipeline.
type Role string

const (
	// RoleSummarization reduces search result sets to structured notes.
	RoleSummarization Role = "summarization"
	// RoleResearch clarifies, plans and reflects; the only role that may
	// request tool invocations.
	RoleResearch Role = "research"
	// RoleCompression condenses accumulated notes into findings.
	RoleCompression Role = "compression"
	// RoleFinalReport writes the delivered report body.
	RoleFinalReport Role = "final_report"
)

// Roles lists every pipeline role in pipeline order.
var Roles = []Role{RoleSummarization, RoleResearch, RoleCompression, RoleFinalReport}

// RoleConfig holds the connection settings for a single model role. It is
// loaded once at process start and read-only thereafter.
type RoleConfig struct {
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int
}

// ChatMessage is one turn of a completion transcript.
type ChatMessage struct {
	Role    string
	Content string
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// Completion is the outcome of a tool-enabled completion: assistant text,
// tool invocation requests, or both.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// OpenAI routes completion requests to per-role OpenAI-compatible endpoints.
// Each role carries its own client so endpoints, credentials and token limits
// never leak between stages.
type OpenAI struct {
	clients map[Role]roleClient
	timeout time.Duration

	logger *slog.Logger
}

type roleClient struct {
	client    *goopenai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates a gateway from the per-role configurations. The timeout
// bounds every individual completion call; a call exceeding it is reported as
// upstream unavailability.
func NewOpenAI(configs map[Role]RoleConfig, timeout time.Duration, logger *slog.Logger) OpenAI {
	clients := make(map[Role]roleClient, len(configs))
	for role, cfg := range configs {
		cc := goopenai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			cc.BaseURL = cfg.BaseURL
		}
		clients[role] = roleClient{
			client:    goopenai.NewClientWithConfig(cc),
			model:     cfg.Model,
			maxTokens: cfg.MaxTokens,
		}
	}
	return OpenAI{
		clients: clients,
		timeout: timeout,
		logger:  logger.With(slog.String("module", "openai")),
	}
}

// Complete requests a plain text completion from the given role's endpoint.
func (o OpenAI) Complete(ctx context.Context, role Role, msgs []ChatMessage) (string, error) {
	resp, err := o.createCompletion(ctx, role, msgs, nil, nil)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStructured requests a completion constrained to the given JSON
// schema and decodes it into out. Output that does not decode is reported as
// a malformed response, which the pipeline treats as non-retryable.
func (o OpenAI) CompleteStructured(
	ctx context.Context,
	role Role,
	msgs []ChatMessage,
	schemaName string,
	schema json.RawMessage,
	out any,
) error {
	format := &goopenai.ChatCompletionResponseFormat{
		Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
			Name:   schemaName,
			Schema: schema,
			Strict: true,
		},
	}
	resp, err := o.createCompletion(ctx, role, msgs, nil, format)
	if err != nil {
		return err
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		o.logger.Error("Structured output did not match schema",
			slog.String("schema", schemaName),
			slog.String("content", content))
		return fmt.Errorf("%w: decoding %s: %w", ErrMalformedResponse, schemaName, err)
	}
	return nil
}

// CompleteWithTools requests a completion with the given tool schemas offered
// to the model. Only the research role uses this.
func (o OpenAI) CompleteWithTools(
	ctx context.Context,
	role Role,
	msgs []ChatMessage,
	tools []goopenai.Tool,
) (Completion, error) {
	resp, err := o.createCompletion(ctx, role, msgs, tools, nil)
	if err != nil {
		return Completion{}, err
	}

	msg := resp.Choices[0].Message
	completion := Completion{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return Completion{}, fmt.Errorf("%w: tool call %s arguments are not valid json",
				ErrMalformedResponse, tc.Function.Name)
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return completion, nil
}

// GenerateTitle produces a short chat title from the opening query using the
// summarization role.
func (o OpenAI) GenerateTitle(ctx context.Context, query string) (string, error) {
	msgs := []ChatMessage{
		{Role: "system", Content: "Generate a title of at most six words for a research conversation that starts with the following query. Respond with the title only."},
		{Role: "user", Content: query},
	}
	return o.Complete(ctx, RoleSummarization, msgs)
}

func (o OpenAI) createCompletion(
	ctx context.Context,
	role Role,
	msgs []ChatMessage,
	tools []goopenai.Tool,
	format *goopenai.ChatCompletionResponseFormat,
) (goopenai.ChatCompletionResponse, error) {
	rc, ok := o.clients[role]
	if !ok {
		return goopenai.ChatCompletionResponse{}, fmt.Errorf("no configuration for role %s", role)
	}

	oMsgs := make([]goopenai.ChatCompletionMessage, len(msgs))
	for i, msg := range msgs {
		oMsgs[i] = goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	req := goopenai.ChatCompletionRequest{
		Model:          rc.model,
		Messages:       oMsgs,
		MaxTokens:      rc.maxTokens,
		Tools:          tools,
		ResponseFormat: format,
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := rc.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return goopenai.ChatCompletionResponse{}, classifyCompletionErr(role, err)
	}
	if len(resp.Choices) == 0 {
		return goopenai.ChatCompletionResponse{}, fmt.Errorf("%w: no choices in response", ErrMalformedResponse)
	}
	return resp, nil
}

// classifyCompletionErr maps transport and API errors onto the failure
// taxonomy. API-level rejections will not self-heal, so they must never be
// classified as unavailability.
func classifyCompletionErr(role Role, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: role %s: %w", ErrUpstreamRejected, role, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: role %s: %w", ErrUpstreamRejected, role, err)
	}
	return fmt.Errorf("%w: role %s: %w", ErrUpstreamUnavailable, role, err)
}
