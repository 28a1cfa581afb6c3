// Package openai implements model.Client on the OpenAI Chat Completions
// API using github.com/sashabaranov/go-openai. Strict JSON mode rides the
// json_schema response format, so the provider enforces the contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"mathia.chat/mathia/runtime/model"
)

const providerName = "openai"

type (
	// ChatClient is the go-openai subset the adapter uses. *openai.Client
	// satisfies it.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens caps completions when the request does not set one.
		// Zero means 1024.
		MaxTokens int
	}

	// Client implements model.Client on Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTokens    int
	}
)

// New validates the options and constructs the adapter.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs the adapter over the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(openai.NewClient(apiKey), opts)
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	request, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, classify(err)
	}
	return decode(resp, req.Mode)
}

// Stream implements model.Client. JSON mode streams no incremental value
// and reports ErrStreamingUnsupported; callers fall back to Complete.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if req.Mode == model.ModeJSON {
		return nil, model.ErrStreamingUnsupported
	}
	request, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := c.chat.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, classify(err)
	}
	return newStreamer(stream), nil
}

func (c *Client) encode(req model.Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
			messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}

	request := &openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if req.Mode == model.ModeJSON {
		schema, err := rawSchema(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("openai: output schema: %w", err)
		}
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "result",
				Schema: schema,
				Strict: true,
			},
		}
	}
	return request, nil
}

func rawSchema(schema any) (json.RawMessage, error) {
	if schema == nil {
		return nil, errors.New("schema is required in json mode")
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func decode(resp openai.ChatCompletionResponse, mode model.Mode) (*model.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	out := &model.Response{Provider: providerName, Text: resp.Choices[0].Message.Content}
	if mode == model.ModeJSON {
		var m map[string]any
		if err := json.Unmarshal([]byte(out.Text), &m); err != nil {
			return nil, fmt.Errorf("openai: decode structured output: %w", err)
		}
		out.JSON = m
		out.Text = ""
	}
	return out, nil
}

// classify maps go-openai errors to the model sentinels.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return fmt.Errorf("openai: %w", err)
}
