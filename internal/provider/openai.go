package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient speaks the OpenAI chat completions API. DeepSeek and local
// OpenAI-compatible servers reuse it through a custom base URL.
type OpenAIClient struct {
	client openai.Client
	name   string
}

// NewOpenAIClient returns a chat completions client. baseURL may be empty
// for the hosted API; name distinguishes compatible backends in logs.
func NewOpenAIClient(apiKey, baseURL, name string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		name:   name,
	}
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Result, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", c.name)
	}

	return &Result{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}
