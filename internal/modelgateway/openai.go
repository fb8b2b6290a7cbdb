package modelgateway

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend calls the Chat Completions API via the official
// github.com/openai/openai-go SDK (spec §4.C; adopted from the rest of
// the retrieval pack's go.mod since the teacher only wires a generic
// "zai" HTTP backend).
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend builds a backend from an API key; the SDK falls back
// to OPENAI_API_KEY when apiKey is empty.
func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...)}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Complete(ctx context.Context, modelID string, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("modelgateway: openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("modelgateway: openai returned no choices")
	}

	return CompletionResponse{
		Text: resp.Choices[0].Message.Content,
		Usage: TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}
