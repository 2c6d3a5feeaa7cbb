// Package openai provides a model.Generator backed by the OpenAI Chat
// Completions API via github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
	"github.com/mcpmessenger/mcp-gateway/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Generator implements model.Generator via OpenAI chat completions.
type Generator struct {
	chat    ChatClient
	modelID string
}

var _ model.Generator = (*Generator)(nil)

const systemPrompt = "You produce design assets. Reply with the asset content only, no commentary."

// New builds a Generator from the provided options.
func New(opts Options) (*Generator, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := opts.DefaultModel
	if modelID == "" {
		modelID = openai.GPT4o
	}
	return &Generator{chat: opts.Client, modelID: modelID}, nil
}

// NewFromAPIKey constructs a Generator using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey, defaultModel string) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Generate renders the asset content.
func (g *Generator) Generate(ctx context.Context, req model.Request) (*model.Output, error) {
	assetType := req.AssetType
	if assetType == "" {
		assetType = "text"
	}
	user := req.Prompt
	if req.BaseContent != "" {
		user = fmt.Sprintf("Refine the following %s asset.\n\nAsset:\n%s\n\nInstructions:\n%s",
			assetType, req.BaseContent, req.Notes)
	}
	if user == "" {
		return nil, mcperr.InvalidArgument("prompt is required")
	}

	resp, err := g.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, mcperr.Wrap(mcperr.KindTimeout, err)
		}
		return nil, mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("openai chat completion: %w", err))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, mcperr.Upstream("openai returned no content")
	}
	return &model.Output{
		Content:   resp.Choices[0].Message.Content,
		AssetType: assetType,
	}, nil
}
