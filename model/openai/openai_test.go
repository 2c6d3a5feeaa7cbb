package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
	"github.com/mcpmessenger/mcp-gateway/model"
)

type fakeChat struct {
	got  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.got = req
	return f.resp, f.err
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

func TestGenerate(t *testing.T) {
	chat := &fakeChat{resp: textResponse("<svg/>")}
	g, err := New(Options{Client: chat, DefaultModel: openai.GPT4o})
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), model.Request{Prompt: "a round logo", AssetType: "svg"})
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", out.Content)
	assert.Equal(t, "svg", out.AssetType)

	require.Len(t, chat.got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleUser, chat.got.Messages[1].Role)
	assert.Equal(t, "a round logo", chat.got.Messages[1].Content)
}

func TestGenerateRefinement(t *testing.T) {
	chat := &fakeChat{resp: textResponse("<svg>v2</svg>")}
	g, err := New(Options{Client: chat})
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), model.Request{
		AssetType:   "svg",
		BaseContent: "<svg>v1</svg>",
		Notes:       "make it blue",
	})
	require.NoError(t, err)
	assert.Equal(t, "<svg>v2</svg>", out.Content)

	// The refinement prompt carries the parent content and the notes.
	assert.Contains(t, chat.got.Messages[1].Content, "<svg>v1</svg>")
	assert.Contains(t, chat.got.Messages[1].Content, "make it blue")
}

func TestGenerateEmptyPrompt(t *testing.T) {
	g, err := New(Options{Client: &fakeChat{}})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), model.Request{})
	require.Error(t, err)
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))
}

func TestGenerateUpstreamFailure(t *testing.T) {
	g, err := New(Options{Client: &fakeChat{err: errors.New("rate limited")}})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), model.Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, mcperr.KindUpstream, mcperr.KindOf(err))
}

func TestGenerateNoChoices(t *testing.T) {
	g, err := New(Options{Client: &fakeChat{}})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), model.Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, mcperr.KindUpstream, mcperr.KindOf(err))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = NewFromAPIKey("", "")
	require.Error(t, err)
}
