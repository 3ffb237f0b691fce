package abstraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rcliao/hamstore/internal/model"
)

const chatPrompt = `Summarize the user's note for long-term memory.
Reply with a JSON object: {"summary": "<one or two sentences>", "keywords": ["<up to 5 lowercase keywords>"], "quality": <confidence between 0 and 1>}.`

// ChatSummarizer asks an OpenAI-compatible chat model for the gist. It is
// called once per record with no retries; pair it with a local strategy.
type ChatSummarizer struct {
	client   *openai.Client
	model    string
	maxInput int
}

// NewChatSummarizer builds a summarizer. baseURL may point at any
// OpenAI-compatible server; empty keeps the library default.
func NewChatSummarizer(baseURL, apiKey, model string) *ChatSummarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &ChatSummarizer{client: openai.NewClientWithConfig(cfg), model: model, maxInput: 8000}
}

func (*ChatSummarizer) Name() string { return "chat" }

func (c *ChatSummarizer) Summarize(ctx context.Context, sections []Section) (model.Gist, error) {
	var parts []string
	for _, s := range sections {
		parts = append(parts, s.Text)
	}
	text := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if text == "" {
		return model.Gist{}, errNoText
	}
	text = truncateRunes(text, c.maxInput)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: chatPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return model.Gist{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.Gist{}, fmt.Errorf("chat completion: no choices returned")
	}

	var out struct {
		Summary  string   `json:"summary"`
		Keywords []string `json:"keywords"`
		Quality  *float64 `json:"quality"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return model.Gist{}, fmt.Errorf("decode chat reply: %w", err)
	}
	g := model.Gist{Summary: strings.TrimSpace(out.Summary), Keywords: out.Keywords, Quality: 0.7}
	if out.Quality != nil {
		g.Quality = clamp01(*out.Quality)
	}
	return g, nil
}
