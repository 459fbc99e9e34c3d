// Package consultant generates replies for the AskConsultant chat screen.
package consultant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/SleepPath/internal/models"
)

// Errors returned by responders.
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyReply        = errors.New("consultant returned an empty reply")
	ErrAPIKeyRequired    = errors.New("OPENAI_API_KEY not set")
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// Responder answers a parent's question in the consultant's voice.
type Responder interface {
	Reply(ctx context.Context, profile models.Profile, message string) (string, error)
}

// chatService is the slice of the OpenAI client the responder uses.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type completionsAdapter struct {
	completions *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return a.completions.New(ctx, params)
}

// Opts holds configuration for the OpenAI responder.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Option defines a configuration option for the OpenAI responder.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. OPENAI_API_KEY is used when empty.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// OpenAIResponder generates replies with the OpenAI chat completions API.
type OpenAIResponder struct {
	chat  chatService
	model openai.ChatModel
}

// NewOpenAIResponder creates a responder. It fails when no API key is available.
func NewOpenAIResponder(opts ...Option) (*OpenAIResponder, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}
	model := DefaultModel
	if cfg.Model != "" {
		model = openai.ChatModel(cfg.Model)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(reqOpts...)

	slog.Debug("OpenAIResponder created", "model", model, "customBaseURL", cfg.BaseURL != "")
	return &OpenAIResponder{chat: completionsAdapter{completions: &client.Chat.Completions}, model: model}, nil
}

// Reply sends the persona prompt and the parent's message to the model.
func (r *OpenAIResponder) Reply(ctx context.Context, profile models.Profile, message string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: r.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(profile)),
			openai.UserMessage(message),
		},
	}
	resp, err := r.chat.Create(ctx, params)
	if err != nil {
		slog.Error("OpenAIResponder.Reply: chat completion failed", "error", err)
		return "", fmt.Errorf("consultant reply: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	slog.Debug("OpenAIResponder.Reply: reply generated", "chars", len(reply))
	return reply, nil
}

// SystemPrompt builds the consultant persona for profile.
func SystemPrompt(profile models.Profile) string {
	var b strings.Builder
	b.WriteString("You are a warm, practical infant sleep consultant. ")
	b.WriteString("Give short, concrete advice grounded in safe-sleep guidance. ")
	b.WriteString("Never diagnose; suggest a pediatrician for medical concerns.")

	if profile.UserName != "" {
		fmt.Fprintf(&b, "\nYou are talking with %s.", profile.UserName)
	}
	if profile.BabyName != "" && !profile.Placeholder {
		fmt.Fprintf(&b, "\nTheir baby is %s", profile.BabyName)
		if profile.BabyAgeMonths > 0 {
			fmt.Fprintf(&b, ", %d months old", profile.BabyAgeMonths)
		}
		b.WriteString(".")
	}
	return b.String()
}
