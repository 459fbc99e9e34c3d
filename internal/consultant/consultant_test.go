package consultant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/SleepPath/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   *openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completion(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestOpenAIResponderReply_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("  Try an earlier bedtime.  ")}
	r := &OpenAIResponder{chat: mock, model: DefaultModel}

	out, err := r.Reply(context.Background(), models.Profile{BabyName: "Mia"}, "She wakes at 5am")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Try an earlier bedtime." {
		t.Errorf("expected trimmed reply, got %q", out)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.params.Messages))
	}
	if mock.params.Model != DefaultModel {
		t.Errorf("model = %q, want %q", mock.params.Model, DefaultModel)
	}
}

func TestOpenAIResponderReply_ServiceError(t *testing.T) {
	r := &OpenAIResponder{chat: &mockChatService{err: errors.New("service failure")}, model: DefaultModel}
	_, err := r.Reply(context.Background(), models.Profile{}, "hi")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestOpenAIResponderReply_NoChoices(t *testing.T) {
	r := &OpenAIResponder{chat: &mockChatService{resp: &openai.ChatCompletion{}}, model: DefaultModel}
	if _, err := r.Reply(context.Background(), models.Profile{}, "hi"); err != ErrNoChoicesReturned {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestOpenAIResponderReply_Empty(t *testing.T) {
	r := &OpenAIResponder{chat: &mockChatService{resp: completion("   ")}, model: DefaultModel}
	if _, err := r.Reply(context.Background(), models.Profile{}, "hi"); err != ErrEmptyReply {
		t.Errorf("expected ErrEmptyReply, got %v", err)
	}
}

func TestNewOpenAIResponder_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAIResponder(); err != ErrAPIKeyRequired {
		t.Errorf("expected ErrAPIKeyRequired, got %v", err)
	}
}

func TestNewOpenAIResponder_WithKey(t *testing.T) {
	r, err := NewOpenAIResponder(WithAPIKey("test-key"), WithModel("gpt-4o"), WithBaseURL("http://localhost:9999/v1"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if r.model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", r.model)
	}
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt(models.Profile{UserName: "Sam", BabyName: "Mia", BabyAgeMonths: 7})
	for _, want := range []string{"Sam", "Mia", "7 months"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q: %s", want, p)
		}
	}

	placeholder := SystemPrompt(models.Profile{BabyName: "your little one", Placeholder: true})
	if strings.Contains(placeholder, "Their baby is") {
		t.Errorf("placeholder profile leaked into prompt: %s", placeholder)
	}
}

func TestStaticResponder(t *testing.T) {
	r := NewStaticResponder()
	ctx := context.Background()

	tests := []struct {
		msg  string
		want string
	}{
		{"How long should naps be?", "dark, quiet room"},
		{"She keeps WAKING at night", "Night wakings"},
		{"What bedtime routine?", "predictable routine"},
		{"Is the milk feed a problem?", "last feed earlier"},
		{"anything else", "Consistency"},
	}
	for _, tt := range tests {
		out, err := r.Reply(ctx, models.Profile{BabyName: "Mia"}, tt.msg)
		if err != nil {
			t.Fatalf("Reply(%q) error: %v", tt.msg, err)
		}
		if !strings.Contains(out, tt.want) || !strings.Contains(out, "Mia") {
			t.Errorf("Reply(%q) = %q, want substring %q and baby name", tt.msg, out, tt.want)
		}
	}

	out, _ := r.Reply(ctx, models.Profile{BabyName: "x", Placeholder: true}, "nap")
	if !strings.Contains(out, "your little one") {
		t.Errorf("placeholder name used: %q", out)
	}
}
