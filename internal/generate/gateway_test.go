package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/coursebot/backend/internal/ollama"
)

type stubChatter struct {
	gotModel string
	gotOpts  *ollama.ChatOptions
	gotMsgs  []ollama.Message
	reply    string
	err      error
}

func (s *stubChatter) Chat(ctx context.Context, model string, messages []ollama.Message, opts *ollama.ChatOptions) (string, error) {
	s.gotModel = model
	s.gotMsgs = messages
	s.gotOpts = opts
	return s.reply, s.err
}

func TestGenerate(t *testing.T) {
	c := &stubChatter{reply: "an answer"}
	g := NewGateway(c, "llama3.1", 0, 0)

	out, err := g.Generate(context.Background(), "a prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "an answer" {
		t.Errorf("Generate = %q", out)
	}
	if c.gotModel != "llama3.1" {
		t.Errorf("model = %q", c.gotModel)
	}
	if len(c.gotMsgs) != 1 || c.gotMsgs[0].Role != "user" || c.gotMsgs[0].Content != "a prompt" {
		t.Errorf("messages = %v", c.gotMsgs)
	}
	if c.gotOpts.MaxTokens != defaultMaxTokens || c.gotOpts.Temperature != defaultTemperature {
		t.Errorf("defaults not applied: %+v", c.gotOpts)
	}
}

func TestGenerate_Error(t *testing.T) {
	c := &stubChatter{err: errors.New("backend down")}
	g := NewGateway(c, "llama3.1", 512, 0.7)

	if _, err := g.Generate(context.Background(), "a prompt"); err == nil {
		t.Error("Generate with failing backend returned nil error")
	}
}
