package chat

import (
	"strings"
	"testing"

	"github.com/coursebot/backend/internal/index"
)

func TestChatPromptGroundingInstruction(t *testing.T) {
	prompt := buildPrompt(TaskChat, "", map[string]string{
		"context":  "[1] (score=0.90)\nParis is the capital of France.",
		"history":  "(no prior conversation)",
		"question": "What is the capital of France?",
	})

	if !strings.Contains(prompt, "using only the course material") {
		t.Error("prompt missing the answer-from-context instruction")
	}
	if !strings.Contains(prompt, "like [1]") {
		t.Error("prompt missing the citation instruction")
	}
	if !strings.Contains(prompt, "Question: What is the capital of France?") {
		t.Error("prompt missing the question")
	}
}

func TestBuildPromptOverride(t *testing.T) {
	prompt := buildPrompt(TaskChat, "Q={question}", map[string]string{"question": "why"})
	if prompt != "Q=why" {
		t.Errorf("override prompt = %q", prompt)
	}
}

func TestContextBlock(t *testing.T) {
	block := contextBlock([]index.ScoredChunk{
		{Text: "first chunk", Score: 0.91},
		{Text: "second chunk", Score: 0.5},
	})
	if !strings.HasPrefix(block, "[1] (score=0.91)\nfirst chunk") {
		t.Errorf("block = %q", block)
	}
	if !strings.Contains(block, "[2] (score=0.50)\nsecond chunk") {
		t.Errorf("block = %q", block)
	}

	if got := contextBlock(nil); got != "(no course material found)" {
		t.Errorf("empty block = %q", got)
	}
}

func TestFormatHistory(t *testing.T) {
	got := formatHistory([]historyTurn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if got != "User: hi\nAssistant: hello" {
		t.Errorf("history = %q", got)
	}

	if got := formatHistory(nil); got != "(no prior conversation)" {
		t.Errorf("empty history = %q", got)
	}
}
