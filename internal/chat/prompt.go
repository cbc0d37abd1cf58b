package chat

import (
	"fmt"
	"strings"

	"github.com/coursebot/backend/internal/index"
)

// Task selects which prompt template drives a generation call.
type Task string

const (
	// TaskChat answers a student question from retrieved course material.
	TaskChat Task = "chat"
	// TaskExpand rewrites a question into alternative search phrasings.
	TaskExpand Task = "expand"
)

// Placeholders understood by templates: {context}, {history}, {question}, {count}.
var templates = map[Task]string{
	TaskChat: `You are a helpful course assistant. Answer the student's question using only the course material below, and cite the material you rely on with bracketed numbers like [1] that match the numbered excerpts. If the material does not contain the answer, say so plainly.

Course material:
{context}

Conversation so far:
{history}

Question: {question}

Answer:`,
	TaskExpand: `Rewrite the following question as {count} alternative search queries that would find the same information. Output one query per line with no numbering or commentary.

Question: {question}`,
}

// buildPrompt renders the template for task, preferring override when
// the caller supplied one.
func buildPrompt(task Task, override string, vars map[string]string) string {
	tmpl := override
	if tmpl == "" {
		tmpl = templates[task]
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// contextBlock renders retrieved chunks as a numbered list with scores.
func contextBlock(chunks []index.ScoredChunk) string {
	if len(chunks) == 0 {
		return "(no course material found)"
	}
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (score=%.2f)\n%s", i+1, c.Score, c.Text)
	}
	return b.String()
}

// formatHistory renders prior turns oldest first, one per line.
func formatHistory(msgs []historyTurn) string {
	if len(msgs) == 0 {
		return "(no prior conversation)"
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		lines[i] = role + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

type historyTurn struct {
	Role    string
	Content string
}
