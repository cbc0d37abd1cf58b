package chat

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const expandTimeout = 5 * time.Second

// expand asks the generator for up to n alternative phrasings of the
// query. Expansion is best effort: any failure logs a warning and
// returns nil so retrieval proceeds with the original query alone.
func (s *Service) expand(ctx context.Context, query string, n int) []string {
	ctx, cancel := context.WithTimeout(ctx, expandTimeout)
	defer cancel()

	prompt := buildPrompt(TaskExpand, "", map[string]string{
		"question": query,
		"count":    strconv.Itoa(n),
	})
	raw, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		slog.Warn("query expansion failed, using original query only", "error", err)
		return nil
	}
	return parseExpansions(raw, query, n)
}

// parseExpansions extracts up to n usable variants from model output,
// tolerating list markers the model adds despite instructions. The
// original query and case-insensitive duplicates are dropped.
func parseExpansions(raw, original string, n int) []string {
	seen := map[string]struct{}{strings.ToLower(strings.TrimSpace(original)): {}}
	var variants []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if i := strings.IndexByte(line, '.'); i > 0 && i <= 2 && isDigits(line[:i]) {
			line = strings.TrimSpace(line[i+1:])
		}
		if line == "" {
			continue
		}
		key := strings.ToLower(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		variants = append(variants, line)
		if len(variants) == n {
			break
		}
	}
	return variants
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
