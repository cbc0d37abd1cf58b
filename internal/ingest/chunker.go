package ingest

import "strings"

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// Chunker splits extracted text into overlapping pieces sized for
// embedding. Splits happen on sentence boundaries where possible;
// overlap carries trailing sentences of one chunk into the next so
// retrieval does not lose context at the seams.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker returns a chunker with the given size and overlap in
// characters. Non-positive values fall back to the defaults.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = defaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split breaks text into chunks. Whitespace-only input yields nil.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.size {
		return []string{text}
	}

	sentences := splitSentences(text)

	var chunks []string
	var current []string
	currentLen := 0
	for _, sent := range sentences {
		// A single sentence longer than the chunk size gets hard-split.
		if len(sent) > c.size {
			if len(current) > 0 {
				chunks = append(chunks, strings.Join(current, " "))
				current, currentLen = nil, 0
			}
			for len(sent) > c.size {
				chunks = append(chunks, sent[:c.size])
				sent = sent[c.size-c.overlap:]
			}
			current = []string{sent}
			currentLen = len(sent)
			continue
		}

		if currentLen > 0 && currentLen+1+len(sent) > c.size {
			chunks = append(chunks, strings.Join(current, " "))
			current = tailForOverlap(current, c.overlap)
			currentLen = joinedLen(current)
		}
		current = append(current, sent)
		if currentLen > 0 {
			currentLen++
		}
		currentLen += len(sent)
	}
	if len(current) > 0 {
		chunk := strings.Join(current, " ")
		// Avoid emitting a final chunk that is purely carried-over overlap.
		if len(chunks) == 0 || !strings.HasSuffix(chunks[len(chunks)-1], chunk) {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// tailForOverlap returns the trailing sentences covering up to maxChars.
func tailForOverlap(sentences []string, maxChars int) []string {
	if maxChars == 0 {
		return nil
	}
	total := 0
	i := len(sentences)
	for i > 0 {
		need := len(sentences[i-1])
		if total > 0 {
			need++
		}
		if total+need > maxChars {
			break
		}
		total += need
		i--
	}
	return append([]string(nil), sentences[i:]...)
}

func joinedLen(sentences []string) int {
	if len(sentences) == 0 {
		return 0
	}
	n := len(sentences) - 1
	for _, s := range sentences {
		n += len(s)
	}
	return n
}

// splitSentences is a cheap boundary splitter: it cuts after '.', '!'
// or '?' followed by whitespace, and on newlines.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch == '\n' {
			if s := strings.TrimSpace(text[start:i]); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
			continue
		}
		if (ch == '.' || ch == '!' || ch == '?') && i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\t') {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
