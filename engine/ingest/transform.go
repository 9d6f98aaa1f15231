package ingest

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/pkg/ollama"
)

const (
	// DefaultChunkSize is the target number of tokens per chunk.
	DefaultChunkSize = 512
	// DefaultOverlap is the number of overlapping tokens between chunks.
	DefaultOverlap = 50
)

// splitSentences splits text into sentences using punctuation and newlines.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			// Check it's end-of-sentence (next char is space/end or newline).
			if r == '\n' || i == len(text)-1 || (i+1 < len(text) && unicode.IsSpace(rune(text[i+1]))) {
				s := strings.TrimSpace(current.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	// Remaining text.
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// chunkText groups the text's sentences into chunks of ~chunkSize
// tokens with overlap. Token count is approximated as word count. A
// text that yields no sentences comes back as a single chunk.
func chunkText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	var chunks []string
	start := 0
	for start < len(sentences) {
		var buf strings.Builder
		tokens := 0
		end := start

		for end < len(sentences) {
			words := wordCount(sentences[end])
			if tokens+words > chunkSize && tokens > 0 {
				break
			}
			if buf.Len() > 0 {
				buf.WriteRune(' ')
			}
			buf.WriteString(sentences[end])
			tokens += words
			end++
		}

		chunks = append(chunks, buf.String())

		// Move start back by overlap amount.
		overlapTokens := 0
		newStart := end
		for newStart > start && overlapTokens < overlap {
			newStart--
			overlapTokens += wordCount(sentences[newStart])
		}
		if newStart == start {
			// Ensure forward progress.
			start = end
		} else {
			start = newStart
		}
	}
	return chunks
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// Summarizer condenses chunk text before embedding. A nil Summarizer
// in the pipeline deps disables the stage; a failing one degrades to
// the original text.
type Summarizer interface {
	Summarize(ctx context.Context, m domain.Modality, text string) (string, error)
}

var summaryPrompts = map[domain.Modality]string{
	domain.ModalityText:  "Summarize the following passage in a few dense sentences, keeping every concrete fact:\n\n%s",
	domain.ModalityImage: "Condense this image caption, keeping every named object and relation:\n\n%s",
	domain.ModalityAudio: "Condense this transcript excerpt, keeping speakers and facts:\n\n%s",
	domain.ModalityVideo: "Condense this scene description, keeping actions and named entities:\n\n%s",
}

// LLMSummarizer summarizes through a local generation model.
type LLMSummarizer struct {
	client *ollama.Client
	model  string
}

// NewLLMSummarizer builds a Summarizer over an ollama endpoint.
func NewLLMSummarizer(url, model string) *LLMSummarizer {
	return &LLMSummarizer{client: ollama.New(url), model: model}
}

// Summarize runs the modality's prompt. Whitespace-only completions
// count as failures so the caller falls back to the original text.
func (s *LLMSummarizer) Summarize(ctx context.Context, m domain.Modality, text string) (string, error) {
	prompt, ok := summaryPrompts[m]
	if !ok {
		prompt = summaryPrompts[domain.ModalityText]
	}
	out, err := s.client.Generate(ctx, s.model, fmt.Sprintf(prompt, text))
	if err != nil {
		return "", fmt.Errorf("ingest: summarize: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("ingest: summarize: empty completion")
	}
	return out, nil
}
