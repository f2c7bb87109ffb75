package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/anidub/internal/glossary"
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/pkg/log"
)

// errCountMismatch means the model returned a different number of lines
// than it was sent; the batch is split and retried.
var errCountMismatch = errors.New("translation count mismatch")

// chatter is the subset of Client the translator needs.
type chatter interface {
	Chat(ctx context.Context, systemPrompt, userMessage string, jsonMode bool) (string, error)
}

// Translator implements stages.Translator on top of a chat model.
type Translator struct {
	client    chatter
	batchSize int
}

func NewTranslator(client *Client, batchSize int) *Translator {
	return newTranslator(client, batchSize)
}

func newTranslator(client chatter, batchSize int) *Translator {
	if batchSize <= 0 {
		batchSize = 40
	}
	return &Translator{client: client, batchSize: batchSize}
}

type indexedLine struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Translate fills Translated for every segment, preserving order.
func (t *Translator) Translate(ctx context.Context, req stages.TranslateRequest) ([]stages.Segment, error) {
	out := make([]stages.Segment, len(req.Segments))
	copy(out, req.Segments)
	if len(out) == 0 {
		return out, nil
	}
	if err := t.translateRange(ctx, req, out, 0, len(out), t.batchSize); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Translator) translateRange(ctx context.Context, req stages.TranslateRequest, segs []stages.Segment, start, end, batchSize int) error {
	for i := start; i < end; i += batchSize {
		stop := min(i+batchSize, end)
		texts, err := t.translateBatch(ctx, req, segs[i:stop])
		if errors.Is(err, errCountMismatch) && stop-i > 1 {
			half := max((stop-i)/2, 1)
			log.Warn("lines %d-%d: %v, retrying with batch size %d", i+1, stop, err, half)
			if err := t.translateRange(ctx, req, segs, i, stop, half); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("translate lines %d-%d: %w", i+1, stop, err)
		}
		for j, text := range texts {
			segs[i+j].Translated = text
		}
	}
	return nil
}

func (t *Translator) translateBatch(ctx context.Context, req stages.TranslateRequest, batch []stages.Segment) ([]string, error) {
	lines := make([]indexedLine, len(batch))
	texts := make([]string, len(batch))
	for i, seg := range batch {
		lines[i] = indexedLine{Index: i + 1, Text: seg.Text}
		texts[i] = seg.Text
	}
	payload, err := json.Marshal(map[string]any{"lines": lines})
	if err != nil {
		return nil, err
	}
	terms := glossary.Match(req.Glossary, texts)

	content, err := t.client.Chat(ctx, systemPrompt(req.Src, req.Tgt, terms, req.PGFilter), string(payload), true)
	if err != nil {
		return nil, err
	}
	return parseTranslations(content, len(batch))
}

func systemPrompt(src, tgt string, terms glossary.Terms, pgFilter bool) string {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "You translate anime dialogue from %s to %s for dubbing. ", src, tgt)
	prompt.WriteString("Each line will be spoken aloud over the original timing, so keep translations natural and about as long as the source.\n\n")

	if len(terms) > 0 {
		keys := make([]string, 0, len(terms))
		for k := range terms {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		prompt.WriteString("=== GLOSSARY ===\nAlways render these terms exactly as given:\n")
		for _, k := range keys {
			fmt.Fprintf(&prompt, "- %s => %s\n", k, terms[k])
		}
		prompt.WriteString("\n")
	}
	if pgFilter {
		prompt.WriteString("Soften profanity and explicit content to a PG rating without changing the meaning.\n\n")
	}

	prompt.WriteString("=== OUTPUT FORMAT ===\n")
	prompt.WriteString(`The input is {"lines":[{"index":N,"text":"..."}]} with 1-based indexes. `)
	prompt.WriteString(`Return ONLY a JSON object {"lines":[{"index":N,"text":"translation"}]} with exactly one entry per input line and the same indexes.`)
	prompt.WriteString("\n")
	return prompt.String()
}

// parseTranslations accepts {"lines":[...]}, a bare array of indexed
// lines, or a bare array of strings, optionally inside a code fence.
// Indexes are 1-based.
func parseTranslations(content string, want int) ([]string, error) {
	content = stripFence(content)
	if content == "" {
		return nil, errors.New("empty translation response")
	}
	raw := []byte(content)

	var wrapped struct {
		Lines json.RawMessage `json:"lines"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Lines) > 0 {
		raw = wrapped.Lines
	}

	var indexed []indexedLine
	if err := json.Unmarshal(raw, &indexed); err == nil {
		if len(indexed) != want {
			return nil, fmt.Errorf("%w: got %d, want %d", errCountMismatch, len(indexed), want)
		}
		out := make([]string, want)
		seen := make([]bool, want)
		for _, l := range indexed {
			i := l.Index - 1
			if i < 0 || i >= want || seen[i] {
				return nil, fmt.Errorf("%w: bad index %d", errCountMismatch, l.Index)
			}
			seen[i] = true
			out[i] = strings.TrimSpace(l.Text)
		}
		return out, nil
	}

	var plain []string
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("unparseable translation response: %w", err)
	}
	if len(plain) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", errCountMismatch, len(plain), want)
	}
	for i := range plain {
		plain[i] = strings.TrimSpace(plain[i])
	}
	return plain, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
