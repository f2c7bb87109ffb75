// Package glossary loads per-series term files that pin how names and
// recurring terms are translated.
package glossary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"
)

// Terms maps source-language terms to their target-language rendering.
type Terms map[string]string

// Filename returns the glossary filename for a language pair, using
// 2-letter base codes (e.g. "term_map.ja-en.json").
func Filename(src, tgt string) string {
	return "term_map." + baseCode(src) + "-" + baseCode(tgt) + ".json"
}

// Find walks up from startDir looking for a glossary file for the pair.
// Returns "" when none exists.
func Find(startDir, src, tgt string) string {
	name := Filename(src, tgt)
	dir := startDir
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func Load(path string) (Terms, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var terms Terms
	if err := json.Unmarshal(data, &terms); err != nil {
		return nil, err
	}
	return terms, nil
}

// Save writes terms as indented JSON.
func Save(path string, terms Terms) error {
	data, err := json.MarshalIndent(terms, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Merge combines glossaries; later ones win on conflicting keys.
// Empty keys and values are dropped.
func Merge(all ...Terms) Terms {
	out := make(Terms)
	for _, terms := range all {
		for src, tgt := range terms {
			src, tgt = strings.TrimSpace(src), strings.TrimSpace(tgt)
			if src == "" || tgt == "" {
				continue
			}
			out[src] = tgt
		}
	}
	return out
}

// Match keeps only the terms that occur in at least one of texts.
// Matching is case-sensitive, which suits proper nouns.
func Match(terms Terms, texts []string) Terms {
	matched := make(Terms)
	for src, tgt := range terms {
		for _, text := range texts {
			if strings.Contains(text, src) {
				matched[src] = tgt
				break
			}
		}
	}
	return matched
}

func baseCode(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	base, _ := tag.Base()
	return base.String()
}
