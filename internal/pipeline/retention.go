package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/pkg/file"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
)

const (
	CachePolicyKeep      = jobs.CachePolicyKeep
	CachePolicyMinimal   = jobs.CachePolicyMinimal
	CachePolicyFinalOnly = jobs.CachePolicyFinalOnly
)

// cachePatterns are purged per policy, relative to the output directory.
var cachePatterns = map[string][]string{
	CachePolicyKeep:      nil,
	CachePolicyMinimal:   {"stems/**", "*.music.json", "*.separation.json"},
	CachePolicyFinalOnly: {"**"},
}

// privatePatterns are purged in privacy mode regardless of policy.
var privatePatterns = []string{"refs/**", "*.voice_refs.json"}

func runRetention(ctx context.Context, r *run) error {
	policy := r.job.Runtime.Features.CachePolicy
	if policy == "" {
		policy = CachePolicyKeep
	}
	patterns, ok := cachePatterns[policy]
	if !ok {
		return fmt.Errorf("unknown cache policy %q", policy)
	}

	var extra []string
	if jobs.Enabled(r.job.Runtime.Features.PrivacyMode, false) {
		patterns = append(append([]string{}, patterns...), privatePatterns...)
		extra = append(extra, r.paths.audio)
	}

	removed, err := purge(r.job.OutputDir, patterns, r.finalOutputs(), extra)
	if err != nil {
		return err
	}

	size, err := file.TreeSize(r.job.OutputDir)
	if err != nil {
		return fmt.Errorf("measure output: %w", err)
	}
	if catalog := r.o.deps.Catalog; catalog != nil {
		if err := catalog.RecordStorage(ctx, r.job.ID, r.job.OwnerID, size); err != nil {
			log.Warn("Job %s: record storage: %v", r.job.ID, err)
		}
	}
	r.logf("retention %s: removed %d files, output holds %s", policy, removed, humanize.Bytes(uint64(size)))
	return nil
}

// finalOutputs are never purged. The checkpoint document stays so the
// source binding and stage history survive.
func (r *run) finalOutputs() []string {
	return []string{r.paths.checkpoint, r.paths.mkv, r.paths.outSRT, r.paths.manifest, r.paths.qa, r.paths.lipsync, r.paths.mobileDir}
}

// purge removes files under root whose slash-separated relative path matches
// one of patterns, plus the extra paths, then drops directories left empty.
// Paths in keep, and anything below them, survive.
func purge(root string, patterns, keep, extra []string) (int, error) {
	if len(patterns) == 0 && len(extra) == 0 {
		return 0, nil
	}
	kept := func(path string) bool {
		for _, k := range keep {
			if k == "" {
				continue
			}
			rel, err := filepath.Rel(k, path)
			if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return true
			}
		}
		return false
	}

	removed := 0
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if kept(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			match, err := doublestar.Match(pattern, rel)
			if err != nil {
				return fmt.Errorf("pattern %q: %w", pattern, err)
			}
			if match {
				if err := os.Remove(path); err != nil {
					return err
				}
				removed++
				break
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	for _, p := range extra {
		if p == "" || kept(p) || !file.Exists(p) {
			continue
		}
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed++
	}

	// deepest first; non-empty directories fail to remove and stay
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return removed, nil
}
