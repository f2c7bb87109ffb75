package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/anidub/pkg/file"
)

// Layout derives per-job paths from the configured roots.
type Layout struct {
	OutputRoot string
	WorkRoot   string
	LogRoot    string
}

// Apply fills empty path fields of job. The output directory is namespaced
// by the video stem plus a short hash of the absolute video path: reruns of
// the same file share checkpoints, same-named files in other folders do not.
func (l Layout) Apply(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if strings.TrimSpace(job.VideoPath) == "" {
		return fmt.Errorf("video path is required")
	}
	stem := file.Stem(job.VideoPath)
	if stem == "" {
		return fmt.Errorf("cannot derive stem from %q", job.VideoPath)
	}

	if job.OutputDir == "" {
		job.OutputDir = filepath.Join(l.OutputRoot, stem+"-"+sourceTag(job.VideoPath))
	}
	if job.OutputMKV == "" {
		job.OutputMKV = filepath.Join(job.OutputDir, stem+".dub.mkv")
	}
	if job.OutputSRT == "" {
		tgt := job.TgtLang
		if tgt == "" {
			tgt = "und"
		}
		job.OutputSRT = filepath.Join(job.OutputDir, fmt.Sprintf("%s.%s.srt", stem, tgt))
	}
	if job.WorkDir == "" && job.ID != "" {
		job.WorkDir = filepath.Join(l.WorkRoot, job.ID)
	}
	if job.LogPath == "" && job.ID != "" {
		job.LogPath = filepath.Join(l.LogRoot, job.ID+".log")
	}
	return nil
}

// Stem is the artifact namespace for job.
func Stem(job *Job) string {
	return file.Stem(job.VideoPath)
}

// sourceTag is the first 8 hex digits of the sha256 of the absolute path.
func sourceTag(videoPath string) string {
	abs, err := filepath.Abs(videoPath)
	if err != nil {
		abs = videoPath
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return hex.EncodeToString(sum[:4])
}
