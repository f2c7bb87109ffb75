// Package tts synthesizes a dub track segment by segment, falling back from
// voice cloning to cheaper engines and finally to silence.
package tts

import (
	"context"

	"github.com/MimeLyc/anidub/internal/stages"
)

// Voice selects how a speaker should sound.
type Voice struct {
	Speaker string
	// Preset is the voice preset name from the job's voice map, if any.
	Preset string
	// Refs are reference clips for cloning engines.
	Refs []string
}

// Engine renders one segment's text to a mono WAV at out.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, seg stages.Segment, lang string, voice Voice, out string) error
}
