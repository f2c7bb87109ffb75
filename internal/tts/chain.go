package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/anidub/internal/breaker"
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/avast/retry-go/v4"
)

var _ stages.Synthesizer = (*Chain)(nil)

// Chain tries, per segment, the clone engine (when cloning is requested and
// the speaker has references) and then each fallback engine in order. A
// segment no engine could render becomes silence.
type Chain struct {
	clone      Engine
	fallbacks  []Engine
	breakers   *breaker.Registry
	attempts   uint
	retryDelay time.Duration
	sampleRate int
}

type Option func(*Chain)

// WithRetry sets per-engine call attempts and the initial backoff delay.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Chain) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.retryDelay = delay
	}
}

func WithSampleRate(rate int) Option {
	return func(c *Chain) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

// NewChain builds a chain. clone may be nil; nil fallbacks are ignored.
func NewChain(clone Engine, fallbacks []Engine, breakers *breaker.Registry, opts ...Option) *Chain {
	c := &Chain{
		clone:      clone,
		breakers:   breakers,
		attempts:   2,
		retryDelay: 200 * time.Millisecond,
		sampleRate: DefaultSampleRate,
	}
	for _, e := range fallbacks {
		if e != nil {
			c.fallbacks = append(c.fallbacks, e)
		}
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry(breaker.Settings{})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breakers exposes the registry so callers can persist its snapshot.
func (c *Chain) Breakers() *breaker.Registry { return c.breakers }

func (c *Chain) Synthesize(ctx context.Context, req stages.SynthesisRequest) error {
	segDir := filepath.Join(req.WorkDir, "tts_segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	manifest := newManifest(req.Lang, req.Clone, c.sampleRate)
	parts := make([]placement, 0, len(req.Segments))
	total := len(req.Segments)
	end := req.DurationS

	for i, seg := range req.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seg.End > end {
			end = seg.End
		}

		text := strings.TrimSpace(seg.Translated)
		if text == "" {
			text = strings.TrimSpace(seg.Text)
		}
		if text == "" {
			manifest.record(seg, EngineSilence, false, nil, false, "")
			c.progress(req, i+1, total)
			continue
		}
		seg.Translated = text

		voice := Voice{Speaker: seg.Speaker, Preset: req.VoiceMap[seg.Speaker], Refs: req.Refs[seg.Speaker]}
		out := filepath.Join(segDir, fmt.Sprintf("seg_%05d.wav", seg.Index))
		engine, clip, err := c.renderSegment(ctx, seg, req.Lang, voice, req.Clone, out)
		switch {
		case err == nil:
			cloned := c.clone != nil && engine == c.clone.Name()
			fallback := req.Clone && !cloned
			manifest.record(seg, engine, fallback, voice.Refs, cloned, "")
			parts = append(parts, placement{offset: sampleOffset(seg.Start, c.sampleRate), samples: len(clip.Data), path: out})
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warn("TTS: segment %d (%s) fell back to silence: %v", seg.Index, seg.Speaker, err)
			manifest.record(seg, EngineSilence, true, nil, false, err.Error())
		}
		c.progress(req, i+1, total)
	}

	samples, err := writeTrack(req.WavOut, end, c.sampleRate, parts)
	if err != nil {
		return fmt.Errorf("write dub track: %w", err)
	}
	manifest.DurationS = float64(samples) / float64(c.sampleRate)

	if req.ManifestOut != "" {
		if err := stages.WriteJSON(req.ManifestOut, manifest); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	}
	return nil
}

// renderSegment returns the name of the engine that produced a usable clip.
func (c *Chain) renderSegment(ctx context.Context, seg stages.Segment, lang string, voice Voice, clone bool, out string) (string, Clip, error) {
	engines := make([]Engine, 0, len(c.fallbacks)+1)
	if clone && c.clone != nil && len(voice.Refs) > 0 {
		engines = append(engines, c.clone)
	}
	engines = append(engines, c.fallbacks...)
	if len(engines) == 0 {
		return "", Clip{}, errors.New("no tts engine configured")
	}

	var errs []error
	for _, e := range engines {
		name := e.Name()
		if !c.breakers.Allowed(name) {
			errs = append(errs, fmt.Errorf("%s: %w", name, breaker.ErrOpen))
			continue
		}

		var clip Clip
		err := c.breakers.Execute(name, func() error {
			return retry.Do(
				func() error {
					if err := e.Synthesize(ctx, seg, lang, voice, out); err != nil {
						return err
					}
					var err error
					clip, err = ReadClip(out)
					if err != nil {
						return retry.Unrecoverable(err)
					}
					if clip.SampleRate != c.sampleRate {
						return retry.Unrecoverable(fmt.Errorf("sample rate %d, want %d", clip.SampleRate, c.sampleRate))
					}
					return nil
				},
				retry.Context(ctx),
				retry.Attempts(c.attempts),
				retry.Delay(c.retryDelay),
				retry.LastErrorOnly(true),
			)
		})
		if err == nil {
			return name, clip, nil
		}
		if ctx.Err() != nil {
			return "", Clip{}, ctx.Err()
		}
		log.Debug("TTS: engine %s failed on segment %d: %v", name, seg.Index, err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return "", Clip{}, errors.Join(errs...)
}

func (c *Chain) progress(req stages.SynthesisRequest, done, total int) {
	if req.Progress != nil {
		req.Progress(done, total)
	}
}
