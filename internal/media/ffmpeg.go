// Package media wraps ffmpeg and ffprobe for the pipeline's audio
// extraction, probing and fallback muxing.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/watchdog"
	"github.com/MimeLyc/anidub/pkg/log"
	"golang.org/x/text/language"
)

var (
	_ stages.AudioExtractor = (*Ffmpeg)(nil)
	_ stages.Muxer          = (*Ffmpeg)(nil)
	_ stages.Prober         = (*Ffmpeg)(nil)
)

// ExtractSampleRate is the rate of the extracted analysis track.
const ExtractSampleRate = 16000

type Ffmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
	opts       watchdog.Options
}

// NewFfmpeg uses ffmpegCmd and the ffprobe found next to it (or on PATH
// when ffmpegCmd is a bare name).
func NewFfmpeg(ffmpegCmd string, opts watchdog.Options) *Ffmpeg {
	if ffmpegCmd == "" {
		ffmpegCmd = "ffmpeg"
	}
	probe := "ffprobe"
	if dir := filepath.Dir(ffmpegCmd); dir != "." {
		probe = filepath.Join(dir, "ffprobe")
	}
	return &Ffmpeg{ffmpegCmd: ffmpegCmd, ffprobeCmd: probe, opts: opts}
}

// ExtractAudio writes the first audio stream of video as mono 16 kHz WAV.
func (ff *Ffmpeg) ExtractAudio(ctx context.Context, video, wavOut string) error {
	if err := os.MkdirAll(filepath.Dir(wavOut), 0o755); err != nil {
		return err
	}
	return ff.run(ctx, "ffmpeg extract", ff.extractAudioArgs(video, wavOut))
}

// Mux copies the video stream, adds the dub track as the default audio and
// attaches subtitles when present. Music ranges and background stems are
// ignored: this is the plain fallback when the mixer failed.
func (ff *Ffmpeg) Mux(ctx context.Context, req stages.MixRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.Out), 0o755); err != nil {
		return err
	}
	return ff.run(ctx, "ffmpeg mux", ff.muxArgs(req))
}

// Probe reads the container duration and audio stream languages.
func (ff *Ffmpeg) Probe(ctx context.Context, video string) (stages.MediaInfo, error) {
	cmdPath, err := exec.LookPath(ff.ffprobeCmd)
	if err != nil {
		return stages.MediaInfo{}, err
	}

	var stdout bytes.Buffer
	_, runErr := watchdog.RunProcess(ctx, watchdog.ProcessSpec{
		Name:    "ffprobe",
		Path:    cmdPath,
		Args:    ff.readProbeArgs(video),
		Stdout:  &stdout,
		Timeout: time.Minute,
		Options: ff.opts,
	})
	if runErr != nil && ctx.Err() != nil {
		return stages.MediaInfo{}, ctx.Err()
	}

	var probeResult struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			Tags      struct {
				Language string `json:"language"`
			} `json:"tags"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &probeResult); err != nil {
		if runErr != nil {
			return stages.MediaInfo{}, runErr
		}
		log.Error("Failed to parse ffprobe output: %v", err)
		return stages.MediaInfo{}, err
	}
	if runErr != nil && probeResult.Format.Duration == "" && len(probeResult.Streams) == 0 {
		return stages.MediaInfo{}, runErr
	}

	info := stages.MediaInfo{AudioLanguages: make([]string, 0)}
	if probeResult.Format.Duration != "" {
		d, err := strconv.ParseFloat(probeResult.Format.Duration, 64)
		if err != nil {
			return stages.MediaInfo{}, fmt.Errorf("parse duration %q: %w", probeResult.Format.Duration, err)
		}
		info.DurationS = d
	}
	for _, stream := range probeResult.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		info.AudioLanguages = append(info.AudioLanguages, normalizeLanguage(stream.Tags.Language))
	}
	return info, nil
}

func (ff *Ffmpeg) run(ctx context.Context, name string, args []string) error {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return err
	}
	_, err = watchdog.RunProcess(ctx, watchdog.ProcessSpec{
		Name:    name,
		Path:    cmdPath,
		Args:    args,
		Options: ff.opts,
	})
	return err
}

// normalizeLanguage turns stream tags such as "jpn" into "ja".
func normalizeLanguage(tag string) string {
	if tag == "" {
		return "und"
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "und"
	}
	base, _ := t.Base()
	return base.String()
}

func (*Ffmpeg) readProbeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

func (*Ffmpeg) extractAudioArgs(video, wavOut string) []string {
	return []string{
		"-y",
		"-i", video,
		"-map", "0:a:0", // first audio stream
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(ExtractSampleRate),
		"-c:a", "pcm_s16le",
		wavOut,
	}
}

func (*Ffmpeg) muxArgs(req stages.MixRequest) []string {
	args := []string{"-y", "-i", req.Video, "-i", req.DubWav}
	hasSubs := req.Subtitles != ""
	if hasSubs {
		args = append(args, "-i", req.Subtitles)
	}
	args = append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
	)
	if hasSubs {
		args = append(args, "-map", "2:s:0", "-c:s", "srt")
	}
	args = append(args,
		"-c:v", "copy",
		"-c:a", "aac",
		"-disposition:a:0", "default",
	)
	if req.Lang != "" {
		args = append(args, "-metadata:s:a:0", "language="+req.Lang)
		if hasSubs {
			args = append(args, "-metadata:s:s:0", "language="+req.Lang)
		}
	}
	return append(args, req.Out)
}
