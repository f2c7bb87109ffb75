package tts

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	DefaultSampleRate = 24000
	bitDepth          = 16
	pcmFormat         = 1
)

// Clip is mono PCM audio at a fixed sample rate.
type Clip struct {
	SampleRate int
	Data       []int
}

// Seconds returns the clip length.
func (c Clip) Seconds() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Data)) / float64(c.SampleRate)
}

// ReadClip decodes a 16-bit mono WAV file. Other layouts are rejected so
// that the assembled track keeps one format.
func ReadClip(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("%s: decode: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels != 1 || dec.BitDepth != bitDepth {
		return Clip{}, fmt.Errorf("%s: expected 16-bit mono audio", path)
	}
	return Clip{SampleRate: buf.Format.SampleRate, Data: buf.Data}, nil
}

// WriteClip encodes c as 16-bit PCM mono WAV. The file is written to a
// temporary name first and renamed into place.
func WriteClip(path string, c Clip) error {
	return encodeFile(path, c.SampleRate, func(write func([]int) error) error {
		return write(c.Data)
	})
}

// encodeFile streams the chunks fill hands to write into a WAV file at path.
func encodeFile(path string, sampleRate int, fill func(write func([]int) error) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := wav.NewEncoder(tmp, sampleRate, bitDepth, 1, pcmFormat)
	format := &audio.Format{NumChannels: 1, SampleRate: sampleRate}
	write := func(data []int) error {
		return enc.Write(&audio.IntBuffer{Format: format, Data: data, SourceBitDepth: bitDepth})
	}
	if err := fill(write); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteSilence writes durationS seconds of silence to path.
func WriteSilence(path string, durationS float64, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if durationS < 0 {
		durationS = 0
	}
	_, err := writeTrack(path, durationS, sampleRate, nil)
	return err
}

// mixWindow is how many samples of a track are held in memory at once.
var mixWindow = 1 << 16

// placement is a rendered clip on disk and where it starts on the track.
type placement struct {
	offset  int
	samples int
	path    string
}

type loadedClip struct {
	offset int
	data   []int
}

// writeTrack lays parts on a silent track of totalS seconds and streams it
// to path one window at a time. A clip is read when the window reaches it
// and dropped once the window has passed its end. Overlapping clips are
// summed and clamped to the 16-bit range; the track grows when a clip ends
// past totalS. It returns the track length in samples.
func writeTrack(path string, totalS float64, sampleRate int, parts []placement) (int, error) {
	n := int(math.Round(totalS * float64(sampleRate)))
	for _, p := range parts {
		if end := p.offset + p.samples; end > n {
			n = end
		}
	}
	sorted := append([]placement(nil), parts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	err := encodeFile(path, sampleRate, func(write func([]int) error) error {
		buf := make([]int, min(mixWindow, max(n, 1)))
		var active []loadedClip
		next := 0
		for pos := 0; pos < n; pos += len(buf) {
			end := min(pos+len(buf), n)
			win := buf[:end-pos]
			clear(win)

			for next < len(sorted) && sorted[next].offset < end {
				clip, err := ReadClip(sorted[next].path)
				if err != nil {
					return err
				}
				active = append(active, loadedClip{offset: sorted[next].offset, data: clip.Data})
				next++
			}

			kept := active[:0]
			for _, a := range active {
				from := max(pos, a.offset)
				to := min(end, a.offset+len(a.data))
				for i := from; i < to; i++ {
					win[i-pos] = clamp16(win[i-pos] + a.data[i-a.offset])
				}
				if a.offset+len(a.data) > end {
					kept = append(kept, a)
				}
			}
			clear(active[len(kept):])
			active = kept

			if err := write(win); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func sampleOffset(startS float64, sampleRate int) int {
	if startS <= 0 {
		return 0
	}
	return int(math.Round(startS * float64(sampleRate)))
}

func clamp16(v int) int {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}
