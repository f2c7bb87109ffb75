package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

var srtTimeRe = regexp.MustCompile(`(\d{2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})[,.](\d{3})`)

// SRTReader reads SRT files.
type SRTReader struct{}

// NewReader creates a new subtitle file reader
func NewReader() Reader {
	return SRTReader{}
}

func (SRTReader) Read(path string) (*File, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".srt") {
		return nil, fmt.Errorf("only SRT format subtitle files are supported: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("subtitle file does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to open subtitle file: %w", err)
	}
	defer f.Close()
	return readSRT(f, path)
}

func readSRT(r io.Reader, path string) (*File, error) {
	var lines []Line
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	current := Line{}
	state := "index" // index -> time -> text
	var textLines []string

	flush := func() {
		if len(textLines) > 0 {
			current.Text = strings.Join(textLines, "\n")
			lines = append(lines, current)
		}
		current = Line{}
		textLines = nil
		state = "index"
	}

	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\uFEFF"))

		switch state {
		case "index":
			if line == "" {
				continue
			}
			index, err := strconv.Atoi(line)
			if err != nil {
				continue
			}
			current.Index = index
			state = "time"
		case "time":
			if line == "" {
				continue
			}
			start, end, err := parseSRTTime(line)
			if err != nil {
				return nil, fmt.Errorf("failed to parse time: %w", err)
			}
			current.StartTime = start
			current.EndTime = end
			state = "text"
		case "text":
			if line == "" {
				flush()
				continue
			}
			textLines = append(textLines, line)
		}
	}
	if state == "text" {
		flush()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subtitle file: %w", err)
	}

	return &File{
		Lines:    lines,
		Language: DetectLanguage(lines),
		Format:   "SRT",
		Path:     path,
	}, nil
}

// parseSRTTime parses "00:02:16,612 --> 00:02:19,376".
func parseSRTTime(s string) (time.Duration, time.Duration, error) {
	m := srtTimeRe.FindStringSubmatch(s)
	if len(m) != 9 {
		return 0, 0, fmt.Errorf("invalid time format: %s", s)
	}
	at := func(h, mi, sec, ms string) time.Duration {
		hh, _ := strconv.Atoi(h)
		mm, _ := strconv.Atoi(mi)
		ss, _ := strconv.Atoi(sec)
		xx, _ := strconv.Atoi(ms)
		return time.Duration(hh)*time.Hour +
			time.Duration(mm)*time.Minute +
			time.Duration(ss)*time.Second +
			time.Duration(xx)*time.Millisecond
	}
	return at(m[1], m[2], m[3], m[4]), at(m[5], m[6], m[7], m[8]), nil
}

// DetectLanguage returns the majority language of the lines as a base
// language code, or "und".
func DetectLanguage(lines []Line) string {
	if len(lines) == 0 {
		return language.Und.String()
	}

	counts := make(map[string]int)
	for _, line := range lines {
		if strings.TrimSpace(line.Text) == "" {
			continue
		}
		counts[whatlanggo.DetectLang(line.Text).Iso6391()]++
	}

	var top string
	var topCount int
	for lang, count := range counts {
		if count > topCount || (count == topCount && lang < top) {
			top, topCount = lang, count
		}
	}
	if top == "" {
		return language.Und.String()
	}
	base, _ := language.Make(top).Base()
	return base.String()
}
