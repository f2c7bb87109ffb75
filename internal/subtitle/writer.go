package subtitle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SRTWriter writes SRT files, preferring translated text.
type SRTWriter struct{}

// NewWriter creates a new subtitle file writer
func NewWriter() Writer {
	return SRTWriter{}
}

// Write replaces path atomically.
func (SRTWriter) Write(path string, subtitle *File) error {
	if subtitle == nil {
		return fmt.Errorf("subtitle data is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	w := bufio.NewWriter(file)
	for i, line := range subtitle.Lines {
		index := line.Index
		if index <= 0 {
			index = i + 1
		}
		text := line.TranslatedText
		if text == "" {
			text = line.Text
		}
		fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", index, formatDuration(line.StartTime), formatDuration(line.EndTime), text)
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write subtitle: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// formatDuration formats time.Duration to SRT time format
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	milliseconds := int(d.Milliseconds()) % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, milliseconds)
}
