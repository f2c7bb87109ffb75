package subtitle

import "time"

type Reader interface {
	Read(path string) (*File, error)
}

type Writer interface {
	Write(path string, subtitle *File) error
}

// Line is one cue. Writers emit TranslatedText when set, Text otherwise.
type Line struct {
	Index          int
	StartTime      time.Duration
	EndTime        time.Duration
	Text           string
	TranslatedText string
}

// File is a parsed subtitle track.
type File struct {
	Lines []Line
	// Language is a BCP 47 base language such as "ja", or "und" when unknown.
	Language string
	Format   string
	Path     string
}
