// Package checkpoint records which pipeline stages of a job finished and
// which artifacts they produced, in one JSON document per job.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MimeLyc/anidub/pkg/file"
)

type Entry struct {
	Done        bool              `json:"done"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

type Document struct {
	JobID string `json:"job_id"`
	// Source identifies the input video the stages were computed from.
	Source    string           `json:"source,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
	Stages    map[string]Entry `json:"stages"`
}

// Path is where the checkpoint document of a job with the given stem lives.
func Path(outputDir, stem string) string {
	return filepath.Join(outputDir, stem+".checkpoint.json")
}

var locks sync.Map // path -> *sync.Mutex

func lockFor(path string) *sync.Mutex {
	mu, _ := locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Read loads the document at path. A missing file yields (nil, nil).
func Read(path string) (*Document, error) {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	return read(path)
}

func read(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if doc.Stages == nil {
		doc.Stages = make(map[string]Entry)
	}
	return &doc, nil
}

// Write marks stage done with its artifacts and params, replacing any
// previous entry for the stage.
func Write(path, jobID, stage string, artifacts map[string]string, params map[string]any) error {
	fp, err := Fingerprint(params)
	if err != nil {
		return err
	}
	return modify(path, func(doc *Document) {
		if jobID != "" {
			doc.JobID = jobID
		}
		doc.Stages[stage] = Entry{
			Done:        true,
			Artifacts:   artifacts,
			Params:      params,
			Fingerprint: fp,
			CompletedAt: time.Now(),
		}
	})
}

// Invalidate removes the entries of the given stages.
func Invalidate(path string, stages ...string) error {
	if len(stages) == 0 {
		return nil
	}
	return modify(path, func(doc *Document) {
		for _, s := range stages {
			delete(doc.Stages, s)
		}
	})
}

// Bind stamps the document with source. When the document was computed from
// a different source, or has none recorded, every stage entry is dropped.
// It returns the source recorded before the call.
func Bind(path, jobID, source string) (string, error) {
	var previous string
	err := modify(path, func(doc *Document) {
		previous = doc.Source
		if jobID != "" {
			doc.JobID = jobID
		}
		if doc.Source != source {
			doc.Stages = make(map[string]Entry)
			doc.Source = source
		}
	})
	return previous, err
}

func modify(path string, fn func(*Document)) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	doc, err := read(path)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = &Document{Stages: make(map[string]Entry)}
	}
	fn(doc)
	doc.UpdatedAt = time.Now()
	return writeAtomic(path, doc)
}

func writeAtomic(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// StageIsDone reports whether stage was marked done, regardless of artifacts.
func (d *Document) StageIsDone(stage string) bool {
	if d == nil {
		return false
	}
	e, ok := d.Stages[stage]
	return ok && e.Done
}

// Entry returns the entry of stage.
func (d *Document) Entry(stage string) (Entry, bool) {
	if d == nil {
		return Entry{}, false
	}
	e, ok := d.Stages[stage]
	return e, ok
}

// Hit reports whether stage is done and every recorded artifact still exists.
// When params is non-nil its fingerprint must also match the recorded one.
func (d *Document) Hit(stage string, params map[string]any) bool {
	e, ok := d.Entry(stage)
	if !ok || !e.Done {
		return false
	}
	for _, p := range e.Artifacts {
		if !file.Exists(p) {
			return false
		}
	}
	if params != nil {
		fp, err := Fingerprint(params)
		if err != nil || fp != e.Fingerprint {
			return false
		}
	}
	return true
}

// Fingerprint hashes params; nil or empty params hash to "".
func Fingerprint(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	// encoding/json sorts map keys, so equal params hash equally
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("fingerprint params: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
