package jobs

import (
	"context"
	"time"
)

// LibraryEntry is the denormalized browse row of a job.
type LibraryEntry struct {
	JobID         string     `json:"job_id"`
	OwnerID       string     `json:"owner_id"`
	SeriesTitle   string     `json:"series_title"`
	SeriesSlug    string     `json:"series_slug"`
	SeasonNumber  int        `json:"season_number"`
	EpisodeNumber int        `json:"episode_number"`
	Visibility    Visibility `json:"visibility"`
	State         State      `json:"state"`
	OutputMKV     string     `json:"output_mkv"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ModerationReport struct {
	JobID        string    `json:"job_id"`
	SegmentIndex int       `json:"segment_index"`
	Category     string    `json:"category"`
	Detail       string    `json:"detail"`
	CreatedAt    time.Time `json:"created_at"`
}

type QAAnnotation struct {
	JobID        string    `json:"job_id"`
	SegmentIndex int       `json:"segment_index"`
	Kind         string    `json:"kind"`
	Severity     string    `json:"severity"`
	Note         string    `json:"note"`
	CreatedAt    time.Time `json:"created_at"`
}

type VoiceProfile struct {
	SeriesSlug  string    `json:"series_slug"`
	CharacterID string    `json:"character_id"`
	RefPath     string    `json:"ref_path"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Catalog holds the per-series and per-job side data maintained by the
// pipeline. Every query returns an empty result before the first write.
type Catalog interface {
	SpeakerMapping(ctx context.Context, seriesSlug string) (map[string]string, error)
	PutSpeakerMapping(ctx context.Context, seriesSlug, speakerLabel, characterID string) error

	Glossary(ctx context.Context, seriesSlug string) (map[string]string, error)
	PutGlossaryTerm(ctx context.Context, seriesSlug, term, translation string) error

	VoiceProfiles(ctx context.Context, seriesSlug string) ([]VoiceProfile, error)
	PutVoiceProfile(ctx context.Context, profile VoiceProfile) error

	AddQAAnnotation(ctx context.Context, a QAAnnotation) error
	QAAnnotations(ctx context.Context, jobID string) ([]QAAnnotation, error)

	AddModerationReport(ctx context.Context, r ModerationReport) error
	ModerationReports(ctx context.Context, jobID string) ([]ModerationReport, error)

	RecordStorage(ctx context.Context, jobID, ownerID string, bytes int64) error
	StorageUsage(ctx context.Context, jobID string) (int64, error)
}
