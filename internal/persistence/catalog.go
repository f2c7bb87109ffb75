package persistence

import (
	"context"
	"time"

	"github.com/MimeLyc/anidub/internal/jobs"
)

var _ jobs.Catalog = (*SQLiteStore)(nil)
var _ jobs.Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) SpeakerMapping(ctx context.Context, seriesSlug string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker_label, character_id FROM speaker_mappings WHERE series_slug = ?`, seriesSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make(map[string]string)
	for rows.Next() {
		var label, character string
		if err := rows.Scan(&label, &character); err != nil {
			return nil, err
		}
		ret[label] = character
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) PutSpeakerMapping(ctx context.Context, seriesSlug, speakerLabel, characterID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speaker_mappings (series_slug, speaker_label, character_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(series_slug, speaker_label) DO UPDATE SET
			character_id=excluded.character_id,
			updated_at=excluded.updated_at`,
		seriesSlug, speakerLabel, characterID, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) Glossary(ctx context.Context, seriesSlug string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT term, translation FROM glossaries WHERE series_slug = ?`, seriesSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make(map[string]string)
	for rows.Next() {
		var term, translation string
		if err := rows.Scan(&term, &translation); err != nil {
			return nil, err
		}
		ret[term] = translation
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) PutGlossaryTerm(ctx context.Context, seriesSlug, term, translation string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO glossaries (series_slug, term, translation, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(series_slug, term) DO UPDATE SET
			translation=excluded.translation,
			updated_at=excluded.updated_at`,
		seriesSlug, term, translation, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) VoiceProfiles(ctx context.Context, seriesSlug string) ([]jobs.VoiceProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT series_slug, character_id, ref_path, updated_at FROM voice_profiles
		 WHERE series_slug = ? ORDER BY character_id ASC, updated_at DESC`, seriesSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.VoiceProfile, 0)
	for rows.Next() {
		var (
			p       jobs.VoiceProfile
			updated int64
		)
		if err := rows.Scan(&p.SeriesSlug, &p.CharacterID, &p.RefPath, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(0, updated)
		ret = append(ret, p)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) PutVoiceProfile(ctx context.Context, profile jobs.VoiceProfile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_profiles (series_slug, character_id, ref_path, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(series_slug, character_id, ref_path) DO UPDATE SET updated_at=excluded.updated_at`,
		profile.SeriesSlug, profile.CharacterID, profile.RefPath, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) AddQAAnnotation(ctx context.Context, a jobs.QAAnnotation) error {
	if a.Severity == "" {
		a.Severity = "info"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO qa_annotations (job_id, segment_index, kind, severity, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.JobID, a.SegmentIndex, a.Kind, a.Severity, a.Note, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) QAAnnotations(ctx context.Context, jobID string) ([]jobs.QAAnnotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, segment_index, kind, severity, note, created_at FROM qa_annotations
		 WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.QAAnnotation, 0)
	for rows.Next() {
		var (
			a       jobs.QAAnnotation
			created int64
		)
		if err := rows.Scan(&a.JobID, &a.SegmentIndex, &a.Kind, &a.Severity, &a.Note, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(0, created)
		ret = append(ret, a)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) AddModerationReport(ctx context.Context, r jobs.ModerationReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO moderation_reports (job_id, segment_index, category, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.JobID, r.SegmentIndex, r.Category, r.Detail, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) ModerationReports(ctx context.Context, jobID string) ([]jobs.ModerationReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, segment_index, category, detail, created_at FROM moderation_reports
		 WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.ModerationReport, 0)
	for rows.Next() {
		var (
			r       jobs.ModerationReport
			created int64
		)
		if err := rows.Scan(&r.JobID, &r.SegmentIndex, &r.Category, &r.Detail, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created)
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) RecordStorage(ctx context.Context, jobID, ownerID string, bytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO storage_usage (job_id, owner_id, bytes, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			owner_id=excluded.owner_id,
			bytes=excluded.bytes,
			updated_at=excluded.updated_at`,
		jobID, ownerID, bytes, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) StorageUsage(ctx context.Context, jobID string) (int64, error) {
	var bytes int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(bytes), 0) FROM storage_usage WHERE job_id = ?`, jobID).Scan(&bytes)
	return bytes, err
}

// OwnerStorage sums recorded bytes across an owner's jobs.
func (s *SQLiteStore) OwnerStorage(ctx context.Context, ownerID string) (int64, error) {
	var bytes int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(bytes), 0) FROM storage_usage WHERE owner_id = ?`, ownerID).Scan(&bytes)
	return bytes, err
}
