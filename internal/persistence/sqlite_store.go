package persistence

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// additiveColumns are applied after the numbered migrations. A column that
// already exists counts as applied.
var additiveColumns = []struct {
	table, column, ddl string
}{
	{"library_index", "visibility", "TEXT NOT NULL DEFAULT 'private'"},
	{"library_index", "updated_by", "TEXT NOT NULL DEFAULT ''"},
}

// ErrIndexMaintenance marks failures while maintaining derived indexes.
// They never fail the primary write.
var ErrIndexMaintenance = errors.New("index maintenance failed")

type SQLiteStore struct {
	db     *sql.DB
	logDir string

	mu    sync.Mutex
	lock  *flock.Flock
	logMu sync.Mutex
}

type Option func(*SQLiteStore)

// WithLogDir sets where job logs go for jobs without an explicit log path.
func WithLogDir(dir string) Option {
	return func(s *SQLiteStore) { s.logDir = dir }
}

func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{
		db:     db,
		logDir: filepath.Join(filepath.Dir(path), "logs"),
		lock:   flock.New(path + ".lock"),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths always use forward slashes
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}

	for _, col := range additiveColumns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.column, col.ddl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return fmt.Errorf("add column %s.%s: %w", col.table, col.column, err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// withWriteLock serializes ledger writes within the process and across
// processes sharing the database file.
func (s *SQLiteStore) withWriteLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			log.Warn("Failed to release store lock: %v", err)
		}
	}()
	return fn()
}

func (s *SQLiteStore) Put(ctx context.Context, job *jobs.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job with id is required")
	}
	job = job.Clone()
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	err := s.withWriteLock(func() error {
		return s.upsertJob(ctx, s.db, job)
	})
	if err != nil {
		return err
	}
	s.denormalize(ctx, job)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return s.getJob(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getJob(ctx context.Context, q queryer, id string) (*jobs.Job, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job jobs.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *SQLiteStore) upsertJob(ctx context.Context, q queryer, job *jobs.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = q.ExecContext(
		ctx,
		`INSERT INTO jobs (id, owner_id, state, doc, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			owner_id=excluded.owner_id,
			state=excluded.state,
			doc=excluded.doc,
			updated_at=excluded.updated_at`,
		job.ID,
		job.OwnerID,
		string(job.State),
		string(doc),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// Update applies mutate to the stored job inside one transaction and bumps
// updated_at. Unknown ids yield (nil, nil) without calling mutate.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate func(*jobs.Job)) (*jobs.Job, error) {
	var updated *jobs.Job
	err := s.withWriteLock(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		job, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		mutate(job)
		job.ID = id
		job.UpdatedAt = time.Now()
		if err := s.upsertJob(ctx, tx, job); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.denormalize(ctx, updated)
	}
	return updated, nil
}

// List returns jobs newest first. limit <= 0 means no limit; an empty state matches all.
func (s *SQLiteStore) List(ctx context.Context, limit int, state jobs.State) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if state == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT doc FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT doc FROM jobs WHERE state = ? ORDER BY created_at DESC, id DESC LIMIT ?`, string(state), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var job jobs.Job
		if err := json.Unmarshal([]byte(doc), &job); err != nil {
			log.Warn("Skipping undecodable job row: %v", err)
			continue
		}
		ret = append(ret, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// denormalize refreshes the library index for job. Failures are logged and
// never surface to the caller.
func (s *SQLiteStore) denormalize(ctx context.Context, job *jobs.Job) {
	if err := s.indexLibrary(ctx, job); err != nil {
		log.Warn("%v: library index for job %s: %v", ErrIndexMaintenance, job.ID, err)
	}
}

func (s *SQLiteStore) indexLibrary(ctx context.Context, job *jobs.Job) error {
	if strings.TrimSpace(job.SeriesSlug) == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM library_index WHERE job_id = ?`, job.ID)
		return err
	}
	visibility := job.Visibility
	if visibility == "" {
		visibility = jobs.VisibilityPrivate
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO library_index (
			job_id, owner_id, series_title, series_slug, season_number, episode_number,
			state, output_mkv, updated_at, visibility
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			owner_id=excluded.owner_id,
			series_title=excluded.series_title,
			series_slug=excluded.series_slug,
			season_number=excluded.season_number,
			episode_number=excluded.episode_number,
			state=excluded.state,
			output_mkv=excluded.output_mkv,
			updated_at=excluded.updated_at,
			visibility=excluded.visibility`,
		job.ID,
		job.OwnerID,
		job.SeriesTitle,
		job.SeriesSlug,
		job.SeasonNumber,
		job.EpisodeNumber,
		string(job.State),
		job.OutputMKV,
		job.UpdatedAt.UnixNano(),
		string(visibility),
	)
	return err
}

// LibraryEpisodes lists indexed episodes of a series; season <= 0 means all seasons.
func (s *SQLiteStore) LibraryEpisodes(ctx context.Context, seriesSlug string, season int) ([]jobs.LibraryEntry, error) {
	query := `SELECT job_id, owner_id, series_title, series_slug, season_number, episode_number,
		visibility, state, output_mkv, updated_at
		FROM library_index WHERE series_slug = ?`
	args := []any{seriesSlug}
	if season > 0 {
		query += ` AND season_number = ?`
		args = append(args, season)
	}
	query += ` ORDER BY season_number ASC, episode_number ASC, updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.LibraryEntry, 0)
	for rows.Next() {
		var (
			e          jobs.LibraryEntry
			visibility string
			state      string
			updated    int64
		)
		if err := rows.Scan(&e.JobID, &e.OwnerID, &e.SeriesTitle, &e.SeriesSlug, &e.SeasonNumber,
			&e.EpisodeNumber, &visibility, &state, &e.OutputMKV, &updated); err != nil {
			return nil, err
		}
		e.Visibility = jobs.Visibility(visibility)
		e.State = jobs.State(state)
		e.UpdatedAt = time.Unix(0, updated)
		ret = append(ret, e)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) logPath(ctx context.Context, id string) string {
	if job, err := s.Get(ctx, id); err == nil && job != nil && job.LogPath != "" {
		return job.LogPath
	}
	return filepath.Join(s.logDir, id+".log")
}

// AppendLog appends a timestamped line to the job's log file.
func (s *SQLiteStore) AppendLog(ctx context.Context, id, line string) error {
	p := s.logPath(ctx, id)
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	line = strings.TrimRight(line, "\n")
	_, err = fmt.Fprintf(f, "[%s] %s\n", time.Now().Format(time.RFC3339), line)
	return err
}

// TailLog returns up to the last n lines of the job's log; a missing log is empty.
func (s *SQLiteStore) TailLog(ctx context.Context, id string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	p := s.logPath(ctx, id)
	s.logMu.Lock()
	defer s.logMu.Unlock()

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

func (s *SQLiteStore) GetIdempotency(ctx context.Context, key string) (string, time.Time, error) {
	var (
		jobID   string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, created_at FROM idempotency_keys WHERE key = ?`, key).Scan(&jobID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return jobID, time.Unix(0, created), nil
}

func (s *SQLiteStore) PutIdempotency(ctx context.Context, key, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, job_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET job_id=excluded.job_id, created_at=excluded.created_at`,
		key, jobID, time.Now().UnixNano())
	return err
}

// PruneIdempotency deletes keys created before cutoff and returns how many went.
func (s *SQLiteStore) PruneIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
