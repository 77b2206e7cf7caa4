package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lihe8811/lumi/internal/lumidoc"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id           TEXT PRIMARY KEY,
	paper_id         TEXT NOT NULL,
	version          TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	stage            TEXT NOT NULL,
	progress_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	locked_at        BIGINT,
	created_at       BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS jobs_paper_idx ON jobs (paper_id, version);
CREATE INDEX IF NOT EXISTS jobs_title_idx ON jobs (title);

CREATE TABLE IF NOT EXISTS paper_metadata (
	paper_id TEXT PRIMARY KEY,
	metadata TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_versions (
	paper_id   TEXT NOT NULL,
	version    TEXT NOT NULL,
	lumi_doc   TEXT NOT NULL,
	summaries  TEXT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (paper_id, version)
);

CREATE TABLE IF NOT EXISTS user_feedback (
	id                 TEXT PRIMARY KEY,
	paper_id           TEXT NOT NULL DEFAULT '',
	version            TEXT NOT NULL DEFAULT '',
	user_feedback_text TEXT NOT NULL,
	created_at         BIGINT NOT NULL
);
`

const jobColumns = `job_id, paper_id, version, title, status, stage, progress_percent, error, locked_at, created_at, updated_at`

// SQLStore is a Store on database/sql for SQLite (modernc) and Postgres
// (lib/pq). Timestamps are stored as Unix microseconds.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenSQLStore opens the database and creates the schema. An in-memory
// SQLite database keeps a single connection so every query sees the same
// data.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db, driver: driver, now: time.Now}, nil
}

// sqliteDSN appends the connection pragmas so every pooled connection gets
// them, not just the first.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                    Job
		status, stage        string
		lockedAt             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&j.ID, &j.PaperID, &j.Version, &j.Title, &status, &stage,
		&j.ProgressPercent, &j.Error, &lockedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Stage = Stage(stage)
	j.CreatedAt = time.UnixMicro(createdAt)
	j.UpdatedAt = time.UnixMicro(updatedAt)
	if lockedAt.Valid {
		t := time.UnixMicro(lockedAt.Int64)
		j.LockedAt = &t
	}
	return &j, nil
}

// scanOptionalJob maps sql.ErrNoRows to a nil job.
func scanOptionalJob(row rowScanner) (*Job, error) {
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *SQLStore) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	now := s.now().UnixMicro()
	row := s.queryRow(ctx, `INSERT INTO jobs (job_id, paper_id, version, title, status, stage, progress_percent, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?) RETURNING `+jobColumns,
		uuid.NewString(), nj.PaperID, nj.Version, nj.Title, string(StatusWaiting), string(StageWaiting), now, now)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) LatestJob(ctx context.Context, paperID, version string) (*Job, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE paper_id = ? AND version = ? ORDER BY created_at DESC, job_id DESC LIMIT 1`, paperID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) ClaimJob(ctx context.Context, id string) (*Job, error) {
	now := s.now().UnixMicro()
	job, err := scanOptionalJob(s.queryRow(ctx, `UPDATE jobs SET status = ?, stage = ?, locked_at = ?, updated_at = ?
		WHERE job_id = ? AND status = ? RETURNING `+jobColumns,
		string(StatusInProgress), string(StageClaimed), now, now, id, string(StatusWaiting)))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// ClaimNextWaiting claims the oldest waiting job in one statement. On
// Postgres the subquery skips rows another transaction has locked; SQLite
// serializes writers, and the status guard in the outer WHERE keeps a
// second writer from re-claiming the same row.
func (s *SQLStore) ClaimNextWaiting(ctx context.Context) (*Job, error) {
	lock := ""
	if s.driver == DriverPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	now := s.now().UnixMicro()
	job, err := scanOptionalJob(s.queryRow(ctx, `UPDATE jobs SET status = ?, stage = ?, locked_at = ?, updated_at = ?
		WHERE job_id = (
			SELECT job_id FROM jobs WHERE status = ? ORDER BY created_at, job_id LIMIT 1`+lock+`
		) AND status = ?
		RETURNING `+jobColumns,
		string(StatusInProgress), string(StageClaimed), now, now, string(StatusWaiting), string(StatusWaiting)))
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id string, u Update) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UnixMicro()}
	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(u.Status))
	}
	if u.Stage != "" {
		sets = append(sets, "stage = ?")
		args = append(args, string(u.Stage))
	}
	if u.ProgressPercent > 0 {
		p := min(u.ProgressPercent, 1)
		sets = append(sets, "progress_percent = CASE WHEN progress_percent > ? THEN progress_percent ELSE ? END")
		args = append(args, p, p)
	}
	if u.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, u.Error)
	}
	if u.Title != "" {
		sets = append(sets, "title = ?")
		args = append(args, u.Title)
	}
	where := "job_id = ?"
	args = append(args, id)
	if u.LockedAt != nil {
		where += " AND status = ? AND locked_at = ?"
		args = append(args, string(StatusInProgress), u.LockedAt.UnixMicro())
	}

	res, err := s.exec(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.missOrLockLost(ctx, id)
	}
	return nil
}

func (s *SQLStore) ReleaseJob(ctx context.Context, id string, lockedAt *time.Time) error {
	where := "job_id = ? AND status = ?"
	args := []any{string(StatusWaiting), string(StageWaiting), s.now().UnixMicro(), id, string(StatusInProgress)}
	if lockedAt != nil {
		where += " AND locked_at = ?"
		args = append(args, lockedAt.UnixMicro())
	}
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, stage = ?, progress_percent = 0, locked_at = NULL, updated_at = ?
		WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.missOrLockLost(ctx, id)
	}
	return nil
}

// missOrLockLost explains a guarded write that matched no row.
func (s *SQLStore) missOrLockLost(ctx context.Context, id string) error {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE job_id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrLockLost
}

func (s *SQLStore) RequeueStale(ctx context.Context, timeout time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-timeout).UnixMicro()
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, stage = ?, progress_percent = 0, locked_at = NULL, updated_at = ?
		WHERE status = ? AND stage = ? AND locked_at IS NOT NULL AND locked_at < ?`,
		string(StatusWaiting), string(StageWaiting), now.UnixMicro(),
		string(StatusInProgress), string(StageClaimed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) SaveMetadata(ctx context.Context, md lumidoc.Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO paper_metadata (paper_id, metadata) VALUES (?, ?)
		ON CONFLICT (paper_id) DO UPDATE SET metadata = excluded.metadata`, md.PaperID, string(data))
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

func (s *SQLStore) GetMetadata(ctx context.Context, paperID string) (*lumidoc.Metadata, error) {
	var data string
	err := s.queryRow(ctx, `SELECT metadata FROM paper_metadata WHERE paper_id = ?`, paperID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	var md lumidoc.Metadata
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

func (s *SQLStore) SaveDocument(ctx context.Context, paperID, version string, doc *lumidoc.Document, sums *lumidoc.Summaries) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	sumsJSON, err := json.Marshal(sums)
	if err != nil {
		return fmt.Errorf("encode summaries: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO paper_versions (paper_id, version, lumi_doc, summaries, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (paper_id, version) DO UPDATE SET lumi_doc = excluded.lumi_doc, summaries = excluded.summaries, updated_at = excluded.updated_at`,
		paperID, version, string(docJSON), string(sumsJSON), s.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDocument(ctx context.Context, paperID, version string) (*lumidoc.Document, *lumidoc.Summaries, error) {
	var docJSON, sumsJSON string
	err := s.queryRow(ctx, `SELECT lumi_doc, summaries FROM paper_versions WHERE paper_id = ? AND version = ?`,
		paperID, version).Scan(&docJSON, &sumsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get document: %w", err)
	}
	return decodeDocument([]byte(docJSON), []byte(sumsJSON))
}

func (s *SQLStore) ListDocuments(ctx context.Context, limit int) ([]PaperSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT paper_id, version, lumi_doc FROM paper_versions
		ORDER BY updated_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []PaperSummary
	for rows.Next() {
		var paperID, version, docJSON string
		if err := rows.Scan(&paperID, &version, &docJSON); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, paperSummary(paperID, version, []byte(docJSON)))
	}
	return out, rows.Err()
}

func (s *SQLStore) FindSuccessfulByTitle(ctx context.Context, normalized string) (*Job, error) {
	if normalized == "" {
		return nil, ErrNotFound
	}
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND title = ? ORDER BY updated_at DESC LIMIT 1`, string(StatusSuccess), normalized))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by title: %w", err)
	}
	return job, nil
}

func (s *SQLStore) SaveFeedback(ctx context.Context, fb Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO user_feedback (id, paper_id, version, user_feedback_text, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), fb.PaperID, fb.Version, fb.Text, fb.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}
