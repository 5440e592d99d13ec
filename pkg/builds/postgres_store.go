package builds

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists builds and their interaction logs to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS app_builds (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    prompt TEXT NOT NULL,
    flow TEXT NOT NULL,
    execution_id TEXT,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    outcome_kind TEXT,
    preview_url TEXT,
    repo_url TEXT,
    repo_name TEXT,
    import_url TEXT,
    summary TEXT,
    error_kind TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS app_builds_session_idx ON app_builds (session_id, created_at DESC);
CREATE TABLE IF NOT EXISTS app_build_events (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES app_builds(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    message TEXT NOT NULL,
    data JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, b Build) error {
	query := `INSERT INTO app_builds (id, session_id, prompt, flow, execution_id, status, attempts, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.SessionID,
		b.Prompt,
		b.Flow,
		nullString(b.ExecutionID),
		b.Status,
		b.Attempts,
		b.CreatedAt,
		b.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, b Build) error {
	query := `UPDATE app_builds SET flow=$1, execution_id=$2, status=$3, attempts=$4, outcome_kind=$5, preview_url=$6,
    repo_url=$7, repo_name=$8, import_url=$9, summary=$10, error_kind=$11, updated_at=$12, finished_at=$13
WHERE id=$14`
	res, err := s.db.ExecContext(ctx, query,
		b.Flow,
		nullString(b.ExecutionID),
		b.Status,
		b.Attempts,
		nullString(b.OutcomeKind),
		nullString(b.PreviewURL),
		nullString(b.RepoURL),
		nullString(b.RepoName),
		nullString(b.ImportURL),
		nullString(b.Summary),
		nullString(b.ErrorKind),
		b.UpdatedAt,
		nullTime(b.FinishedAt),
		b.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const buildColumns = `id, session_id, prompt, flow, execution_id, status, attempts, outcome_kind, preview_url,
    repo_url, repo_name, import_url, summary, error_kind, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var b Build
	var executionID, outcomeKind, previewURL, repoURL, repoName, importURL, summary, errorKind sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&b.ID, &b.SessionID, &b.Prompt, &b.Flow, &executionID, &b.Status, &b.Attempts, &outcomeKind, &previewURL,
		&repoURL, &repoName, &importURL, &summary, &errorKind, &b.CreatedAt, &b.UpdatedAt, &finishedAt)
	if err != nil {
		return Build{}, err
	}
	b.ExecutionID = executionID.String
	b.OutcomeKind = outcomeKind.String
	b.PreviewURL = previewURL.String
	b.RepoURL = repoURL.String
	b.RepoName = repoName.String
	b.ImportURL = importURL.String
	b.Summary = summary.String
	b.ErrorKind = errorKind.String
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	return b, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM app_builds WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	return b, err
}

func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]Build, error) {
	query := `SELECT ` + buildColumns + ` FROM app_builds WHERE ($1 = '' OR session_id = $1) ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, id string, ev Event) error {
	var data any
	if len(ev.Data) > 0 {
		data = string(ev.Data)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_build_events (build_id, type, message, data, created_at) VALUES ($1,$2,$3,$4,$5)`,
		id, ev.Type, ev.Message, data, ev.At)
	return err
}

func (s *PostgresStore) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, message, data, created_at FROM app_build_events WHERE build_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var data sql.NullString
		if err := rows.Scan(&ev.Type, &ev.Message, &data, &ev.At); err != nil {
			return nil, err
		}
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
