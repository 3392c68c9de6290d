// Package store persists session records and daemon configuration in a
// single sqlite file. It is the only component that touches the database;
// the registry and auth layers go through it.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is one row of the sessions table. EndedAt is nil while the
// session is alive.
type SessionRecord struct {
	ID          string
	ProjectPath string
	Model       string
	PlanMode    bool
	AutoAccept  bool
	State       string
	SessionType string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	EndedAt     *time.Time
	Summary     string
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	model        TEXT NOT NULL DEFAULT '',
	plan_mode    INTEGER NOT NULL DEFAULT 0,
	auto_accept  INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	session_type TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	ended_at     TEXT,
	summary      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (creating if necessary) the store at path and applies the
// schema. WAL mode keeps single-writer updates cheap while the capture
// pipeline reads concurrently.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool
	// beyond what sqlite itself serializes; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (st *Store) Close() error { return st.db.Close() }

// InsertSession adds a row, replacing any stale row with the same id.
func (st *Store) InsertSession(rec SessionRecord) error {
	_, err := st.db.Exec(`
		INSERT OR REPLACE INTO sessions
		(id, project_path, model, plan_mode, auto_accept, state, session_type, created_at, updated_at, ended_at, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectPath, rec.Model, boolInt(rec.PlanMode), boolInt(rec.AutoAccept),
		rec.State, rec.SessionType, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt),
		fmtTimePtr(rec.EndedAt), rec.Summary)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateSession rewrites the mutable columns of a live row. MarkEnded owns
// the terminal write: ended rows are never touched here, so a late state
// update cannot resurrect one.
func (st *Store) UpdateSession(rec SessionRecord) error {
	_, err := st.db.Exec(`
		UPDATE sessions
		SET project_path = ?, model = ?, plan_mode = ?, auto_accept = ?, state = ?,
		    session_type = ?, updated_at = ?
		WHERE id = ? AND ended_at IS NULL`,
		rec.ProjectPath, rec.Model, boolInt(rec.PlanMode), boolInt(rec.AutoAccept), rec.State,
		rec.SessionType, fmtTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", rec.ID, err)
	}
	return nil
}

// SetSummary stores the continuation summary carried into a restarted
// session. Kept out of UpdateSession so routine state writes don't clobber it.
func (st *Store) SetSummary(id, summary string) error {
	_, err := st.db.Exec(`UPDATE sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("set summary %s: %w", id, err)
	}
	return nil
}

// MarkEnded sets state=dead and stamps ended_at. No-op if already ended.
func (st *Store) MarkEnded(id string, when time.Time) error {
	_, err := st.db.Exec(`
		UPDATE sessions SET state = 'dead', ended_at = ?, updated_at = ?
		WHERE id = ? AND ended_at IS NULL`,
		fmtTime(when), fmtTime(when), id)
	if err != nil {
		return fmt.Errorf("mark ended %s: %w", id, err)
	}
	return nil
}

// GetSession returns the row for id, or (nil, nil) when absent.
func (st *Store) GetSession(id string) (*SessionRecord, error) {
	row := st.db.QueryRow(`
		SELECT id, project_path, model, plan_mode, auto_accept, state, session_type,
		       created_at, updated_at, ended_at, summary
		FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions returns every row, newest first.
func (st *Store) ListSessions() ([]SessionRecord, error) {
	rows, err := st.db.Query(`
		SELECT id, project_path, model, plan_mode, auto_accept, state, session_type,
		       created_at, updated_at, ended_at, summary
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// PurgeEnded deletes rows ended before cutoff. Returns rows removed.
func (st *Store) PurgeEnded(cutoff time.Time) (int64, error) {
	res, err := st.db.Exec(`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`,
		fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetConfig returns the value for key, or "" when absent.
func (st *Store) GetConfig(key string) (string, error) {
	var v string
	err := st.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return v, nil
}

// SetConfig upserts a key/value pair.
func (st *Store) SetConfig(key, value string) error {
	_, err := st.db.Exec(`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var plan, auto int
	var created, updated string
	var ended sql.NullString
	if err := r.Scan(&rec.ID, &rec.ProjectPath, &rec.Model, &plan, &auto, &rec.State,
		&rec.SessionType, &created, &updated, &ended, &rec.Summary); err != nil {
		return nil, err
	}
	rec.PlanMode = plan != 0
	rec.AutoAccept = auto != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if ended.Valid && ended.String != "" {
		t, err := time.Parse(time.RFC3339Nano, ended.String)
		if err == nil {
			rec.EndedAt = &t
		}
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
