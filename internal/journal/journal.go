// Package journal persists normalization sessions for diagnostics.
//
// A session spans one device acquisition; it records which keyboard
// was grabbed, when, and what the rules did: every sticky shift,
// double tap, escalation, and hold release, plus end-of-session
// counters. The plain keystroke stream is deliberately never stored.
// A journal that logged ordinary typing would be a keylog, and no
// diagnostic question about this daemon needs one.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"keynormd/internal/normalizer"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at_ns  INTEGER NOT NULL,
    ended_at_ns    INTEGER,
    device_path    TEXT NOT NULL,
    device_name    TEXT NOT NULL DEFAULT '',
    transitions    INTEGER NOT NULL DEFAULT 0,
    actions        INTEGER NOT NULL DEFAULT 0,
    sticky_shifts  INTEGER NOT NULL DEFAULT 0,
    double_taps    INTEGER NOT NULL DEFAULT 0,
    escalations    INTEGER NOT NULL DEFAULT 0,
    hold_releases  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at_ns);

CREATE TABLE IF NOT EXISTS rule_firings (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    at_ns       INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    key         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_firings_session ON rule_firings(session_id, at_ns);
`

// Session is one device acquisition with its counters.
type Session struct {
	ID         int64
	StartedAt  time.Time
	EndedAt    time.Time // zero while the session is open
	DevicePath string
	DeviceName string

	Transitions  uint64
	Actions      uint64
	StickyShifts uint64
	DoubleTaps   uint64
	Escalations  uint64
	HoldReleases uint64
}

// Firing is one recorded rule outcome.
type Firing struct {
	ID        int64
	SessionID int64
	At        time.Duration // monotonic offset within the session
	Kind      string
	Key       string
}

// Journal is the SQLite-backed session store.
type Journal struct {
	db        *sql.DB
	sessionID int64
}

// Open opens or creates the journal database at path.
func Open(path string, busyTimeoutMs int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	// Firing records name keys; keep the file private to the user.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict journal permissions: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// BeginSession opens a session for the given device and returns its
// id. Subsequent RecordAction calls attach to it.
func (j *Journal) BeginSession(devicePath, deviceName string) (int64, error) {
	result, err := j.db.Exec(`
		INSERT INTO sessions (started_at_ns, device_path, device_name)
		VALUES (?, ?, ?)`,
		time.Now().UnixNano(), devicePath, deviceName,
	)
	if err != nil {
		return 0, fmt.Errorf("begin session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get session id: %w", err)
	}
	j.sessionID = id
	return id, nil
}

// RecordAction stores one rule firing. Plain actions are dropped
// here, not upstream, so the call site in the engine stays
// unconditional.
func (j *Journal) RecordAction(a normalizer.Action) error {
	if a.Kind == normalizer.Plain {
		return nil
	}
	if j.sessionID == 0 {
		return errors.New("journal: no open session")
	}
	_, err := j.db.Exec(`
		INSERT INTO rule_firings (session_id, at_ns, kind, key)
		VALUES (?, ?, ?, ?)`,
		j.sessionID, int64(a.At), a.Kind.String(), a.Key.Name(),
	)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// EndSession closes the open session and stamps it with the final
// counters.
func (j *Journal) EndSession(stats normalizer.Stats) error {
	if j.sessionID == 0 {
		return nil
	}
	_, err := j.db.Exec(`
		UPDATE sessions
		SET ended_at_ns = ?, transitions = ?, actions = ?,
		    sticky_shifts = ?, double_taps = ?, escalations = ?, hold_releases = ?
		WHERE id = ?`,
		time.Now().UnixNano(),
		stats.Transitions, stats.Actions,
		stats.StickyShifts, stats.DoubleTaps, stats.Escalations, stats.HoldReleases,
		j.sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	j.sessionID = 0
	return nil
}

// CurrentSession returns the open session id, zero when none is open.
func (j *Journal) CurrentSession() int64 {
	return j.sessionID
}

const sessionColumns = `
	id, started_at_ns, ended_at_ns, device_path, device_name,
	transitions, actions, sticky_shifts, double_taps, escalations, hold_releases`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var startedNs int64
	var endedNs sql.NullInt64
	err := row.Scan(
		&s.ID, &startedNs, &endedNs, &s.DevicePath, &s.DeviceName,
		&s.Transitions, &s.Actions, &s.StickyShifts, &s.DoubleTaps, &s.Escalations, &s.HoldReleases,
	)
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(0, startedNs)
	if endedNs.Valid {
		s.EndedAt = time.Unix(0, endedNs.Int64)
	}
	return &s, nil
}

// LastSession returns the most recently started session, or nil when
// the journal is empty.
func (j *Journal) LastSession() (*Session, error) {
	row := j.db.QueryRow(`
		SELECT` + sessionColumns + `
		FROM sessions ORDER BY started_at_ns DESC LIMIT 1`)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last session: %w", err)
	}
	return s, nil
}

// Sessions returns up to limit sessions, newest first.
func (j *Journal) Sessions(limit int) ([]Session, error) {
	rows, err := j.db.Query(`
		SELECT`+sessionColumns+`
		FROM sessions ORDER BY started_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Firings returns up to limit rule firings for a session, oldest
// first.
func (j *Journal) Firings(sessionID int64, limit int) ([]Firing, error) {
	rows, err := j.db.Query(`
		SELECT id, session_id, at_ns, kind, key
		FROM rule_firings
		WHERE session_id = ?
		ORDER BY at_ns ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	defer rows.Close()

	var firings []Firing
	for rows.Next() {
		var f Firing
		var atNs int64
		if err := rows.Scan(&f.ID, &f.SessionID, &atNs, &f.Kind, &f.Key); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		f.At = time.Duration(atNs)
		firings = append(firings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return firings, nil
}

// FiringCounts returns per-kind firing totals for a session.
func (j *Journal) FiringCounts(sessionID int64) (map[string]int64, error) {
	rows, err := j.db.Query(`
		SELECT kind, COUNT(*)
		FROM rule_firings
		WHERE session_id = ?
		GROUP BY kind`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count firings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan firing count: %w", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firing counts: %w", err)
	}
	return counts, nil
}

// Prune removes sessions older than the retention window, along with
// their firings. Returns how many sessions were removed.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	result, err := j.db.Exec(`DELETE FROM sessions WHERE started_at_ns < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}
