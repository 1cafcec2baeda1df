package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"path/filepath"
	"time"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/types"
)

// sqliteBusyTimeoutMs bounds how long a writer waits for the database lock
// before returning SQLITE_BUSY. Spool retries absorb any resulting failure.
const sqliteBusyTimeoutMs = 5000

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	service      TEXT NOT NULL,
	remote_ip    TEXT NOT NULL,
	remote_port  INTEGER NOT NULL,
	local_port   INTEGER NOT NULL,
	started_at   INTEGER NOT NULL,
	ended_at     INTEGER NOT NULL,
	bytes_in     INTEGER NOT NULL,
	bytes_out    INTEGER NOT NULL,
	end_cause    TEXT NOT NULL,
	machine_id   TEXT NOT NULL,
	template     TEXT NOT NULL,
	container_ok INTEGER NOT NULL,
	transcript   BLOB,
	pcap         BLOB
);
CREATE INDEX IF NOT EXISTS idx_sessions_service_started ON sessions(service, started_at DESC);
`

// SQLiteStore is the durable Store implementation. One Artifact maps to one
// row; the transcript is the framed chunk encoding from pkg/recorder, stored
// as a BLOB rather than normalized into a child table since it is never
// queried, only replayed in full.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the artifact database at
// <dataDir>/miel.db.
func OpenSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		filepath.Join(dataDir, "miel.db"), sqliteBusyTimeoutMs,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", errs.ErrStorageFatal, err)
	}
	db.SetMaxOpenConns(1) // single-writer: avoid concurrent SQLITE_BUSY under WAL

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate schema: %v", errs.ErrStorageFatal, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, artifact types.Artifact) error {
	m := artifact.Meta
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, service, remote_ip, remote_port, local_port,
			started_at, ended_at, bytes_in, bytes_out, end_cause,
			machine_id, template, container_ok, transcript, pcap
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO NOTHING`,
		m.SessionID, m.Service, m.RemoteIP.String(), m.RemotePort, m.LocalPort,
		m.StartedAt.UnixNano(), m.EndedAt.UnixNano(), m.BytesIn, m.BytesOut, string(m.EndCause),
		m.MachineID, m.Template, boolToInt(m.ContainerOK), artifact.Transcript, artifact.PCAP,
	)
	if err != nil {
		return fmt.Errorf("%w: insert session %s: %v", errs.ErrStorageRetryable, m.SessionID, err)
	}
	return nil
}

// ListSessions implements Store.
func (s *SQLiteStore) ListSessions(ctx context.Context, service string, limit int) ([]types.SessionMeta, error) {
	query := `SELECT session_id, service, remote_ip, remote_port, local_port,
		started_at, ended_at, bytes_in, bytes_out, end_cause, machine_id, template, container_ok
		FROM sessions`
	args := []any{}
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query sessions: %v", errs.ErrStorageRetryable, err)
	}
	defer rows.Close()

	var out []types.SessionMeta
	for rows.Next() {
		var m types.SessionMeta
		var remoteIP, endCause string
		var startedNS, endedNS int64
		var containerOK int
		if err := rows.Scan(&m.SessionID, &m.Service, &remoteIP, &m.RemotePort, &m.LocalPort,
			&startedNS, &endedNS, &m.BytesIn, &m.BytesOut, &endCause, &m.MachineID, &m.Template, &containerOK); err != nil {
			return nil, fmt.Errorf("%w: scan session row: %v", errs.ErrStorageRetryable, err)
		}
		m.RemoteIP = net.ParseIP(remoteIP)
		m.StartedAt = time.Unix(0, startedNS).UTC()
		m.EndedAt = time.Unix(0, endedNS).UTC()
		m.EndCause = types.EndCause(endCause)
		m.ContainerOK = containerOK != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
