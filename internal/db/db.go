// Package db is the session archive: every accepted sample is recorded to
// sqlite keyed by connection session, so history survives the bounded
// in-memory series.
package db

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/flowmeter/internal/flow"
	"github.com/banshee-data/flowmeter/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the archive at path and brings the schema up to
// date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// StartSession records a new connection session and returns its id.
func (db *DB) StartSession(port string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		"INSERT INTO sessions (session_id, port, started_at) VALUES (?, ?, ?)",
		id, port, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time. Ending an unknown or already
// ended session is not an error.
func (db *DB) EndSession(sessionID string) error {
	_, err := db.Exec(
		"UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL",
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// RecordPoint archives one accepted point under the session.
func (db *DB) RecordPoint(sessionID string, p flow.Point) error {
	_, err := db.Exec(
		`INSERT INTO samples (session_id, host_time, raw_rate, smoothed_rate, volume, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, p.Time.UTC(), p.Raw, p.Smoothed, p.Volume, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// Session describes one archived connection session.
type Session struct {
	ID        string     `json:"id"`
	Port      string     `json:"port"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Samples   int        `json:"samples"`
}

// Sessions lists archived sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.port, s.started_at, s.ended_at, COUNT(m.sample_id)
		FROM sessions s
		LEFT JOIN samples m ON m.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Port, &s.StartedAt, &s.EndedAt, &s.Samples); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionPoints returns the archived points of one session in time order.
func (db *DB) SessionPoints(sessionID string) ([]flow.Point, error) {
	rows, err := db.Query(
		`SELECT host_time, raw_rate, smoothed_rate, volume, status
		 FROM samples WHERE session_id = ? ORDER BY host_time`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []flow.Point
	for rows.Next() {
		var p flow.Point
		var status string
		if err := rows.Scan(&p.Time, &p.Raw, &p.Smoothed, &p.Volume, &status); err != nil {
			return nil, err
		}
		p.Status = flow.StatusTag(status)
		points = append(points, p)
	}
	return points, rows.Err()
}

// AttachAdminRoutes mounts the tailsql live SQL browser and a backup
// download under /debug/. These are reachable only over localhost/Tailscale.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://flowmeter.db", db.DB, &tailsql.DBOptions{
		Label: "Flowmeter archive",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the archive now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, backupPath)
	}))
}
