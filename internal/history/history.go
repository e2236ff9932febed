// Package history records the lifecycle of sessions in SQLite so that
// sessions from earlier runs of the host remain visible.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/models"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

// History writes session rows for one host instance.
type History struct {
	db       *sql.DB
	instance string
	logger   *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{db: db, instance: uuid.NewString(), logger: logger}
}

// Instance identifies this process in the history table.
func (h *History) Instance() string { return h.instance }

// Started records a newly created session. The Ended notice of a shell that
// exits immediately can be recorded first; its status is then kept.
func (h *History) Started(info ptymgr.Info) error {
	_, err := h.db.Exec(`INSERT INTO sessions (instance_id, session_id, pid, shell, work_dir, term_rows, term_cols, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, session_id) DO UPDATE SET
			pid = excluded.pid, shell = excluded.shell, work_dir = excluded.work_dir,
			term_rows = excluded.term_rows, term_cols = excluded.term_cols, created_at = excluded.created_at`,
		h.instance, info.ID, info.PID, info.Shell, info.Dir, info.Rows, info.Cols, models.StatusRunning, info.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record session %d: %w", info.ID, err)
	}
	return nil
}

// Closed marks a running session as closed by request.
func (h *History) Closed(id uint32) error {
	_, err := h.db.Exec(`UPDATE sessions SET status = ?, ended_at = ?
		WHERE instance_id = ? AND session_id = ? AND status = ?`,
		models.StatusClosed, time.Now().UTC(), h.instance, id, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("close session %d: %w", id, err)
	}
	return nil
}

// Resized updates the recorded terminal size.
func (h *History) Resized(id uint32, rows, cols uint16) error {
	_, err := h.db.Exec(`UPDATE sessions SET term_rows = ?, term_cols = ? WHERE instance_id = ? AND session_id = ?`,
		rows, cols, h.instance, id)
	if err != nil {
		return fmt.Errorf("resize session %d: %w", id, err)
	}
	return nil
}

// Publish marks a session ended when its output stream ends. It makes
// History an events.Sink.
func (h *History) Publish(ev events.Event) {
	if ev.Kind != events.Ended {
		return
	}
	now := time.Now().UTC()
	_, err := h.db.Exec(`INSERT INTO sessions (instance_id, session_id, status, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, session_id) DO UPDATE SET status = excluded.status, ended_at = excluded.ended_at
		WHERE sessions.status = ?`,
		h.instance, ev.SessionID, models.StatusEnded, now, now, models.StatusRunning)
	if err != nil {
		h.logger.Warn("failed to record session end", zap.Uint32("session", ev.SessionID), zap.Error(err))
	}
}

// ReconcileStale marks rows left running by earlier instances as stopped.
// Their shells died with the process that owned them.
func (h *History) ReconcileStale() (int64, error) {
	res, err := h.db.Exec(`UPDATE sessions SET status = ?, ended_at = COALESCE(ended_at, ?)
		WHERE status = ? AND instance_id != ?`,
		models.StatusStopped, time.Now().UTC(), models.StatusRunning, h.instance)
	if err != nil {
		return 0, fmt.Errorf("reconcile sessions: %w", err)
	}
	return res.RowsAffected()
}

// StopRunning marks this instance's running rows as stopped. It is called
// on shutdown, after every shell has been killed.
func (h *History) StopRunning() (int64, error) {
	res, err := h.db.Exec(`UPDATE sessions SET status = ?, ended_at = ?
		WHERE status = ? AND instance_id = ?`,
		models.StatusStopped, time.Now().UTC(), models.StatusRunning, h.instance)
	if err != nil {
		return 0, fmt.Errorf("stop sessions: %w", err)
	}
	return res.RowsAffected()
}

// Recent returns up to limit rows, newest first.
func (h *History) Recent(limit int) ([]models.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(`SELECT instance_id, session_id, pid, shell, work_dir, term_rows, term_cols, status, created_at, ended_at
		FROM sessions ORDER BY created_at DESC, session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	records := []models.SessionRecord{}
	for rows.Next() {
		var r models.SessionRecord
		var ended sql.NullTime
		if err := rows.Scan(&r.InstanceID, &r.SessionID, &r.PID, &r.Shell, &r.WorkDir,
			&r.Rows, &r.Cols, &r.Status, &r.CreatedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
