package models

import "time"

// Session history statuses.
const (
	StatusRunning = "running"
	StatusClosed  = "closed"
	StatusEnded   = "ended"
	StatusStopped = "stopped"
)

// SessionRecord is one row of session history. Rows are keyed by the host
// instance that created them, since session ids restart at 1 per process.
type SessionRecord struct {
	InstanceID string     `json:"instance_id"`
	SessionID  uint32     `json:"session_id"`
	PID        int        `json:"pid"`
	Shell      string     `json:"shell"`
	WorkDir    string     `json:"work_dir"`
	Rows       uint16     `json:"rows"`
	Cols       uint16     `json:"cols"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    *time.Time `json:"ended_at"`
}

type ToolStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status   string       `json:"status"`
	Instance string       `json:"instance"`
	Sessions int          `json:"sessions"`
	Tools    []ToolStatus `json:"tools"`
}
