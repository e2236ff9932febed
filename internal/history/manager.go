package history

import (
	"go.uber.org/zap"

	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

// Manager records Create, Resize and Close of the wrapped host. History
// failures are logged and never fail the session operation.
type Manager struct {
	ptymgr.Host
	history *History
	logger  *zap.Logger
}

func Track(host ptymgr.Host, h *History, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{Host: host, history: h, logger: logger}
}

func (m *Manager) Create(opts ptymgr.Options) (uint32, error) {
	id, err := m.Host.Create(opts)
	if err != nil {
		return 0, err
	}
	info, err := m.Host.Info(id)
	if err != nil {
		// Closed before we could look at it.
		return id, nil
	}
	if err := m.history.Started(info); err != nil {
		m.logger.Warn("history", zap.Error(err))
	}
	return id, nil
}

func (m *Manager) Resize(id uint32, rows, cols uint16) error {
	if err := m.Host.Resize(id, rows, cols); err != nil {
		return err
	}
	if err := m.history.Resized(id, rows, cols); err != nil {
		m.logger.Warn("history", zap.Error(err))
	}
	return nil
}

// Close records the close before closing. The Ended event that closing
// triggers only updates rows that are still running.
func (m *Manager) Close(id uint32) error {
	if _, err := m.Host.Info(id); err == nil {
		if err := m.history.Closed(id); err != nil {
			m.logger.Warn("history", zap.Error(err))
		}
	}
	return m.Host.Close(id)
}

var _ ptymgr.Host = (*Manager)(nil)
