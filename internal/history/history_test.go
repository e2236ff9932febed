package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/ptyhost/internal/db"
	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/models"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
	"github.com/peterje/ptyhost/internal/pty/ptytest"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	return database
}

func info(id uint32) ptymgr.Info {
	return ptymgr.Info{ID: id, PID: 4000 + int(id), Shell: "/bin/sh", Dir: "/tmp", Rows: 24, Cols: 80, CreatedAt: time.Now()}
}

func statusOf(t *testing.T, h *History, id uint32) string {
	t.Helper()
	recs, err := h.Recent(100)
	require.NoError(t, err)
	for _, r := range recs {
		if r.InstanceID == h.Instance() && r.SessionID == id {
			return r.Status
		}
	}
	t.Fatalf("session %d not recorded", id)
	return ""
}

func TestLifecycle(t *testing.T) {
	h := New(openDB(t), nil)

	require.NoError(t, h.Started(info(1)))
	require.NoError(t, h.Started(info(2)))
	assert.Equal(t, models.StatusRunning, statusOf(t, h, 1))

	require.NoError(t, h.Closed(1))
	h.Publish(events.Event{SessionID: 1, Kind: events.Ended})
	assert.Equal(t, models.StatusClosed, statusOf(t, h, 1), "end after close keeps closed")

	h.Publish(events.Event{SessionID: 2, Kind: events.Output, Data: "x"})
	assert.Equal(t, models.StatusRunning, statusOf(t, h, 2))
	h.Publish(events.Event{SessionID: 2, Kind: events.Ended})
	assert.Equal(t, models.StatusEnded, statusOf(t, h, 2))

	require.NoError(t, h.Closed(2))
	assert.Equal(t, models.StatusEnded, statusOf(t, h, 2))

	recs, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.NotNil(t, r.EndedAt)
		assert.Equal(t, "/bin/sh", r.Shell)
	}
}

func TestEndedBeforeStarted(t *testing.T) {
	h := New(openDB(t), nil)

	h.Publish(events.Event{SessionID: 5, Kind: events.Ended})
	require.NoError(t, h.Started(info(5)))

	recs, err := h.Recent(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusEnded, recs[0].Status)
	assert.Equal(t, 4005, recs[0].PID)
}

func TestReconcileStale(t *testing.T) {
	database := openDB(t)
	previous := New(database, nil)
	current := New(database, nil)
	require.NotEqual(t, previous.Instance(), current.Instance())

	require.NoError(t, previous.Started(info(1)))
	require.NoError(t, previous.Started(info(2)))
	require.NoError(t, previous.Closed(2))
	require.NoError(t, current.Started(info(1)))

	n, err := current.ReconcileStale()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, models.StatusStopped, statusOf(t, previous, 1))
	assert.Equal(t, models.StatusClosed, statusOf(t, previous, 2))
	assert.Equal(t, models.StatusRunning, statusOf(t, current, 1))
}

func TestStopRunning(t *testing.T) {
	h := New(openDB(t), nil)
	require.NoError(t, h.Started(info(1)))
	require.NoError(t, h.Started(info(2)))
	require.NoError(t, h.Closed(2))

	n, err := h.StopRunning()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, models.StatusStopped, statusOf(t, h, 1))
	assert.Equal(t, models.StatusClosed, statusOf(t, h, 2))
}

func TestTrack(t *testing.T) {
	h := New(openDB(t), nil)
	m := Track(ptytest.NewHost(nil), h, nil)

	id, err := m.Create(ptymgr.Options{Rows: 30, Cols: 100})
	require.NoError(t, err)
	require.NoError(t, m.Resize(id, 50, 160))
	assert.ErrorIs(t, m.Resize(99, 1, 1), ptymgr.ErrSessionNotFound)

	recs, err := h.Recent(5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint16(50), recs[0].Rows)
	assert.Equal(t, uint16(160), recs[0].Cols)

	require.NoError(t, m.Close(id))
	assert.Equal(t, models.StatusClosed, statusOf(t, h, id))
	assert.Equal(t, "shell", m.ForegroundProcess(context.Background(), id), "closed sessions have no foreground")
}

func TestCloseWinsOverItsOwnEnded(t *testing.T) {
	h := New(openDB(t), nil)
	// The host publishes Ended to history from inside Close.
	m := Track(ptytest.NewHost(h), h, nil)

	id, err := m.Create(ptymgr.Options{})
	require.NoError(t, err)
	require.NoError(t, m.Close(id))
	assert.Equal(t, models.StatusClosed, statusOf(t, h, id))

	require.NoError(t, m.Close(id))
	assert.Equal(t, models.StatusClosed, statusOf(t, h, id))
}

func TestCloseAfterExitKeepsEnded(t *testing.T) {
	h := New(openDB(t), nil)
	host := ptytest.NewHost(nil)
	m := Track(host, h, nil)

	id, err := m.Create(ptymgr.Options{})
	require.NoError(t, err)
	h.Publish(events.Event{SessionID: id, Kind: events.Ended})

	require.NoError(t, m.Close(id))
	assert.Equal(t, models.StatusEnded, statusOf(t, h, id))
}
