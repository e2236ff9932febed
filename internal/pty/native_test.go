package pty

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nativeManager(t *testing.T, rec *recorder) *Manager {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("no unix pty on windows")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no pty support")
	}
	m := NewManager(Config{Shell: "/bin/sh"}, rec, nil)
	t.Cleanup(m.Shutdown)
	return m
}

func TestNativeSessionEcho(t *testing.T) {
	rec := newRecorder()
	m := nativeManager(t, rec)

	id, err := m.Create(Options{Rows: 24, Cols: 80, Dir: t.TempDir()})
	require.NoError(t, err)

	// The terminal echoes the typed command, so the expected text only
	// appears once the shell has evaluated it.
	require.NoError(t, m.Write(id, []byte("echo foo$((40+2))bar\n")))
	rec.waitOutput(t, id, "foo42bar")

	require.NoError(t, m.Resize(id, 40, 120))
	require.NoError(t, m.Write(id, []byte("stty size\n")))
	rec.waitOutput(t, id, "40 120")

	require.NoError(t, m.Close(id))
	require.NoError(t, m.Close(id))
	rec.waitEnded(t, id)
}

func TestNativeCloseAfterExit(t *testing.T) {
	rec := newRecorder()
	m := nativeManager(t, rec)

	id, err := m.Create(Options{})
	require.NoError(t, err)

	require.NoError(t, m.Write(id, []byte("exit\n")))
	rec.waitEnded(t, id)

	require.NoError(t, m.Close(id))
	assert.Empty(t, m.List())
}

func TestNativeForegroundIsStable(t *testing.T) {
	if _, err := exec.LookPath("ps"); err != nil {
		t.Skip("ps not available")
	}
	rec := newRecorder()
	m := nativeManager(t, rec)

	id, err := m.Create(Options{})
	require.NoError(t, err)
	require.NoError(t, m.Write(id, []byte("echo ready\n")))
	rec.waitOutput(t, id, "ready")

	first := m.ForegroundProcess(context.Background(), id)
	second := m.ForegroundProcess(context.Background(), id)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}
