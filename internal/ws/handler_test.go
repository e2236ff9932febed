package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/metrics"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
	"github.com/peterje/ptyhost/internal/pty/ptytest"
)

func setup(t *testing.T) (*ptytest.Host, *metrics.Metrics, string) {
	t.Helper()
	bus := events.NewBus(0)
	host := ptytest.NewHost(bus)
	m := metrics.New(prometheus.NewRegistry())

	mux := http.NewServeMux()
	mux.Handle("GET /ws/session/{id}", NewHandler(host, bus, m, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return host, m, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session/"
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	return string(msg)
}

func TestUnknownSession(t *testing.T) {
	_, _, base := setup(t)

	for path, want := range map[string]int{"9": http.StatusNotFound, "abc": http.StatusBadRequest} {
		_, resp, err := websocket.DefaultDialer.Dial(base+path, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestBridge(t *testing.T) {
	host, m, base := setup(t)

	id, err := host.Create(ptymgr.Options{Rows: 24, Cols: 80})
	require.NoError(t, err)
	require.NoError(t, host.Write(id, []byte("early ")))

	conn, _, err := websocket.DefaultDialer.Dial(base+"1", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "early ", read(t, conn))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WSConnections))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\r")))
	assert.Equal(t, "ls\r", read(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","data":{"rows":40,"cols":120}}`)))
	require.Eventually(t, func() bool {
		info, err := host.Info(id)
		return err == nil && info.Rows == 40 && info.Cols == 120
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, host.Close(id))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WSConnections) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientDisconnect(t *testing.T) {
	host, m, base := setup(t)

	_, err := host.Create(ptymgr.Options{})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(base+"1", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WSConnections) == 1
	}, 5*time.Second, 10*time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WSConnections) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The session outlives its viewer.
	_, err = host.Info(1)
	assert.NoError(t, err)
}
