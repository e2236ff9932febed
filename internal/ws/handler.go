// Package ws bridges a session to a browser terminal over a websocket.
package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/metrics"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

// closeGrace bounds the wait for the client to answer our close frame.
const closeGrace = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type resizeMsg struct {
	Type string `json:"type"`
	Data struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	} `json:"data"`
}

// Subscriber hands out a session's replay and live events.
type Subscriber interface {
	Subscribe(id uint32) (replay string, events <-chan events.Event, cancel func())
}

type Handler struct {
	host    ptymgr.Host
	bus     Subscriber
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewHandler(host ptymgr.Host, bus Subscriber, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{host: host, bus: bus, metrics: m, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	id := uint32(raw)
	log := h.logger.With(zap.Uint32("session", id))

	if _, err := h.host.Info(id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	// Subscribe before upgrading so nothing produced during the handshake
	// is lost.
	replay, outputCh, cancel := h.bus.Subscribe(id)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.WSOpened()
	defer h.metrics.WSClosed()
	log.Debug("client connected")

	if replay != "" {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(replay)); err != nil {
			log.Debug("replay send failed", zap.Error(err))
			return
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.pump(conn, outputCh, log)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readInput(conn, id, log)
	}()

	select {
	case <-readerDone:
		log.Debug("client disconnected")
		cancel()
		<-writerDone
	case <-writerDone:
		select {
		case <-readerDone:
		case <-time.After(closeGrace):
			conn.Close()
			<-readerDone
		}
	}
}

// pump forwards session output until the session ends or the subscription
// is cancelled. On end it sends a normal closure.
func (h *Handler) pump(conn *websocket.Conn, ch <-chan events.Event, log *zap.Logger) {
	for ev := range ch {
		switch ev.Kind {
		case events.Output:
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte(ev.Data)); err != nil {
				log.Debug("write to client failed", zap.Error(err))
				return
			}
		case events.Ended:
			log.Debug("session ended")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(time.Second))
			return
		}
	}
}

// readInput treats binary messages as keyboard input and text messages as
// control messages.
func (h *Handler) readInput(conn *websocket.Conn, id uint32, log *zap.Logger) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := h.host.Write(id, msg); err != nil {
				log.Debug("input rejected", zap.Error(err))
			}
		case websocket.TextMessage:
			var resize resizeMsg
			if json.Unmarshal(msg, &resize) != nil || resize.Type != "resize" {
				continue
			}
			if resize.Data.Rows == 0 || resize.Data.Cols == 0 {
				continue
			}
			if err := h.host.Resize(id, resize.Data.Rows, resize.Data.Cols); err != nil {
				log.Debug("resize rejected", zap.Error(err))
			}
		}
	}
}
