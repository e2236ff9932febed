package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON control message
	frameOutput  byte = 0x02 // session output: 4-byte session id + UTF-8 text
)

const maxFrameSize = 10 * 1024 * 1024

// Command types for JSON control messages.
const (
	cmdPing       = "ping"
	cmdCreate     = "create"
	cmdWrite      = "write"
	cmdResize     = "resize"
	cmdClose      = "close"
	cmdForeground = "foreground"
	cmdList       = "list"
	cmdSubscribe  = "subscribe"
)

// Event types sent from server to client.
const (
	evtPong       = "pong"
	evtCreated    = "created"
	evtOK         = "ok"
	evtError      = "error"
	evtForeground = "foreground"
	evtList       = "list"
	evtSubscribed = "subscribed"
	evtEnded      = "ended" // unsolicited, no request ID
)

// Error codes carried by evtError so the client can rebuild sentinel errors.
const (
	codeNotFound   = "not_found"
	codeAllocation = "allocation"
	codeSpawn      = "spawn"
	codeHandle     = "handle"
	codeIO         = "io"
	codeBadRequest = "bad_request"
)

// Request is a JSON control message from client to server.
type Request struct {
	ID        string `json:"id"`
	Command   string `json:"command"`
	SessionID uint32 `json:"session_id,omitempty"`

	// Create fields
	Dir string `json:"dir,omitempty"`

	// Create and resize fields
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Write field
	Data []byte `json:"data,omitempty"`
}

// Response is a JSON control message from server to client.
type Response struct {
	ID        string `json:"id,omitempty"`
	Event     string `json:"event"`
	SessionID uint32 `json:"session_id,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	Name     string        `json:"name,omitempty"`
	Sessions []ptymgr.Info `json:"sessions,omitempty"`
	Replay   string        `json:"replay,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// For frameControl the payload is a JSON Request or Response.
// For frameOutput it is [4 bytes big-endian session id][text].

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func writeOutput(w io.Writer, sessionID uint32, text string) error {
	payload := make([]byte, 4+len(text))
	binary.BigEndian.PutUint32(payload, sessionID)
	copy(payload[4:], text)
	return writeFrame(w, frameOutput, payload)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return 0, nil, errors.New("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func parseOutput(payload []byte) (uint32, string, error) {
	if len(payload) < 4 {
		return 0, "", errors.New("output payload too short")
	}
	return binary.BigEndian.Uint32(payload), string(payload[4:]), nil
}

// errorCode maps a session error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ptymgr.ErrSessionNotFound):
		return codeNotFound
	case errors.Is(err, ptymgr.ErrAllocation):
		return codeAllocation
	case errors.Is(err, ptymgr.ErrSpawn):
		return codeSpawn
	case errors.Is(err, ptymgr.ErrHandle):
		return codeHandle
	case errors.Is(err, ptymgr.ErrIO):
		return codeIO
	default:
		return codeBadRequest
	}
}

// remoteError is an error reported by the server. It unwraps to the
// matching sentinel so errors.Is works across the socket.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }

func responseError(resp Response) error {
	var sentinel error
	switch resp.Code {
	case codeNotFound:
		sentinel = ptymgr.ErrSessionNotFound
	case codeAllocation:
		sentinel = ptymgr.ErrAllocation
	case codeSpawn:
		sentinel = ptymgr.ErrSpawn
	case codeHandle:
		sentinel = ptymgr.ErrHandle
	case codeIO:
		sentinel = ptymgr.ErrIO
	}
	return &remoteError{sentinel: sentinel, msg: resp.Error}
}
