// Package proto defines the IPC message types and stream framing used between
// forge (the launcher) and forged (the build-server daemon) over a Unix
// domain socket.
//
// Status and shutdown requests use newline-delimited JSON: the client sends
// one Request, the daemon sends one Response, then the connection closes.
//
// Run requests are special: after the JSON handshake the connection enters a
// streaming mode.  The server sends framed stdout/stderr chunks and a final
// exit frame carrying the command's exit code; the client sends framed stdin
// data, terminal resizes, and a stdin-EOF marker.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Request type constants.
const (
	ReqRun      = "run"
	ReqStatus   = "status"
	ReqShutdown = "shutdown"
)

// BusyExitCode is the reserved exit code the daemon reports when it cannot
// accept a new build right now.  It is never a legitimate user exit code;
// the launcher retries with a fresh build id until the daemon frees up.
const BusyExitCode = 2

// Request is the JSON payload sent from forge to forged.
type Request struct {
	Type    string            `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	BuildID string            `json:"build_id,omitempty"`
	TTY     bool              `json:"tty,omitempty"`
}

// Response is the JSON payload returned by the daemon before any streaming
// begins.  For status/shutdown it is the whole exchange.
type Response struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Version string `json:"version,omitempty"` // daemon's version fingerprint (status only)
}

// ─── Run stream framing ───────────────────────────────────────────────────────
//
// After the JSON handshake a run connection becomes a framed bidirectional
// stream.  Both directions use the same envelope:
//
//   [1 byte type][4 bytes big-endian length][payload]
//
// Client → Server:
//   0x00  stdin      – bytes to feed the build's standard input
//   0x01  resize     – payload: 2-byte cols + 2-byte rows (big-endian uint16)
//   0x02  stdin_eof  – no payload; the client's stdin has ended
//
// Server → Client:
//   0x00  stdout     – build standard output bytes
//   0x01  stderr     – build standard error bytes
//   0x02  exit       – payload: 4-byte big-endian int32 exit code; final frame

const (
	FrameStdin    byte = 0x00
	FrameResize   byte = 0x01
	FrameStdinEOF byte = 0x02

	FrameStdout byte = 0x00
	FrameStderr byte = 0x01
	FrameExit   byte = 0x02
)

// ErrUnexpectedFrame is reported when a peer sends a frame type that has no
// meaning in the current direction or protocol state.  The launcher treats it
// the same as a broken connection: whatever is on the other end is not a
// daemon it can talk to.
var ErrUnexpectedFrame = errors.New("unexpected frame type")

// maxFramePayload caps a single frame at 1 MiB.  Larger output is split
// across frames by the sender; anything claiming more is a corrupt stream.
const maxFramePayload = 1 << 20

// WriteFrame writes a single framed message to w.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = frameType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ReadFrame reads a single framed message from r.
// Returns (frameType, payload, error).
func ReadFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	frameType := hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFramePayload {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	if n == 0 {
		return frameType, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return frameType, payload, nil
}

// ExitPayload encodes an exit code for a FrameExit frame.
func ExitPayload(code int) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(int32(code)))
	return p
}

// DecodeExit decodes a FrameExit payload.
func DecodeExit(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("bad exit frame payload length %d", len(payload))
	}
	return int(int32(binary.BigEndian.Uint32(payload))), nil
}

// ResizePayload encodes a terminal size for a FrameResize frame.
func ResizePayload(cols, rows uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], cols)
	binary.BigEndian.PutUint16(p[2:4], rows)
	return p
}

// DecodeResize decodes a FrameResize payload.
func DecodeResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("bad resize frame payload length %d", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}
