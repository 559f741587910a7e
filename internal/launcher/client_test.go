package launcher

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/proto"
)

// scriptedDaemon is a minimal protocol peer: it answers each run request
// according to its script and records what the client sent.
type scriptedDaemon struct {
	listener net.Listener

	mu       sync.Mutex
	conns    int
	buildIDs []string

	busyLeft   int    // reply busy this many times before succeeding
	exitCode   int    // final exit code
	stdoutText string // sent as a stdout frame before the exit frame
	stderrText string // sent as a stderr frame before the exit frame
	rejectWith string // if set, refuse the handshake with this error
	badFrame   bool   // if set, send a nonsense frame type after the handshake
	coalesce   bool   // if set, deliver handshake and frames in one Write
}

func startScriptedDaemon(t *testing.T) (*scriptedDaemon, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "sock")
	return startScriptedDaemonAt(t, sock), sock
}

func startScriptedDaemonAt(t *testing.T, sock string) *scriptedDaemon {
	t.Helper()
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	d := &scriptedDaemon{listener: l}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go d.handle(conn)
		}
	}()
	return d
}

func (d *scriptedDaemon) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	var req proto.Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		return
	}

	d.mu.Lock()
	d.conns++
	d.buildIDs = append(d.buildIDs, req.BuildID)
	reject := d.rejectWith
	busy := d.busyLeft > 0
	if busy {
		d.busyLeft--
	}
	bad := d.badFrame
	stdout, stderr, code := d.stdoutText, d.stderrText, d.exitCode
	coalesce := d.coalesce
	d.mu.Unlock()

	// In coalesce mode the whole reply is staged and delivered in a single
	// Write, so the client sees handshake and frames in one segment.
	var out io.Writer = conn
	var staged bytes.Buffer
	if coalesce {
		out = &staged
	}
	defer func() {
		if coalesce {
			conn.Write(staged.Bytes())
		}
	}()

	if req.Type != proto.ReqRun {
		writeResponse(out, proto.Response{OK: true})
		return
	}
	if reject != "" {
		writeResponse(out, proto.Response{OK: false, Error: reject})
		return
	}
	writeResponse(out, proto.Response{OK: true})

	switch {
	case busy:
		proto.WriteFrame(out, proto.FrameExit, proto.ExitPayload(proto.BusyExitCode))
	case bad:
		proto.WriteFrame(out, 0x7f, nil)
	default:
		if stdout != "" {
			proto.WriteFrame(out, proto.FrameStdout, []byte(stdout))
		}
		if stderr != "" {
			proto.WriteFrame(out, proto.FrameStderr, []byte(stderr))
		}
		proto.WriteFrame(out, proto.FrameExit, proto.ExitPayload(code))
	}
}

func writeResponse(w io.Writer, resp proto.Response) {
	data, _ := json.Marshal(resp)
	w.Write(append(data, '\n'))
}

func (d *scriptedDaemon) stats() (int, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns, append([]string(nil), d.buildIDs...)
}

func newTestClient(sock string, stderr *bytes.Buffer) *Client {
	ids := 0
	return &Client{
		SocketPath:         sock,
		Stdin:              strings.NewReader(""),
		Stdout:             &bytes.Buffer{},
		Stderr:             stderr,
		BusyBackoff:        time.Millisecond,
		DiagnosticInterval: time.Hour,
		NewBuildID: func() string {
			ids++
			return "retry-" + strings.Repeat("x", ids)
		},
	}
}

func TestRunUntilDoneBusyRetries(t *testing.T) {
	d, sock := startScriptedDaemon(t)
	d.busyLeft = 3
	d.exitCode = 0
	d.stdoutText = "done\n"

	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)
	stdout := &bytes.Buffer{}
	c.Stdout = stdout

	code, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "initial"})
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "done\n", stdout.String())

	conns, ids := d.stats()
	assert.Equal(t, 4, conns, "each busy retry is a fresh connection")

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "build id %q reused across attempts", id)
		seen[id] = true
	}

	// All three busy replies landed within one rate-limit window.
	assert.Equal(t, 1, strings.Count(stderr.String(), "Daemon is busy"))
}

func TestRunUntilDoneCoalescedHandshakeAndFrames(t *testing.T) {
	// Handshake line and frames arriving in one segment must all be seen:
	// the frame bytes land in the same buffered reader that consumed the
	// line.  Exercised with the busy exit frame riding on the handshake.
	d, sock := startScriptedDaemon(t)
	d.coalesce = true
	d.busyLeft = 1
	d.stdoutText = "done\n"

	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)
	stdout := &bytes.Buffer{}
	c.Stdout = stdout

	code, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "initial"})
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "done\n", stdout.String())

	conns, _ := d.stats()
	assert.Equal(t, 2, conns)
}

// heldReader blocks every Read until released, then reports EOF.
type heldReader struct {
	release chan struct{}
}

func (r heldReader) Read(p []byte) (int, error) {
	<-r.release
	return 0, io.EOF
}

func TestBusyRetriesDoNotStackStdinReaders(t *testing.T) {
	d, sock := startScriptedDaemon(t)
	d.busyLeft = 20

	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c.Stdin = heldReader{release: release}

	before := runtime.NumGoroutine()
	code, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "initial"})
	require.NoError(t, err)
	assert.Zero(t, code)

	// One long-lived stdin reader is expected; one goroutine per retry is
	// the leak this guards against.
	time.Sleep(50 * time.Millisecond)
	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+5, "stdin readers stacked up across busy retries")
}

func TestRunUntilDoneDiagnosticPerWindow(t *testing.T) {
	d, sock := startScriptedDaemon(t)
	d.busyLeft = 3
	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)
	// Every retry lands in its own rate-limit window.
	c.DiagnosticInterval = time.Nanosecond

	_, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "initial"})
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(stderr.String(), "Daemon is busy"))
}

func TestRunUntilDoneRejectedIsFatal(t *testing.T) {
	d, sock := startScriptedDaemon(t)
	d.rejectWith = "unsupported client"

	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)

	_, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "b"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDaemonAbsent)
	assert.Contains(t, err.Error(), "unsupported client")
}

func TestRunUntilDoneNoSocketIsAbsent(t *testing.T) {
	var stderr bytes.Buffer
	c := newTestClient(filepath.Join(t.TempDir(), "sock"), &stderr)

	_, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "b"})
	assert.ErrorIs(t, err, ErrDaemonAbsent)
}

func TestRunUntilDoneUnexpectedFrameIsAbsent(t *testing.T) {
	d, sock := startScriptedDaemon(t)
	d.badFrame = true

	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)

	_, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "b"})
	assert.ErrorIs(t, err, ErrDaemonAbsent)
}

func TestRunUntilDoneStreamRouting(t *testing.T) {
	d, sock := startScriptedDaemon(t)
	d.exitCode = 3
	d.stdoutText = "out"
	d.stderrText = "err"

	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)
	stdout := &bytes.Buffer{}
	c.Stdout = stdout

	code, err := c.RunUntilDone(proto.Request{Type: proto.ReqRun, BuildID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "out", stdout.String())
	assert.Contains(t, stderr.String(), "err")
}

func TestStatusAndShutdown(t *testing.T) {
	_, sock := startScriptedDaemon(t)

	var stderr bytes.Buffer
	c := newTestClient(sock, &stderr)

	assert.NoError(t, c.Status())
	assert.NoError(t, c.Shutdown())
}

func TestHandleIsRunning(t *testing.T) {
	t.Run("no socket", func(t *testing.T) {
		p := &Project{Root: t.TempDir()}
		h := &Handle{Project: p, Client: &Client{SocketPath: p.SocketPath()}}

		running, err := h.IsRunning()
		require.NoError(t, err)
		assert.False(t, running)
	})

	t.Run("live daemon", func(t *testing.T) {
		p := &Project{Root: t.TempDir()}
		require.NoError(t, os.MkdirAll(p.StateDir(), 0o755))
		startScriptedDaemonAt(t, p.SocketPath())
		h := &Handle{Project: p, Client: &Client{SocketPath: p.SocketPath()}}

		running, err := h.IsRunning()
		require.NoError(t, err)
		assert.True(t, running)
	})

	t.Run("stale socket nobody listening", func(t *testing.T) {
		p := &Project{Root: t.TempDir()}
		// A plain file at the socket path: stat succeeds, connect fails.
		require.NoError(t, os.MkdirAll(p.StateDir(), 0o755))
		require.NoError(t, os.WriteFile(p.SocketPath(), nil, 0o644))
		h := &Handle{Project: p, Client: &Client{SocketPath: p.SocketPath()}}

		running, err := h.IsRunning()
		require.NoError(t, err)
		assert.False(t, running, "connection refusal means not running, not an error")
	})
}
