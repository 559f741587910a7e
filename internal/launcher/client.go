package launcher

// client.go – the protocol client and its busy-retry loop.
//
// One exchange: connect, send a run request, pump stdin frames up and
// stdout/stderr frames down, and read the final exit frame.  A reserved exit
// code from the daemon means "busy": the client reopens a fresh connection
// with a fresh build id and tries again, forever, until the daemon frees up
// or the launcher is killed.

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/forgebuild/forge/internal/proto"
)

// ErrDaemonAbsent reports that the connection failed in a way that means
// "there is no daemon there" — refused, broken, or a peer that does not
// speak the protocol.  It triggers a fallback, not a user-facing failure.
var ErrDaemonAbsent = errors.New("daemon not reachable")

// OutcomeKind classifies one protocol exchange attempt.
type OutcomeKind int

const (
	// OutcomeSuccess – the exchange completed; Code is the build's exit code.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry – the daemon was busy; retry with a fresh build id.
	OutcomeRetry
	// OutcomeFatal – the exchange failed; Err says why.
	OutcomeFatal
)

// ExitOutcome is the result contract of one exchange attempt.
type ExitOutcome struct {
	Kind OutcomeKind
	Code int
	Err  error
}

const (
	defaultDialTimeout        = 500 * time.Millisecond
	defaultBusyBackoff        = time.Second
	defaultDiagnosticInterval = time.Second
)

// Client talks to a running daemon over its Unix socket.
type Client struct {
	SocketPath string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// DialTimeout bounds connection establishment only; a run exchange
	// blocks as long as the build does.
	DialTimeout time.Duration
	// BusyBackoff is slept between busy retries.
	BusyBackoff time.Duration
	// DiagnosticInterval rate-limits the "daemon is busy" message.
	DiagnosticInterval time.Duration

	// NewBuildID mints build ids for retries.  Defaults to random UUIDs.
	NewBuildID func() string
	// TermSize reports the client terminal size for TTY runs.
	TermSize func() (cols, rows uint16, ok bool)

	lastDiagnostic time.Time

	// One reader goroutine owns Stdin for the client's lifetime; each exchange
	// attempt forwards from this channel.  A per-attempt reader would leave the
	// previous attempt's goroutine blocked in Read, competing for bytes after
	// its connection is gone.
	stdinOnce sync.Once
	stdinCh   chan []byte
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout == 0 {
		return defaultDialTimeout
	}
	return c.DialTimeout
}

func (c *Client) newBuildID() string {
	if c.NewBuildID != nil {
		return c.NewBuildID()
	}
	return uuid.NewString()
}

func (c *Client) termSize() (uint16, uint16, bool) {
	if c.TermSize != nil {
		return c.TermSize()
	}
	cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		return 0, 0, false
	}
	return uint16(cols), uint16(rows), true
}

// RunUntilDone drives the busy-retry loop for a run request until the build
// completes or fails terminally.  On connectivity loss it returns
// ErrDaemonAbsent so the caller can fall back; any other failure is final.
func (c *Client) RunUntilDone(req proto.Request) (int, error) {
	for {
		out := c.runOnce(req)
		switch out.Kind {
		case OutcomeSuccess:
			return out.Code, nil

		case OutcomeFatal:
			if isDaemonAbsent(out.Err) {
				return 0, fmt.Errorf("%w: %v", ErrDaemonAbsent, out.Err)
			}
			return 0, out.Err

		case OutcomeRetry:
			// Fresh build id per attempt so daemon-side logs can tell the
			// retries apart.
			req.BuildID = c.newBuildID()
			if req.Env != nil {
				req.Env[buildIDEnv] = req.BuildID
			}
			if time.Since(c.lastDiagnostic) >= c.diagnosticInterval() {
				fmt.Fprintln(c.Stderr, "Daemon is busy, waiting for it to become free...")
				c.lastDiagnostic = time.Now()
			}
			time.Sleep(c.busyBackoff())
		}
	}
}

func (c *Client) busyBackoff() time.Duration {
	if c.BusyBackoff == 0 {
		return defaultBusyBackoff
	}
	return c.BusyBackoff
}

func (c *Client) diagnosticInterval() time.Duration {
	if c.DiagnosticInterval == 0 {
		return defaultDiagnosticInterval
	}
	return c.DiagnosticInterval
}

// runOnce performs a single exchange over a fresh connection.
func (c *Client) runOnce(req proto.Request) ExitOutcome {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.dialTimeout())
	if err != nil {
		return ExitOutcome{Kind: OutcomeFatal, Err: err}
	}
	defer conn.Close()

	// All reads go through one buffered reader: the handshake line and the
	// frames behind it may arrive in the same segment, and a reader created
	// per phase would swallow the overlap.
	br := bufio.NewReader(conn)

	if err := writeRequest(conn, req); err != nil {
		return ExitOutcome{Kind: OutcomeFatal, Err: err}
	}
	resp, err := readResponse(br)
	if err != nil {
		return ExitOutcome{Kind: OutcomeFatal, Err: err}
	}
	if !resp.OK {
		return ExitOutcome{Kind: OutcomeFatal, Err: fmt.Errorf("daemon rejected request: %s", resp.Error)}
	}

	// Forward stdin to the daemon in the background.  Write errors just end
	// the forwarder: the connection is closing anyway and the frame reader
	// below reports the authoritative result.
	stop := make(chan struct{})
	defer close(stop)
	go c.forwardStdin(conn, stop)

	if req.TTY {
		c.forwardResizes(conn, stop)
	}

	for {
		frameType, payload, err := proto.ReadFrame(br)
		if err != nil {
			return ExitOutcome{Kind: OutcomeFatal, Err: err}
		}
		switch frameType {
		case proto.FrameStdout:
			if _, err := c.Stdout.Write(payload); err != nil {
				return ExitOutcome{Kind: OutcomeFatal, Err: err}
			}
		case proto.FrameStderr:
			if _, err := c.Stderr.Write(payload); err != nil {
				return ExitOutcome{Kind: OutcomeFatal, Err: err}
			}
		case proto.FrameExit:
			code, err := proto.DecodeExit(payload)
			if err != nil {
				return ExitOutcome{Kind: OutcomeFatal, Err: err}
			}
			if code == proto.BusyExitCode {
				return ExitOutcome{Kind: OutcomeRetry}
			}
			return ExitOutcome{Kind: OutcomeSuccess, Code: code}
		default:
			return ExitOutcome{Kind: OutcomeFatal, Err: proto.ErrUnexpectedFrame}
		}
	}
}

// stdinChunks starts the single stdin reader on first use and returns its
// channel.  The channel closes when stdin reaches EOF; a chunk produced while
// no exchange is in flight waits on the channel send until the next attempt
// picks it up, so nothing typed during a busy window is lost.
func (c *Client) stdinChunks() <-chan []byte {
	c.stdinOnce.Do(func() {
		c.stdinCh = make(chan []byte)
		if c.Stdin == nil {
			close(c.stdinCh)
			return
		}
		go func() {
			defer close(c.stdinCh)
			buf := make([]byte, 4096)
			for {
				n, err := c.Stdin.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					c.stdinCh <- chunk
				}
				if err != nil {
					return
				}
			}
		}()
	})
	return c.stdinCh
}

// forwardStdin feeds stdin chunks into stdin frames on one connection until
// EOF or stop.  Every attempt re-announces EOF once the channel has closed.
func (c *Client) forwardStdin(conn net.Conn, stop <-chan struct{}) {
	chunks := c.stdinChunks()
	for {
		select {
		case <-stop:
			return
		case chunk, ok := <-chunks:
			if !ok {
				proto.WriteFrame(conn, proto.FrameStdinEOF, nil)
				return
			}
			if err := proto.WriteFrame(conn, proto.FrameStdin, chunk); err != nil {
				return
			}
		}
	}
}

// forwardResizes sends the initial terminal size and then one resize frame
// per SIGWINCH for the duration of the exchange.
func (c *Client) forwardResizes(conn net.Conn, stop <-chan struct{}) {
	if cols, rows, ok := c.termSize(); ok {
		proto.WriteFrame(conn, proto.FrameResize, proto.ResizePayload(cols, rows))
	}
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(winch)
		for {
			select {
			case <-stop:
				return
			case <-winch:
				if cols, rows, ok := c.termSize(); ok {
					proto.WriteFrame(conn, proto.FrameResize, proto.ResizePayload(cols, rows))
				}
			}
		}
	}()
}

// Status performs a liveness probe: a no-op request that a healthy daemon
// acknowledges.
func (c *Client) Status() error {
	resp, err := c.roundTrip(proto.Request{Type: proto.ReqStatus})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("daemon status: %s", resp.Error)
	}
	return nil
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() error {
	resp, err := c.roundTrip(proto.Request{Type: proto.ReqShutdown})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("daemon shutdown: %s", resp.Error)
	}
	return nil
}

func (c *Client) roundTrip(req proto.Request) (proto.Response, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.dialTimeout())
	if err != nil {
		return proto.Response{}, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.dialTimeout()))
	if err := writeRequest(conn, req); err != nil {
		return proto.Response{}, err
	}
	return readResponse(bufio.NewReader(conn))
}

func writeRequest(conn net.Conn, req proto.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

// readResponse reads the handshake line from the connection's buffered
// reader.  The same reader must carry any frames that follow; frame bytes
// arriving alongside the handshake are already in its buffer.
func readResponse(br *bufio.Reader) (proto.Response, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return proto.Response{}, err
	}
	var resp proto.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return proto.Response{}, fmt.Errorf("bad response: %w", err)
	}
	return resp, nil
}

// isDaemonAbsent classifies an exchange error as "no daemon there": a
// refused or broken connection, a missing socket, or a peer speaking
// something other than the protocol.  Everything else propagates.
func isDaemonAbsent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENOENT),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, proto.ErrUnexpectedFrame):
		return true
	}
	return false
}
