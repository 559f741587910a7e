// Package daemon implements the forged reference build daemon.
//
// forged listens on a Unix domain socket and serves forge launcher requests.
// Status and shutdown are single newline-terminated JSON exchanges; run
// requests switch to framed streaming after the handshake and execute the
// forwarded command as a subprocess (under a PTY when the client is
// interactive).  One build runs at a time: while a build is in flight every
// further run request is answered with the reserved busy exit code and the
// launcher retries.
//
// The production build engine is a separate program; forged exists so the
// launcher has a real protocol peer for development and tests.
package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/forgebuild/forge/internal/proto"
)

// Daemon serves the build protocol on one socket.
type Daemon struct {
	version string

	mu       sync.Mutex
	busy     bool   // a build is in flight
	active   string // its build id, for logs; may be empty
	listener net.Listener

	shutdownOnce sync.Once
}

// New creates a Daemon that reports the given version fingerprint from
// status probes.
func New(version string) *Daemon {
	return &Daemon{version: version}
}

// Run starts the Unix socket listener and blocks until a shutdown request
// closes it.
func (d *Daemon) Run(socketPath string) error {
	// Remove stale socket.
	os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer l.Close()

	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()

	log.Printf("forged %.12s listening on %s", d.version, socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			// Listener was closed (shutdown).
			return nil
		}
		go d.handleConn(conn)
	}
}

// Shutdown closes the listener, which unblocks Run.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		l := d.listener
		d.mu.Unlock()
		if l != nil {
			l.Close()
		}
	})
}

// ─── Connection handling ──────────────────────────────────────────────────────

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	// One buffered reader per connection: a run request's first client frames
	// can share a segment with the request line, so the reader that consumed
	// the line must also serve the frame loop.
	br := bufio.NewReader(conn)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return
	}
	var req proto.Request
	if err := json.Unmarshal(line, &req); err != nil {
		respond(conn, proto.Response{OK: false, Error: "bad request: " + err.Error()})
		return
	}

	switch req.Type {
	case proto.ReqStatus:
		respond(conn, proto.Response{OK: true, Version: d.version})

	case proto.ReqShutdown:
		log.Printf("shutdown requested")
		respond(conn, proto.Response{OK: true})
		d.Shutdown()

	case proto.ReqRun:
		d.handleRun(conn, br, req)

	default:
		respond(conn, proto.Response{OK: false, Error: "unknown request type: " + req.Type})
	}
}

func respond(conn net.Conn, r proto.Response) {
	data, _ := json.Marshal(r)
	data = append(data, '\n')
	conn.Write(data)
}

// handleRun executes one forwarded build, or reports busy when another build
// already holds the daemon.
func (d *Daemon) handleRun(conn net.Conn, br *bufio.Reader, req proto.Request) {
	d.mu.Lock()
	if d.busy {
		holder := d.active
		d.mu.Unlock()
		respond(conn, proto.Response{OK: true})
		w := newFrameWriter(conn)
		w.send(proto.FrameExit, proto.ExitPayload(proto.BusyExitCode))
		log.Printf("build %.8s rejected: build %.8s still running", req.BuildID, holder)
		return
	}
	d.busy = true
	d.active = req.BuildID
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.busy = false
		d.active = ""
		d.mu.Unlock()
	}()

	respond(conn, proto.Response{OK: true})

	w := newFrameWriter(conn)
	code := d.execute(w, br, req)

	if err := w.send(proto.FrameExit, proto.ExitPayload(code)); err != nil {
		log.Printf("build %.8s: client gone before exit frame: %v", req.BuildID, err)
	}
	log.Printf("build %.8s finished with exit code %d", req.BuildID, code)
}
