package daemon

// build.go – executing one forwarded build: subprocess spawn (PTY-backed for
// interactive clients), stdin/stdout plumbing over the framed stream, and
// kill-on-disconnect so an abandoned build does not run to completion
// unattended.

import (
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/forgebuild/forge/internal/proto"
)

// frameWriter serializes frames onto one connection.  Stdout and stderr pumps
// write concurrently and a frame is two Writes, so interleaving must be
// prevented here rather than relied on from net.Conn.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func newFrameWriter(conn net.Conn) *frameWriter {
	return &frameWriter{conn: conn}
}

func (w *frameWriter) send(frameType byte, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return proto.WriteFrame(w.conn, frameType, payload)
}

// commandArgv recovers the executable command line from a run request: the
// forwarded tokens minus the launcher's own leading flags.
func commandArgv(req proto.Request) []string {
	for i, arg := range req.Args {
		if len(arg) == 0 || arg[0] != '-' {
			return req.Args[i:]
		}
	}
	return nil
}

// envSlice flattens the request environment for exec.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// execute runs the forwarded command and returns its exit code.  Launcher
// infrastructure failures are mapped to exit code 1 with a frame on stderr so
// the client user sees why.  Client frames are read from r, the buffered
// reader that consumed the handshake line.
func (d *Daemon) execute(w *frameWriter, r io.Reader, req proto.Request) int {
	argv := commandArgv(req)
	if len(argv) == 0 {
		w.send(proto.FrameStderr, []byte("forged: no command in request\n"))
		return 1
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = envSlice(req.Env)

	log.Printf("build %.8s: running %v (tty=%v)", req.BuildID, argv, req.TTY)

	if req.TTY {
		return d.executeTTY(w, r, cmd)
	}
	return d.executePlain(w, r, cmd)
}

// executeTTY runs the command under a PTY so interactive build tools render
// progress the way they would locally.  All PTY output travels as stdout
// frames; there is no separate stderr on a terminal.
func (d *Daemon) executeTTY(w *frameWriter, r io.Reader, cmd *exec.Cmd) int {
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	// pty.Start sets Setsid on the child: new session, PGID = child PID,
	// which is exactly what killOnDisconnect needs.
	ptm, err := pty.Start(cmd)
	if err != nil {
		w.send(proto.FrameStderr, []byte("forged: start build: "+err.Error()+"\n"))
		return 1
	}
	defer ptm.Close()

	stop := make(chan struct{})
	defer close(stop)
	go d.readClientFrames(r, ptm, ptm, nil, cmd, stop)

	buf := make([]byte, 4096)
	for {
		n, rerr := ptm.Read(buf)
		if n > 0 {
			if err := w.send(proto.FrameStdout, buf[:n]); err != nil {
				killGroup(cmd)
				break
			}
		}
		if rerr != nil {
			// PTY read error means the slave side closed (process exited).
			break
		}
	}

	return waitCode(cmd)
}

// executePlain runs the command with pipes and forwards each stream in its
// own frame type.
func (d *Daemon) executePlain(w *frameWriter, r io.Reader, cmd *exec.Cmd) int {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.send(proto.FrameStderr, []byte("forged: start build: "+err.Error()+"\n"))
		return 1
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.send(proto.FrameStderr, []byte("forged: start build: "+err.Error()+"\n"))
		return 1
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		w.send(proto.FrameStderr, []byte("forged: start build: "+err.Error()+"\n"))
		return 1
	}
	// Own process group so a disconnect can kill the whole build tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		w.send(proto.FrameStderr, []byte("forged: start build: "+err.Error()+"\n"))
		return 1
	}

	stop := make(chan struct{})
	defer close(stop)
	go d.readClientFrames(r, stdin, nil, stdin, cmd, stop)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpFrames(w, proto.FrameStdout, stdout, cmd, &pumps)
	go pumpFrames(w, proto.FrameStderr, stderr, cmd, &pumps)
	pumps.Wait()

	return waitCode(cmd)
}

// pumpFrames copies one output stream into frames of the given type.
func pumpFrames(w *frameWriter, frameType byte, r io.Reader, cmd *exec.Cmd, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := w.send(frameType, buf[:n]); err != nil {
				killGroup(cmd)
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// readClientFrames consumes client frames for the duration of a build: stdin
// data into the process, resize events onto the PTY, and stdin EOF closing
// the pipe.  A read error means the client vanished; the build is killed so
// it does not run on unattended.
func (d *Daemon) readClientFrames(r io.Reader, stdin io.Writer, ptm *os.File, stdinCloser io.Closer, cmd *exec.Cmd, stop <-chan struct{}) {
	for {
		frameType, payload, err := proto.ReadFrame(r)
		if err != nil {
			select {
			case <-stop:
				// Build already finished; nothing to kill.
			default:
				if err != io.EOF {
					log.Printf("client frame read: %v", err)
				}
				killGroup(cmd)
			}
			return
		}

		switch frameType {
		case proto.FrameStdin:
			if stdin != nil {
				stdin.Write(payload)
			}

		case proto.FrameStdinEOF:
			if stdinCloser != nil {
				stdinCloser.Close()
			}

		case proto.FrameResize:
			if ptm != nil {
				if cols, rows, err := proto.DecodeResize(payload); err == nil {
					pty.Setsize(ptm, &pty.Winsize{Cols: cols, Rows: rows})
				}
			}
		}
	}
}

// killGroup kills the build's whole process group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

// waitCode reaps the process and maps the result to an exit code.
func waitCode(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return 1
}
