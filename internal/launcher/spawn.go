package launcher

// spawn.go – process-launch capabilities.  The daemon must be fully detached
// from the launcher's terminal and session so that it survives the
// launcher's exit and is not killed by signals aimed at the launcher's
// process group.  The OS-specific mechanics live behind DetachedLauncher so
// the supervisor only depends on the interface.

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ProcessHandle is a spawned daemon process.
type ProcessHandle interface {
	// Pid returns the process id.
	Pid() int
	// PollExit is a non-blocking exit check: (code, true) once the process
	// has exited, (0, false) while it is still running.
	PollExit() (int, bool)
}

// DetachedLauncher spawns a process in its own session with all three
// standard streams pointed at a null sink and no inherited descriptors
// beyond what the child explicitly needs.
type DetachedLauncher interface {
	Spawn(argv []string, env []string, dir string) (ProcessHandle, error)
}

// NewDetachedLauncher returns the platform DetachedLauncher.
func NewDetachedLauncher() DetachedLauncher {
	return unixLauncher{}
}

type unixLauncher struct{}

func (unixLauncher) Spawn(argv []string, env []string, dir string) (ProcessHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("spawn: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Args = argv
	cmd.Dir = dir
	cmd.Env = env
	// nil streams become /dev/null; os/exec never leaks other descriptors
	// unless they are added to ExtraFiles.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	// New session ⇒ new process group, detached from the controlling
	// terminal.  An interrupt delivered to the launcher's group does not
	// reach the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	h := &osProcessHandle{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err == nil {
			h.code = 0
		} else if ee, ok := err.(*exec.ExitError); ok {
			h.code = ee.ExitCode()
		} else {
			h.code = -1
		}
		close(h.done)
	}()
	return h, nil
}

type osProcessHandle struct {
	pid  int
	done chan struct{}
	code int // valid once done is closed
}

func (h *osProcessHandle) Pid() int { return h.pid }

func (h *osProcessHandle) PollExit() (int, bool) {
	select {
	case <-h.done:
		return h.code, true
	default:
		return 0, false
	}
}

// runAttached executes argv as a regular foreground subprocess wired to the
// launcher's own streams, returning its exit code.  Used for direct engine
// runs when the daemon is disabled or unavailable.
func runAttached(argv []string, env []string, dir string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("run: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Args = argv
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return 0, fmt.Errorf("run %s: %w", argv[0], err)
}
