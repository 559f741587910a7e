package launcher

// supervisor.go – launching the build daemon.
//
// The spawn is fully detached (new session, null streams) so the daemon
// survives the launcher and ignores signals aimed at it.  The version stamp
// is written immediately after the spawn, before the socket is confirmed;
// see SaveVersion for why that race is acceptable.

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// defaultSocketWait bounds how long Launch waits for the daemon's
	// listening socket to appear before falling through to the exit check.
	defaultSocketWait = 3 * time.Second
	// defaultPollInterval is the socket re-check interval.
	defaultPollInterval = 10 * time.Millisecond

	// daemonClientTimeoutMS is handed to the engine so it can drop clients
	// that stop heartbeating.
	daemonClientTimeoutMS = 60000
)

// Supervisor launches a new daemon instance for a project.
type Supervisor struct {
	Config    *Config
	Project   *Project
	Env       *EnvironmentBuilder
	Launcher  DetachedLauncher
	Watcher   WatchService
	Stderr    io.Writer

	// SocketWait and PollInterval override the startup-wait tuning; zero
	// means the defaults above.  Tests shrink them.
	SocketWait   time.Duration
	PollInterval time.Duration
}

// Launch spawns a daemon for the given version fingerprint.
//
// The returned code is 0 when the daemon is up or presumed to be coming up;
// if the daemon process exits during the startup wait, its exit code is
// returned instead and the caller decides what to do — there is no automatic
// retry.  Errors are precondition or spawn failures.
func (s *Supervisor) Launch(version string) (int, error) {
	if !s.Watcher.Installed() {
		return 0, fmt.Errorf("%s not found; install it to use the build daemon "+
			"(see https://facebook.github.io/watchman/) or set %s to run without one",
			s.Config.WatcherBin, EnvNoDaemon)
	}
	fmt.Fprintf(s.Stderr, "Using %s.\n", s.Config.WatcherBin)

	tmpDir, err := s.Project.CreateTmpDir()
	if err != nil {
		return 0, fmt.Errorf("create daemon tmp dir: %w", err)
	}
	if err := s.Project.RemoveSocket(); err != nil {
		return 0, err
	}

	// Daemon tuning: a generous GC pause target, immediate soft-reference
	// collection, five-second statistics sampling instead of the default
	// 50ms, and no default signal handlers so signals meant for the launcher
	// never stop the daemon.
	extraDefaults := []string{
		"--daemon",
		"--listen=" + s.Project.SocketPath(),
		fmt.Sprintf("--client-timeout=%d", daemonClientTimeoutMS),
		"--gc-pause-target=15000",
		"--soft-ref-ttl=0",
		"--stats-interval=5000",
		"--no-default-signals",
		"--tmp-dir=" + tmpDir,
	}

	args, err := s.Env.EngineArgs(version, extraDefaults)
	if err != nil {
		return 0, err
	}
	enginePath, err := s.Env.Engine.EnginePath()
	if err != nil {
		return 0, err
	}
	env, err := s.Env.Environ("")
	if err != nil {
		return 0, err
	}

	proc, err := s.Launcher.Spawn(append([]string{enginePath}, args...), env, s.Project.Root)
	if err != nil {
		return 0, err
	}

	if err := s.Project.SaveVersion(version); err != nil {
		return 0, fmt.Errorf("write version stamp: %w", err)
	}

	s.awaitSocket()

	if code, exited := proc.PollExit(); exited {
		return code, nil
	}
	// Still running.  The socket may or may not have appeared within the
	// wait budget; either way the daemon is presumed to be coming up and the
	// caller tolerates a connect failure.  Known race, accepted.
	return 0, nil
}

// awaitSocket waits for the daemon's socket to exist, up to SocketWait.  It
// prefers directory change notifications and degrades to plain polling; both
// paths keep the bounded timeout so Launch always falls through to the
// process exit check.
func (s *Supervisor) awaitSocket() {
	wait := s.SocketWait
	if wait == 0 {
		wait = defaultSocketWait
	}
	interval := s.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(wait)
	sock := s.Project.SocketPath()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(s.Project.StateDir()); err == nil {
			for time.Now().Before(deadline) {
				if _, err := os.Stat(sock); err == nil {
					return
				}
				// Any event re-checks; the timer bounds a lost event.
				select {
				case <-watcher.Events:
				case <-watcher.Errors:
				case <-time.After(interval):
				}
			}
			return
		}
	}

	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); err == nil {
			return
		}
		time.Sleep(interval)
	}
}
