package launcher

// session.go – top-level orchestration for one forge invocation: decide
// daemon-vs-direct execution, reconcile daemon versions, drive the protocol
// exchange, and fall back to a one-shot engine run when the daemon is
// disabled or unavailable.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/forgebuild/forge/internal/proto"
)

// cleanCommand tears down build state; a running daemon from any version is
// killed before it runs.
const cleanCommand = "clean"

// daemonSupervisor is the Launch capability the session needs.
type daemonSupervisor interface {
	Launch(version string) (int, error)
}

// daemonClient is the protocol capability the session needs.
type daemonClient interface {
	RunUntilDone(req proto.Request) (int, error)
	Status() error
	Shutdown() error
}

// Session drives one forge invocation to completion.
type Session struct {
	Config     *Config
	Project    *Project
	Invocation *Invocation
	Env        *EnvironmentBuilder
	Engine     EngineResolver
	Watcher    WatchService
	Supervisor daemonSupervisor
	Handle     *Handle
	Client     daemonClient
	Stderr     io.Writer

	// RunDirect executes the engine as a foreground subprocess.  Defaults to
	// runAttached; tests substitute a recorder.
	RunDirect func(argv, env []string, dir string) (int, error)
	// NewBuildID mints the invocation's initial build id.
	NewBuildID func() string
}

// NewSession wires a Session with the default collaborators for the project
// rooted at root.
func NewSession(cfg *Config, root string, inv *Invocation) *Session {
	project := &Project{Root: root}
	engine := NewFileEngine(cfg.Engine)
	env := &EnvironmentBuilder{
		Config:    cfg,
		Project:   project,
		Resources: DirProvider{Dir: resourcesDir()},
		Engine:    engine,
	}
	client := &Client{
		SocketPath: project.SocketPath(),
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
	watcher := NewWatchService(cfg.WatcherBin)
	return &Session{
		Config:     cfg,
		Project:    project,
		Invocation: inv,
		Env:        env,
		Engine:     engine,
		Watcher:    watcher,
		Supervisor: &Supervisor{
			Config:   cfg,
			Project:  project,
			Env:      env,
			Launcher: NewDetachedLauncher(),
			Watcher:  watcher,
			Stderr:   os.Stderr,
		},
		Handle: &Handle{Project: project, Client: client},
		Client: client,
		Stderr: os.Stderr,
	}
}

// resourcesDir is the default resource directory: resources/ next to the
// forge binary.
func resourcesDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "resources")
}

// Run executes the invocation and returns the engine's exit code.
func (s *Session) Run() (int, error) {
	inv := s.Invocation

	if inv.Command == cleanCommand && !inv.IsHelp() {
		if err := s.Kill(); err != nil {
			return 0, err
		}
	}

	version, err := s.Engine.VersionFingerprint()
	if err != nil {
		return 0, err
	}

	useDaemon := !s.Config.NoDaemon
	if !inv.IsHelp() {
		switch {
		case useDaemon && s.Watcher.Installed():
			// A daemon built from different code must never serve a newer
			// client: kill on mismatch, and only then consider launching.
			if s.Handle.RecordedVersion() != version {
				if err := s.Kill(); err != nil {
					return 0, err
				}
			}
			running, err := s.Handle.IsRunning()
			if err != nil {
				return 0, err
			}
			if !running {
				code, err := s.Supervisor.Launch(version)
				if err != nil {
					return 0, err
				}
				if code != 0 {
					fmt.Fprintf(s.Stderr, "forge: build daemon exited during startup (exit code %d)\n", code)
					return code, nil
				}
			}
		case useDaemon:
			fmt.Fprintf(s.Stderr, "Not using the build daemon because %s isn't installed.\n", s.Config.WatcherBin)
			useDaemon = false
		default:
			fmt.Fprintf(s.Stderr, "Not using the build daemon because %s is set.\n", EnvNoDaemon)
		}
	}

	buildID := s.newBuildID()

	if useDaemon && !inv.IsHelp() {
		running, err := s.Handle.IsRunning()
		if err != nil {
			return 0, err
		}
		if running {
			return s.runViaDaemon(version, buildID)
		}
	}

	return s.runDirect(version, buildID)
}

// runViaDaemon sends the invocation through the protocol client.  If the
// daemon vanishes mid-exchange it is relaunched once; a second loss is
// surfaced rather than retried forever.
func (s *Session) runViaDaemon(version, buildID string) (int, error) {
	req, err := s.buildRunRequest(buildID)
	if err != nil {
		return 0, err
	}

	code, err := s.Client.RunUntilDone(req)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, ErrDaemonAbsent) {
		return 0, err
	}

	fmt.Fprintln(s.Stderr, "Build daemon disappeared; relaunching it.")
	lcode, lerr := s.Supervisor.Launch(version)
	if lerr != nil {
		return 0, lerr
	}
	if lcode != 0 {
		fmt.Fprintf(s.Stderr, "forge: build daemon exited during startup (exit code %d)\n", lcode)
		return lcode, nil
	}

	code, err = s.Client.RunUntilDone(req)
	if err != nil {
		return 0, fmt.Errorf("build daemon unreachable after relaunch: %w", err)
	}
	return code, nil
}

func (s *Session) buildRunRequest(buildID string) (proto.Request, error) {
	envMap, err := s.Env.EnvironMap(buildID)
	if err != nil {
		return proto.Request{}, err
	}
	return proto.Request{
		Type:    proto.ReqRun,
		Command: s.Invocation.Command,
		Args:    s.Invocation.Args(),
		Env:     envMap,
		Cwd:     s.Project.Root,
		BuildID: buildID,
		TTY:     s.Config.TTY,
	}, nil
}

// runDirect executes the engine as a short-lived foreground subprocess.
// Help invocations always take this path: the engine prints its own help.
func (s *Session) runDirect(version, buildID string) (int, error) {
	tmpDir, err := s.Project.CreateTmpDir()
	if err != nil {
		return 0, err
	}
	args, err := s.Env.EngineArgs(version, []string{"--tmp-dir=" + tmpDir})
	if err != nil {
		return 0, err
	}
	enginePath, err := s.Engine.EnginePath()
	if err != nil {
		return 0, err
	}
	env, err := s.Env.Environ(buildID)
	if err != nil {
		return 0, err
	}

	argv := append([]string{enginePath}, args...)
	argv = append(argv, s.Invocation.Args()...)

	run := s.RunDirect
	if run == nil {
		run = runAttached
	}
	return run(argv, env, s.Project.Root)
}

// Kill shuts down any running daemon and removes its on-disk state.  It is a
// no-op when no daemon is running.  It returns only after the socket is gone,
// so a subsequent launch never races a dying daemon.
func (s *Session) Kill() error {
	if _, err := os.Stat(s.Project.SocketPath()); err == nil {
		fmt.Fprintln(s.Stderr, "Shutting down the build daemon...")
		if err := s.Client.Shutdown(); err != nil && !isDaemonAbsent(err) {
			return fmt.Errorf("shut down daemon: %w", err)
		}
	}
	return s.Project.CleanUp()
}

func (s *Session) newBuildID() string {
	if s.NewBuildID != nil {
		return s.NewBuildID()
	}
	return uuid.NewString()
}
