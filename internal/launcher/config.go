package launcher

// config.go – the only place ambient process environment is read.  Everything
// downstream receives an immutable Config assembled once at session start.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Environment variables consumed by the launcher.
const (
	// EnvNoDaemon disables daemon usage entirely; every invocation runs the
	// engine as a short-lived subprocess.
	EnvNoDaemon = "FORGE_NO_DAEMON"
	// EnvDebug makes the engine listen for a remote debugger.
	EnvDebug = "FORGE_DEBUG"
	// EnvVerbose enables extra engine diagnostics.
	EnvVerbose = "FORGE_VERBOSE"
	// EnvExtraArgs is a shell-tokenized override appended after every other
	// engine-argument source, so operators can always force extra flags.
	EnvExtraArgs = "FORGE_EXTRA_ENGINE_ARGS"
)

// Names of the override files read from the project root.  Both hold a single
// shell-tokenized string of extra engine arguments; the .local variant is for
// per-user settings and wins over the project-level file.
const (
	projectArgsFile = ".forgeargs"
	localArgsFile   = ".forgeargs.local"
)

// projectConfigFile is the optional per-project YAML configuration.
const projectConfigFile = "forge.yaml"

// Config is the immutable session configuration.  It captures the ambient
// environment once; no other component reads environment variables.
type Config struct {
	NoDaemon bool
	Debug    bool
	Verbose  bool

	// ExtraEngineArgs comes from EnvExtraArgs, already shell-tokenized.
	ExtraEngineArgs []string
	// ProjectArgs and LocalArgs come from .forgeargs and .forgeargs.local.
	ProjectArgs []string
	LocalArgs   []string

	// Engine is the build-engine executable.  From forge.yaml, or "forged"
	// found next to the forge binary, or on PATH.
	Engine string
	// WatcherBin is the file-watching tool whose presence gates daemon use.
	WatcherBin string

	// Stdin is a terminal; forwarded to the daemon so builds can render
	// interactive output.
	TTY bool

	// BaseEnv is the captured process environment.
	BaseEnv []string

	// StartTime is when the launcher started; the milliseconds spent before
	// the request reaches the engine are forwarded as FORGE_LAUNCH_MS.
	StartTime time.Time
}

// projectYAML is the subset of forge.yaml the launcher cares about.
type projectYAML struct {
	Engine  string `yaml:"engine"`
	Watcher string `yaml:"watcher"`
}

// LoadConfig assembles the session configuration for the project at root.
// It is the single reader of ambient environment variables.
func LoadConfig(root string) (*Config, error) {
	cfg := &Config{
		NoDaemon:   os.Getenv(EnvNoDaemon) != "",
		Debug:      os.Getenv(EnvDebug) != "",
		Verbose:    os.Getenv(EnvVerbose) != "",
		WatcherBin: "watchman",
		TTY:        term.IsTerminal(int(os.Stdin.Fd())),
		BaseEnv:    os.Environ(),
		StartTime:  time.Now(),
	}

	if extra := os.Getenv(EnvExtraArgs); extra != "" {
		args, err := shlex.Split(extra)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvExtraArgs, err)
		}
		cfg.ExtraEngineArgs = args
	}

	var err error
	if cfg.ProjectArgs, err = loadArgsFile(filepath.Join(root, projectArgsFile)); err != nil {
		return nil, err
	}
	if cfg.LocalArgs, err = loadArgsFile(filepath.Join(root, localArgsFile)); err != nil {
		return nil, err
	}

	if err := loadProjectYAML(root, cfg); err != nil {
		return nil, err
	}
	if cfg.Engine == "" {
		cfg.Engine = defaultEngine()
	}
	return cfg, nil
}

// loadArgsFile reads and shell-tokenizes an override file.  A missing file is
// an empty override.
func loadArgsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	args, err := shlex.Split(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return args, nil
}

func loadProjectYAML(root string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Join(root, projectConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", projectConfigFile, err)
	}
	var py projectYAML
	if err := yaml.Unmarshal(data, &py); err != nil {
		return fmt.Errorf("parse %s: %w", projectConfigFile, err)
	}
	if py.Engine != "" {
		cfg.Engine = py.Engine
	}
	if py.Watcher != "" {
		cfg.WatcherBin = py.Watcher
	}
	return nil
}

// defaultEngine prefers a forged binary next to the forge executable, then
// falls back to PATH lookup at spawn time.
func defaultEngine() string {
	exe, err := os.Executable()
	if err != nil {
		return "forged"
	}
	candidate := filepath.Join(filepath.Dir(exe), "forged")
	if _, err := os.Stat(candidate); err != nil {
		return "forged"
	}
	return candidate
}
