package launcher

// env.go – assembly of engine arguments and process environment for both the
// daemon spawn and one-shot engine runs.  Pure: reads its collaborators,
// mutates nothing global.

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// maxHeapMB is the fixed heap ceiling passed to every engine process.
const maxHeapMB = 1000

// Environment variables exported to the engine process (and forwarded with
// daemon run requests).
const (
	engineLibsEnv = "FORGE_ENGINE_LIBS"
	engineTTYEnv  = "FORGE_TTY"
	buildIDEnv    = "FORGE_BUILD_ID"
	launchMSEnv   = "FORGE_LAUNCH_MS"
)

// EnvironmentBuilder produces the ordered engine argument list and the
// process environment for launching the engine, directly or as a daemon.
type EnvironmentBuilder struct {
	Config    *Config
	Project   *Project
	Resources ResourceProvider
	Engine    EngineResolver

	// ExtraArgs lets embedding tools append arguments after the user-local
	// override but before the environment-variable override.
	ExtraArgs []string
}

// EngineArgs returns the engine arguments for the given version fingerprint.
// extraDefaults are caller-supplied defaults (daemon tuning, tmp dir) that
// land before any user override.
//
// Precedence, later wins by appending after earlier:
// built-in defaults → extraDefaults → .forgeargs → .forgeargs.local →
// ExtraArgs → FORGE_EXTRA_ENGINE_ARGS.
func (b *EnvironmentBuilder) EngineArgs(version string, extraDefaults []string) ([]string, error) {
	args := []string{
		fmt.Sprintf("--max-heap=%dm", maxHeapMB),
		"--headless",
		"--version-uid=" + version,
		"--daemon-dir=" + b.Project.StateDir(),
		"--resource-lock=" + b.Project.LockFile(),
	}

	for _, r := range ExportedResources {
		if !b.Resources.Has(r) {
			continue
		}
		path, err := b.Resources.Path(r)
		if err != nil {
			return nil, err
		}
		args = append(args, fmt.Sprintf("--resource=%s=%s", r.Name, path))
	}

	platform, err := b.platformArgs()
	if err != nil {
		return nil, err
	}
	args = append(args, platform...)

	if b.Config.Debug {
		args = append(args, "--debug-listen=127.0.0.1:8888")
	}
	if b.Config.Verbose {
		args = append(args, "--verbose-diagnostics")
	}

	args = append(args, extraDefaults...)
	args = append(args, b.Config.ProjectArgs...)
	args = append(args, b.Config.LocalArgs...)
	args = append(args, b.ExtraArgs...)
	args = append(args, b.Config.ExtraEngineArgs...)
	return args, nil
}

// platformArgs is the single place platform-conditional arguments live.
func (b *EnvironmentBuilder) platformArgs() ([]string, error) {
	if runtime.GOOS != "darwin" {
		return nil, nil
	}
	if !b.Resources.Has(nativeLibResource) {
		return nil, nil
	}
	path, err := b.Resources.Path(nativeLibResource)
	if err != nil {
		return nil, err
	}
	return []string{"--native-lib-path=" + filepath.Dir(path)}, nil
}

// Environ returns the process environment for an engine run: the captured
// base environment plus the engine library path, TTY flag, build id, and the
// launcher's own startup latency in milliseconds.
func (b *EnvironmentBuilder) Environ(buildID string) ([]string, error) {
	libs, err := b.Engine.EngineLibs()
	if err != nil {
		return nil, err
	}

	env := append([]string(nil), b.Config.BaseEnv...)
	if libs != "" {
		env = setEnv(env, engineLibsEnv, libs)
	}
	tty := "0"
	if b.Config.TTY {
		tty = "1"
	}
	env = setEnv(env, engineTTYEnv, tty)
	if buildID != "" {
		env = setEnv(env, buildIDEnv, buildID)
	}
	env = setEnv(env, launchMSEnv, strconv.FormatInt(time.Since(b.Config.StartTime).Milliseconds(), 10))
	return env, nil
}

// EnvironMap is Environ in map form, for the protocol's run request.
func (b *EnvironmentBuilder) EnvironMap(buildID string) (map[string]string, error) {
	env, err := b.Environ(buildID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// setEnv replaces key in env or appends it, returning the same slice.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
