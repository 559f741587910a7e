//go:build integration

// Integration tests for forge + forged.
//
// Each test builds the binaries once (via TestMain), creates an isolated
// project root, injects a mock `watchman` script so no real watchman install
// is required, and then runs actual `forge` / `forged` processes.  The daemon
// forge launches is detached, so every test environment shuts it down through
// `forge clean` in cleanup.
//
// Run with:
//
//	go test -tags=integration -v ./test/
//	go test -tags=integration -run TestDaemonRoundTrip -v ./test/

package integration_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Paths to the compiled binaries, set once in TestMain.
var (
	forgeBin  string
	forgedBin string
)

// mockWatchmanScript satisfies the launcher's PATH probe for the file-watching
// tool; the launcher never actually invokes it.
const mockWatchmanScript = `#!/bin/sh
exit 0
`

// echoEngineScript stands in for the engine on direct (no-daemon) runs: it
// prints a marker plus its arguments and exits 0.
const echoEngineScript = `#!/bin/sh
echo "engine-ran $@"
exit 0
`

func TestMain(m *testing.M) {
	root := moduleRoot()

	tmpBin, err := os.MkdirTemp("", "forge-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	forgeBin = filepath.Join(tmpBin, "forge")
	forgedBin = filepath.Join(tmpBin, "forged")

	for _, b := range []struct{ out, pkg string }{
		{forgeBin, "./cmd/forge"},
		{forgedBin, "./cmd/forged"},
	} {
		cmd := exec.Command("go", "build", "-o", b.out, b.pkg)
		cmd.Dir = root
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			panic("build " + b.pkg + ": " + err.Error())
		}
	}

	os.Exit(m.Run())
}

// moduleRoot returns the path to the Go module root (one level up from test/).
func moduleRoot() string {
	abs, err := filepath.Abs("..")
	if err != nil {
		panic(err)
	}
	return abs
}

// ── Test environment ──────────────────────────────────────────────────────────

type testEnv struct {
	t           *testing.T
	projectRoot string
	binDir      string // contains mock watchman, appears first on PATH
	extraEnv    []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	projectRoot := t.TempDir()
	binDir := t.TempDir()

	mockPath := filepath.Join(binDir, "watchman")
	require.NoError(t, os.WriteFile(mockPath, []byte(mockWatchmanScript), 0o755))

	// Point the engine at the forged binary so daemon runs have a real peer.
	forgeYAML := "engine: " + forgedBin + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "forge.yaml"), []byte(forgeYAML), 0o644))

	env := &testEnv{
		t:           t,
		projectRoot: projectRoot,
		binDir:      binDir,
	}
	t.Cleanup(env.cleanup)
	return env
}

// useEchoEngine swaps the configured engine for the echo script, for direct
// runs that must not start a daemon.
func (e *testEnv) useEchoEngine() string {
	e.t.Helper()
	script := filepath.Join(e.binDir, "echo-engine")
	require.NoError(e.t, os.WriteFile(script, []byte(echoEngineScript), 0o755))
	forgeYAML := "engine: " + script + "\n"
	require.NoError(e.t, os.WriteFile(filepath.Join(e.projectRoot, "forge.yaml"), []byte(forgeYAML), 0o644))
	return script
}

func (e *testEnv) envVars() []string {
	return append(os.Environ(),
		"PATH="+e.binDir+":"+os.Getenv("PATH"),
	)
}

// forge runs a forge invocation in the project root and returns (trimmed
// combined output, error).
func (e *testEnv) forge(args ...string) (string, error) {
	cmd := exec.Command(forgeBin, args...)
	cmd.Dir = e.projectRoot
	cmd.Env = append(e.envVars(), e.extraEnv...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// forgeOK runs a forge invocation and fatals if it returns an error.
func (e *testEnv) forgeOK(args ...string) string {
	e.t.Helper()
	out, err := e.forge(args...)
	require.NoError(e.t, err, "forge %v\n%s", args, out)
	return out
}

func (e *testEnv) socketPath() string {
	return filepath.Join(e.projectRoot, ".forged", "sock")
}

func (e *testEnv) cleanup() {
	// Tears down any detached daemon left behind by the test.
	_, _ = e.forge("clean")
}

// ── Tests ─────────────────────────────────────────────────────────────────────

// TestDaemonRoundTrip launches the daemon on first use and streams a build's
// output back through it.
func TestDaemonRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	out := env.forgeOK("echo", "hello")
	assert.Contains(t, out, "Using watchman.")
	assert.Contains(t, out, "hello")

	// Launch left its on-disk state behind.
	assert.FileExists(t, env.socketPath())
	assert.FileExists(t, filepath.Join(env.projectRoot, ".forged", "version"))
}

// TestDaemonReuse verifies the second invocation talks to the daemon the
// first one launched instead of starting another.
func TestDaemonReuse(t *testing.T) {
	env := newTestEnv(t)

	first := env.forgeOK("echo", "one")
	assert.Contains(t, first, "Using watchman.")

	second := env.forgeOK("echo", "two")
	assert.NotContains(t, second, "Using watchman.", "second run must reuse the daemon")
	assert.Contains(t, second, "two")
}

// TestNonzeroExitCodePropagates checks the build's exit code travels back to
// the forge process exit status.
func TestNonzeroExitCodePropagates(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.forge("sh", "-c", "exit 9")
	var ee *exec.ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 9, ee.ExitCode())
}

// TestCleanShutsDownDaemon runs a build, then checks `forge clean` tears the
// daemon and its state down.
func TestCleanShutsDownDaemon(t *testing.T) {
	env := newTestEnv(t)

	env.forgeOK("echo", "warmup")
	require.FileExists(t, env.socketPath())

	out := env.forgeOK("clean")
	assert.Contains(t, out, "Shutting down the build daemon...")
	assert.NoFileExists(t, env.socketPath())
	assert.NoFileExists(t, filepath.Join(env.projectRoot, ".forged", "version"))
}

// TestVersionMismatchRestartsDaemon corrupts the version stamp and checks the
// next invocation kills the stale daemon before launching a fresh one.
func TestVersionMismatchRestartsDaemon(t *testing.T) {
	env := newTestEnv(t)

	env.forgeOK("echo", "warmup")
	stamp := filepath.Join(env.projectRoot, ".forged", "version")
	require.NoError(t, os.WriteFile(stamp, []byte("someone-elses-build\n"), 0o644))

	out := env.forgeOK("echo", "after-upgrade")
	assert.Contains(t, out, "Shutting down the build daemon...")
	assert.Contains(t, out, "Using watchman.")
	assert.Contains(t, out, "after-upgrade")
}

// TestNoDaemonRunsDirect sets FORGE_NO_DAEMON and checks the engine runs as a
// foreground subprocess with no daemon state created.
func TestNoDaemonRunsDirect(t *testing.T) {
	env := newTestEnv(t)
	env.useEchoEngine()
	env.extraEnv = []string{"FORGE_NO_DAEMON=1"}

	out := env.forgeOK("build", "//app")
	assert.Contains(t, out, "Not using the build daemon because FORGE_NO_DAEMON is set.")
	assert.Contains(t, out, "engine-ran")
	assert.Contains(t, out, "//app")
	assert.NoFileExists(t, env.socketPath())
}

// TestWatcherMissingRunsDirect removes the mock watchman and checks the
// launcher falls back to a direct run with a rationale message.
func TestWatcherMissingRunsDirect(t *testing.T) {
	env := newTestEnv(t)
	env.useEchoEngine()
	require.NoError(t, os.Remove(filepath.Join(env.binDir, "watchman")))
	// Hide any real watchman install from the forge process.
	env.extraEnv = []string{"PATH=" + env.binDir}

	out := env.forgeOK("build")
	assert.Contains(t, out, "Not using the build daemon because watchman isn't installed.")
	assert.Contains(t, out, "engine-ran")
	assert.NoFileExists(t, env.socketPath())
}

// TestStdinReachesBuild pipes stdin through the daemon into the build.
func TestStdinReachesBuild(t *testing.T) {
	env := newTestEnv(t)

	cmd := exec.Command(forgeBin, "cat")
	cmd.Dir = env.projectRoot
	cmd.Env = env.envVars()
	cmd.Stdin = strings.NewReader("through the pipe\n")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "forge cat\n%s", out)
	assert.Contains(t, string(out), "through the pipe")
}

// TestCleanWithoutDaemonIsQuiet checks clean is a no-op when nothing runs.
func TestCleanWithoutDaemonIsQuiet(t *testing.T) {
	env := newTestEnv(t)

	out := env.forgeOK("clean")
	assert.NotContains(t, out, "Shutting down")
}

// TestDaemonSurvivesLauncherExit checks the daemon keeps serving after the
// forge process that launched it is gone.
func TestDaemonSurvivesLauncherExit(t *testing.T) {
	env := newTestEnv(t)

	env.forgeOK("echo", "launching")

	// The launching process has exited; the socket must still answer.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(env.socketPath()); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	out := env.forgeOK("echo", "still-there")
	assert.NotContains(t, out, "Using watchman.")
	assert.Contains(t, out, "still-there")
}
