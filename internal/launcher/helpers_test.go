package launcher

// Shared test fakes for the launcher's collaborators.

import (
	"time"
)

// fakeResources serves a fixed name → path map.
type fakeResources struct {
	paths map[string]string
}

func (f fakeResources) Has(r Resource) bool {
	_, ok := f.paths[r.Name]
	return ok
}

func (f fakeResources) Path(r Resource) (string, error) {
	return f.paths[r.Name], nil
}

// fakeEngine is a canned EngineResolver.
type fakeEngine struct {
	path    string
	libs    string
	version string
	err     error
}

func (f fakeEngine) EnginePath() (string, error)         { return f.path, f.err }
func (f fakeEngine) EngineLibs() (string, error)         { return f.libs, f.err }
func (f fakeEngine) VersionFingerprint() (string, error) { return f.version, f.err }

// fakeWatcher reports a fixed installation state.
type fakeWatcher struct {
	installed bool
}

func (f fakeWatcher) Installed() bool { return f.installed }

// testConfig returns a minimal Config for unit tests.
func testConfig() *Config {
	return &Config{
		WatcherBin: "watchman",
		BaseEnv:    []string{"PATH=/usr/bin", "HOME=/home/dev"},
		StartTime:  time.Now(),
	}
}
