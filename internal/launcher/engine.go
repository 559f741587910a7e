package launcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// EngineResolver locates the opaque build engine and identifies its version.
// The launcher treats the engine as a black box: an executable plus a library
// search path, with a stable fingerprint of the code it will run.
type EngineResolver interface {
	// EnginePath returns the engine executable to spawn.
	EnginePath() (string, error)
	// EngineLibs returns the engine's library search path, exported to the
	// spawned process as FORGE_ENGINE_LIBS.  May be empty.
	EngineLibs() (string, error)
	// VersionFingerprint returns a stable content hash of the engine's code.
	// Two daemons are the same version iff their fingerprints are byte-equal.
	VersionFingerprint() (string, error)
}

// fileEngine resolves the engine from a configured executable path and hashes
// the binary itself as the version fingerprint.
type fileEngine struct {
	path string

	// cached after first computation; the binary does not change mid-session.
	fingerprint string
}

// NewFileEngine returns an EngineResolver for the executable at path, which
// may be bare (resolved on PATH) or absolute.
func NewFileEngine(path string) EngineResolver {
	return &fileEngine{path: path}
}

func (e *fileEngine) EnginePath() (string, error) {
	resolved, err := exec.LookPath(e.path)
	if err != nil {
		return "", fmt.Errorf("engine %q not found: %w", e.path, err)
	}
	return resolved, nil
}

func (e *fileEngine) EngineLibs() (string, error) {
	path, err := e.EnginePath()
	if err != nil {
		return "", err
	}
	libs := filepath.Join(filepath.Dir(path), "lib")
	if _, err := os.Stat(libs); err != nil {
		return "", nil
	}
	return libs, nil
}

func (e *fileEngine) VersionFingerprint() (string, error) {
	if e.fingerprint != "" {
		return e.fingerprint, nil
	}
	path, err := e.EnginePath()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint engine: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint engine: %w", err)
	}
	e.fingerprint = hex.EncodeToString(h.Sum(nil))
	return e.fingerprint, nil
}
