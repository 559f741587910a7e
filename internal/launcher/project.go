package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// stateDirName is the per-project state directory that holds the daemon
// socket, version stamp, lock file, and temp directories.
const stateDirName = ".forged"

// Project is the on-disk layout for one project root.  The socket path and
// version-stamp file under StateDir are the only cross-process shared state;
// all mutation of them is sequenced by the single session for this root.
type Project struct {
	Root string
}

// StateDir returns the project-local daemon state directory.
func (p *Project) StateDir() string {
	return filepath.Join(p.Root, stateDirName)
}

// SocketPath returns the daemon's Unix socket path.
func (p *Project) SocketPath() string {
	return filepath.Join(p.StateDir(), "sock")
}

// VersionFile returns the path of the version-stamp file: plain text holding
// the fingerprint of the last daemon launched for this project.
func (p *Project) VersionFile() string {
	return filepath.Join(p.StateDir(), "version")
}

// LockFile returns the coordination file path forwarded into the daemon's
// environment for its own resource cleanup coordination.
func (p *Project) LockFile() string {
	return filepath.Join(p.StateDir(), "lock")
}

// CreateTmpDir allocates a fresh private temp directory for one daemon
// instance under the state directory.
func (p *Project) CreateTmpDir() (string, error) {
	base := filepath.Join(p.StateDir(), "tmp")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, "daemon-")
}

// RecordedVersion reads the version-stamp file.  An absent or unreadable file
// is "unknown", which callers treat as a version mismatch.
func (p *Project) RecordedVersion() string {
	data, err := os.ReadFile(p.VersionFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveVersion writes the version-stamp file.  Called immediately after a
// daemon spawn, before the socket is confirmed; a crashed daemon is detected
// by connect failure later, not by stamp absence.
func (p *Project) SaveVersion(fingerprint string) error {
	if err := os.MkdirAll(p.StateDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.VersionFile(), []byte(fingerprint+"\n"), 0o644)
}

// RemoveSocket unlinks the daemon socket.  Absence is not an error; any other
// removal failure is.
func (p *Project) RemoveSocket() error {
	if err := os.Remove(p.SocketPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// CleanUp tears down daemon state after a kill: the socket, the version
// stamp, and any per-instance temp directories.  Best effort except for the
// socket, whose survival would shadow the next daemon.
func (p *Project) CleanUp() error {
	if err := p.RemoveSocket(); err != nil {
		return err
	}
	os.Remove(p.VersionFile())
	os.RemoveAll(filepath.Join(p.StateDir(), "tmp"))
	return nil
}
