package launcher

import (
	"os"
)

// Handle represents one daemon instance for a project: where its socket
// lives, what version it was stamped with, and whether it is actually alive.
type Handle struct {
	Project *Project
	Client  *Client
}

// IsRunning reports whether a live daemon is serving the project socket.
// The socket file must exist and a status probe over it must succeed.  A
// refused or broken connection — a stale socket with nobody behind it — is
// "not running", not an error; other failures propagate.
func (h *Handle) IsRunning() (bool, error) {
	if _, err := os.Stat(h.Project.SocketPath()); err != nil {
		return false, nil
	}
	if err := h.Client.Status(); err != nil {
		if isDaemonAbsent(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordedVersion returns the fingerprint stamped by the last launch, or ""
// when unknown.  Unknown always compares as a mismatch.
func (h *Handle) RecordedVersion() string {
	return h.Project.RecordedVersion()
}
