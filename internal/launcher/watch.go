package launcher

import "os/exec"

// WatchService is the file-watching collaborator whose presence gates daemon
// use.  Without it the engine falls back to a polling file watcher that is
// far too slow for a long-lived daemon, so the launcher refuses to start one.
type WatchService interface {
	Installed() bool
}

// lookPathWatchService reports the watcher installed when its binary is on
// PATH.
type lookPathWatchService struct {
	bin string
}

// NewWatchService returns the default WatchService for the named watcher
// binary (conventionally watchman).
func NewWatchService(bin string) WatchService {
	return lookPathWatchService{bin: bin}
}

func (w lookPathWatchService) Installed() bool {
	_, err := exec.LookPath(w.bin)
	return err == nil
}
