package launcher

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

// InstallDiagnosticSignals makes SIGUSR1 dump all goroutine stacks to stderr
// without terminating the launcher.  Handy when a build appears hung and you
// want to know whether the launcher is waiting on the daemon or on itself.
func InstallDiagnosticSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		buf := make([]byte, 1<<20)
		for range ch {
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "forge: SIGUSR1 stack dump:\n%s\n", buf[:n])
		}
	}()
}
