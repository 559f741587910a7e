// forged – the reference build-server daemon for the forge launcher.
//
// Usage:
//
//	forged [--listen <socket>] [--version-uid <fingerprint>] [engine flags…]
//
// forged is normally spawned by forge with the full engine argument list; it
// picks out the flags it understands and ignores the rest (heap, GC, and
// statistics tuning is meaningful to production engines, not to this one).
// It is started detached from any terminal and stays up until a shutdown
// request or an explicit signal.
package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/forgebuild/forge/internal/daemon"
)

// engineFlags are the spawn arguments forged acts on.
type engineFlags struct {
	listen     string
	versionUID string
	tmpDir     string
	noSignals  bool
}

// parseEngineFlags scans argv leniently: known --flag=value forms are
// captured, everything else is ignored so forged accepts any engine
// argument list the launcher assembles.
func parseEngineFlags(argv []string) engineFlags {
	var f engineFlags
	for _, arg := range argv {
		switch {
		case strings.HasPrefix(arg, "--listen="):
			f.listen = strings.TrimPrefix(arg, "--listen=")
		case strings.HasPrefix(arg, "--version-uid="):
			f.versionUID = strings.TrimPrefix(arg, "--version-uid=")
		case strings.HasPrefix(arg, "--tmp-dir="):
			f.tmpDir = strings.TrimPrefix(arg, "--tmp-dir=")
		case arg == "--no-default-signals":
			f.noSignals = true
		}
	}
	return f
}

func main() {
	log.SetPrefix("forged: ")
	log.SetFlags(log.LstdFlags)

	flags := parseEngineFlags(os.Args[1:])
	if flags.listen == "" {
		flags.listen = filepath.Join(".forged", "sock")
	}
	if flags.tmpDir != "" {
		os.Setenv("TMPDIR", flags.tmpDir)
	}

	if err := os.MkdirAll(filepath.Dir(flags.listen), 0o755); err != nil {
		log.Fatalf("create state dir: %v", err)
	}

	d := daemon.New(flags.versionUID)

	if flags.noSignals {
		// Signals aimed at the launcher must not stop the daemon; it exits
		// only via a shutdown request.
		signal.Ignore(syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	} else {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			log.Printf("received %v, shutting down", sig)
			os.Remove(flags.listen)
			os.Exit(0)
		}()
	}

	// The listener's own Close unlinks the socket; removing it again here
	// would race a replacement daemon that has already bound the same path.
	if err := d.Run(flags.listen); err != nil {
		log.Fatalf("daemon run: %v", err)
	}
}
