// forge – launcher for the forge build engine.
//
// Usage:
//
//	forge [launcher flags] <command> [command args]
//
// forge keeps a long-lived build daemon warm per project root and forwards
// each invocation to it over a Unix socket, starting or replacing the daemon
// as needed.  With FORGE_NO_DAEMON set (or no file watcher installed) the
// engine runs as a plain subprocess instead.  Invocations with no command,
// or with --help after the command, never touch the daemon.
package main

import (
	"fmt"
	"os"

	"github.com/forgebuild/forge/internal/launcher"
)

func main() {
	launcher.InstallDiagnosticSignals()

	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}

	cfg, err := launcher.LoadConfig(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}

	inv := launcher.ParseInvocation(os.Args[1:])
	session := launcher.NewSession(cfg, root, inv)

	code, err := session.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}
