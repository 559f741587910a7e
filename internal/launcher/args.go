package launcher

// args.go – minimal command-line splitting.  The launcher does not interpret
// build commands; it only needs to know which token is the command, which
// flags precede it, and whether this invocation is a help request that
// should never touch the daemon.

// Invocation is the parsed form of a forge command line.  It is immutable
// once built; Args returns a fresh copy of the raw tokens.
type Invocation struct {
	raw []string

	// LauncherFlags are the tokens before the first non-flag token.
	LauncherFlags []string
	// Command is the first non-flag token, or "" if none was given.
	Command string
	// CommandArgs are all tokens after the command, flags and operands alike.
	CommandArgs []string
}

// ParseInvocation splits argv (excluding the program name) into launcher
// flags, the command, and command arguments.  Everything after the command is
// a command argument, even if it looks like a launcher flag.
func ParseInvocation(argv []string) *Invocation {
	inv := &Invocation{raw: append([]string(nil), argv...)}
	for _, arg := range argv {
		switch {
		case inv.Command != "":
			inv.CommandArgs = append(inv.CommandArgs, arg)
		case len(arg) > 0 && arg[0] == '-':
			inv.LauncherFlags = append(inv.LauncherFlags, arg)
		default:
			inv.Command = arg
		}
	}
	return inv
}

// IsHelp reports whether this invocation only prints help and must not start
// or talk to a daemon.  "forge --help clean" is not a help invocation;
// "forge clean --help" and a bare "forge --version" are.
func (inv *Invocation) IsHelp() bool {
	if inv.Command == "" {
		return true
	}
	for _, arg := range inv.CommandArgs {
		if arg == "--help" {
			return true
		}
	}
	return false
}

// Args returns a copy of the raw tokens, suitable for forwarding verbatim.
func (inv *Invocation) Args() []string {
	return append([]string(nil), inv.raw...)
}
