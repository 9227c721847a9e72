package cli

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
)

var (
	rootStdout   io.Writer = os.Stdout
	rootStderr   io.Writer = os.Stderr
	buildVersion           = "dev"
)

func init() {
	buildVersion = resolveBuildVersion(buildVersion)
}

func handleRootFlags(args []string) (bool, int) {
	if len(args) != 1 {
		return false, 0
	}

	switch args[0] {
	case "--version", "-V":
		fmt.Fprintf(rootStdout, "toolgate %s\n", buildVersion)
		return true, 0
	case "--help", "-h", "help":
		printRootHelp(rootStdout)
		return true, 0
	default:
		return false, 0
	}
}

func resolveBuildVersion(defaultVersion string) string {
	if defaultVersion != "" && defaultVersion != "dev" {
		return defaultVersion
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return defaultVersion
	}
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return defaultVersion
	}
	return info.Main.Version
}

func printRootHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  toolgate                                   Show server status")
	fmt.Fprintln(out, "  toolgate tools [-v] [--json]               List the capability catalog")
	fmt.Fprintln(out, "  toolgate ask [FLAGS] QUERY...              Answer one query")
	fmt.Fprintln(out, "  toolgate chat [--session ID]               Interactive conversation")
	fmt.Fprintln(out, "  toolgate reconnect NAME                    Reconnect one server")
	fmt.Fprintln(out, "  toolgate sessions [--limit N] [--json]     List persisted sessions")
	fmt.Fprintln(out, "  toolgate add NAME [--url URL | -- CMD...]  Add a server to the config")
	fmt.Fprintln(out, "  toolgate shutdown                          Stop the daemon")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Global flags:")
	fmt.Fprintln(out, "  --help, -h       Show help")
	fmt.Fprintln(out, "  --version, -V    Show version")
}
