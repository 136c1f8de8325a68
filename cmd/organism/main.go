package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes. Replay maps its result onto the first three.
const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
	exitError   = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitError
	}

	switch args[1] {
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "run":
		return runMeshCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitError
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "organism - autonomous cell defense mesh")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  organism <command> [flags] [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  replay [--from-archive] <correlation_id>  Replay and verify a decision trail (exit 0 SUCCESS, 1 FAILURE, 2 PARTIAL, 3 error)")
	_, _ = fmt.Fprintln(w, "  evaluate --input <file.json>              Evaluate an arbitration input snapshot and print the verdict")
	_, _ = fmt.Fprintln(w, "  export <correlation_id>                   Seal a correlation's audit trail into the archive")
	_, _ = fmt.Fprintln(w, "  run [--input <file.jsonl>] [--cells n]    Process telemetry (JSON lines) through the cell mesh")
	_, _ = fmt.Fprintln(w, "  help                                      Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from ORGANISM_* environment variables and the YAML file named by ORGANISM_CONFIG.")
}
