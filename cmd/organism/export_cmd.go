package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/organism/pkg/archive"
)

// runExportCmd implements `organism export <correlation_id>`. It seals the
// correlation's trail into the configured archive and prints the segment.
//
// Exit codes:
//
//	0 = sealed (or already sealed)
//	3 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: organism export <correlation_id>")
		return exitError
	}
	correlationID := cmd.Arg(0)

	ctx := context.Background()
	rt, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = rt.Close(ctx) }()

	envs, err := rt.audit.Query(ctx, correlationID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if len(envs) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: no audit events for %s\n", correlationID)
		return exitError
	}

	backend, err := archive.Open(ctx, rt.cfg.Archive)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	seg, err := archive.Seal(ctx, backend, envs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	rt.logger.InfoContext(ctx, "segment sealed",
		"correlation_id", seg.CorrelationID,
		"digest", seg.Digest,
		"events", seg.Events,
		"existed", seg.Existed,
	)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(seg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}
