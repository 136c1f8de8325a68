package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/organism/pkg/archive"
	"github.com/Mindburn-Labs/organism/pkg/replay"
)

// runReplayCmd implements `organism replay <correlation_id>`.
//
// Exit codes:
//
//	0 = SUCCESS
//	1 = FAILURE
//	2 = PARTIAL
//	3 = runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	fromArchive := cmd.Bool("from-archive", false, "Replay the sealed segment instead of the live audit store")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: organism replay [--from-archive] <correlation_id>")
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

	var src replay.Source = rt.audit
	if *fromArchive {
		backend, err := archive.Open(ctx, rt.cfg.Archive)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		src = archive.SegmentSource{Backend: backend}
	}

	ctx, done := rt.telemetry.TrackOperation(ctx, "replay")
	rep, err := replay.NewEngine(src, replay.WithLogger(rt.logger)).Replay(ctx, correlationID)
	done(err)
	if rep != nil {
		rt.telemetry.RecordReplay(ctx, string(rep.Result))
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return rep.ExitCode()
}
