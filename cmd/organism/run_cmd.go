package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/cell"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/intent"
	"github.com/Mindburn-Labs/organism/pkg/lookup"
	"github.com/Mindburn-Labs/organism/pkg/policy"
)

// outcomeLine is one line of `organism run` output.
type outcomeLine struct {
	CorrelationID  string            `json:"correlation_id"`
	DecisionID     string            `json:"decision_id,omitempty"`
	Stage          cell.Stage        `json:"stage"`
	Verdict        contracts.Verdict `json:"verdict,omitempty"`
	Rule           contracts.RuleID  `json:"rule,omitempty"`
	Action         string            `json:"action,omitempty"`
	IntentID       string            `json:"intent_id,omitempty"`
	ApprovalID     string            `json:"approval_id,omitempty"`
	LookupFailures int               `json:"lookup_failures,omitempty"`
}

func summarize(out *cell.Outcome) outcomeLine {
	l := outcomeLine{
		CorrelationID:  out.CorrelationID,
		DecisionID:     out.DecisionID,
		Stage:          out.Stage,
		ApprovalID:     out.ApprovalID,
		LookupFailures: len(out.LookupFailures),
	}
	if out.Verdict != nil {
		l.Verdict = out.Verdict.Verdict
		l.Rule = out.Verdict.DecidingRule()
	}
	if out.Local != nil {
		l.Action = out.Local.Action
	}
	if out.Intent != nil {
		l.IntentID = out.Intent.IntentID
	}
	return l
}

// runMeshCmd implements `organism run`: telemetry events, one JSON object
// per line, are processed by the cell mesh and one outcome line is printed
// per event.
//
// Exit codes:
//
//	0 = input consumed
//	3 = runtime error
func runMeshCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	input := cmd.String("input", "-", "Telemetry JSON lines, or - for stdin")
	cells := cmd.Int("cells", 0, "Number of cells (default: configured workers)")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = rt.Close(context.Background()) }()

	n := *cells
	if n <= 0 {
		n = rt.cfg.Workers
	}
	mesh, err := buildMesh(ctx, rt, n)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	events := make(chan contracts.TelemetryEvent)
	results := make(chan *cell.Outcome)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		dec := json.NewDecoder(r)
		for {
			var ev contracts.TelemetryEvent
			err := dec.Decode(&ev)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("decode telemetry: %w", err)
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		defer close(results)
		return mesh.Run(gctx, events, results)
	})
	g.Go(func() error {
		enc := json.NewEncoder(stdout)
		var werr error
		for out := range results {
			if werr == nil {
				werr = enc.Encode(summarize(out))
			}
		}
		return werr
	})
	if err := g.Wait(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func buildMesh(ctx context.Context, rt *app, n int) (*cell.Mesh, error) {
	intents := intent.NewStore(rt.bindings)
	src, err := buildSources(ctx, rt, intents)
	if err != nil {
		return nil, err
	}
	resolver := lookup.NewResolver(src, rt.cfg.LookupOptions(), rt.logger)
	builder := audit.NewBuilder(audit.NewSequencer(), nil)
	board := cell.NewBeliefBoard()

	cells := make([]*cell.Cell, 0, n)
	for i := 0; i < n; i++ {
		id := rt.cfg.CellID
		if n > 1 {
			id = fmt.Sprintf("%s-%d", rt.cfg.CellID, i+1)
		}
		c, err := cell.New(cell.Config{CellID: id, TenantID: rt.cfg.TenantID},
			audit.NewEmitter(builder, rt.audit, id, rt.logger),
			resolver,
			intents,
			cell.WithBoard(board),
			cell.WithTelemetry(rt.telemetry),
			cell.WithLogger(rt.logger),
		)
		if err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	return cell.NewMesh(rt.logger, cells...)
}

// buildSources wires the configured lookups. Anything left unconfigured
// resolves fail-closed.
func buildSources(ctx context.Context, rt *app, intents *intent.Store) (lookup.Sources, error) {
	cfg := rt.cfg
	src := lookup.Sources{Bindings: intents}

	if cfg.Redis.Addr != "" {
		client := lookup.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		rt.closers = append(rt.closers, client.Close)
		rs := lookup.NewRedisStore(client, cfg.Redis.Prefix)
		src.KillSwitch, src.Trust = rs, rs
	} else {
		rt.logger.WarnContext(ctx, "no redis configured; kill switch and trust resolve fail-closed")
	}

	verifier, err := policy.NewVerifier(cfg.Policy.MinVersion)
	if err != nil {
		return src, fmt.Errorf("policy min version: %w", err)
	}
	provider := policy.NewProvider(verifier)
	if cfg.Policy.BundlePath != "" {
		if err := provider.Load(cfg.Policy.BundlePath); err != nil {
			return src, fmt.Errorf("policy bundle: %w", err)
		}
	}
	src.Policy, src.Requirements = provider, provider

	if cfg.Approval.URL != "" {
		key, err := lookup.LoadEd25519PublicKey(cfg.Approval.PublicKeyPath)
		if err != nil {
			return src, fmt.Errorf("approval key: %w", err)
		}
		client, err := lookup.NewHTTPApprovalClient(cfg.Approval.URL, key, cfg.Approval.Issuer, nil)
		if err != nil {
			return src, err
		}
		src.Approvals = client
	}
	return src, nil
}
