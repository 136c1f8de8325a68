package cell

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// ErrNoCells is returned by NewMesh without cells.
var ErrNoCells = errors.New("cell: mesh needs at least one cell")

// Mesh runs cells concurrently. Every correlation id is owned by exactly
// one cell, so the events of one correlation are processed in arrival order
// while independent correlations run in parallel.
type Mesh struct {
	cells  []*Cell
	logger *slog.Logger
}

// NewMesh creates a mesh over cells. Cells that should see each other's
// beliefs must be built WithBoard on the same board.
func NewMesh(logger *slog.Logger, cells ...*Cell) (*Mesh, error) {
	if len(cells) == 0 {
		return nil, ErrNoCells
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mesh{cells: cells, logger: logger.With("component", "mesh")}, nil
}

// Owner returns the index of the cell that owns correlationID.
func (m *Mesh) Owner(correlationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID))
	return int(h.Sum32() % uint32(len(m.cells)))
}

// Run consumes events until the channel closes or ctx is done. Outcomes
// are sent to results when it is non-nil. Invalid telemetry is logged and
// skipped; any other processing error stops the mesh.
func (m *Mesh) Run(ctx context.Context, events <-chan contracts.TelemetryEvent, results chan<- *Outcome) error {
	g, ctx := errgroup.WithContext(ctx)

	lanes := make([]chan contracts.TelemetryEvent, len(m.cells))
	for i := range lanes {
		lanes[i] = make(chan contracts.TelemetryEvent)
	}

	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				select {
				case lanes[m.Owner(ev.CorrelationID)] <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	for i, c := range m.cells {
		lane := lanes[i]
		g.Go(func() error {
			for ev := range lane {
				out, err := c.Process(ctx, ev)
				if errors.Is(err, ErrInvalidTelemetry) {
					m.logger.WarnContext(ctx, "telemetry skipped", "cell_id", c.ID(), "event_id", ev.EventID, "error", err)
					continue
				}
				if err != nil {
					return err
				}
				if results == nil {
					continue
				}
				select {
				case results <- out:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	return g.Wait()
}
