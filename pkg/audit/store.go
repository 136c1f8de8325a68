package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrDuplicateEvent = errors.New("audit: event already appended")
	ErrNotFound       = errors.New("audit: no events for correlation id")
)

// Store is the append-only audit log. Implementations must reject a second
// append of an existing event id and must return envelopes by value.
type Store interface {
	Append(ctx context.Context, env Envelope) error
	Query(ctx context.Context, correlationID string) ([]Envelope, error)
}

// Emitter builds envelopes and appends them to a Store.
type Emitter struct {
	builder *Builder
	store   Store
	actor   string
	logger  *slog.Logger
}

// NewEmitter creates an Emitter writing as actor.
func NewEmitter(builder *Builder, store Store, actor string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		builder: builder,
		store:   store,
		actor:   actor,
		logger:  logger.With("component", "audit"),
	}
}

// Emit records one event. The returned envelope is what was persisted.
// The first emit for a correlation id continues the sequence already in the
// store, so a restarted process appends after the existing partition.
func (e *Emitter) Emit(ctx context.Context, eventType EventType, correlationID string, payload any, parentID string) (Envelope, error) {
	if err := e.resume(ctx, correlationID); err != nil {
		return Envelope{}, err
	}
	env, err := e.builder.NewEnvelope(eventType, e.actor, correlationID, payload, parentID)
	if err != nil {
		return Envelope{}, err
	}
	if err := e.store.Append(ctx, env); err != nil {
		e.logger.ErrorContext(ctx, "audit append failed",
			"event_type", eventType,
			"correlation_id", correlationID,
			"event_id", env.EventID,
			"error", err,
		)
		return Envelope{}, fmt.Errorf("audit: append %s: %w", env.EventID, err)
	}
	e.logger.DebugContext(ctx, "audit event appended",
		"event_type", eventType,
		"correlation_id", correlationID,
		"event_id", env.EventID,
		"sequence", env.SequenceNumber,
	)
	return env, nil
}

func (e *Emitter) resume(ctx context.Context, correlationID string) error {
	seq := e.builder.Sequencer()
	if correlationID == "" || seq.Known(correlationID) {
		return nil
	}
	envs, err := e.store.Query(ctx, correlationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("audit: resume %s: %w", correlationID, err)
	}
	var (
		lastSeq uint64
		lastTS  time.Time
	)
	for _, env := range envs {
		if env.SequenceNumber > lastSeq {
			lastSeq = env.SequenceNumber
		}
		if env.Timestamp.After(lastTS) {
			lastTS = env.Timestamp
		}
	}
	seq.Resume(correlationID, lastSeq, lastTS)
	if lastSeq > 0 {
		e.logger.DebugContext(ctx, "sequence resumed from store",
			"correlation_id", correlationID,
			"sequence", lastSeq,
		)
	}
	return nil
}
