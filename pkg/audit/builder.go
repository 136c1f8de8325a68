package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
)

// ErrMissingCorrelation is returned when an envelope has no correlation id.
var ErrMissingCorrelation = errors.New("audit: correlation id is required")

// Sequencer hands out per-correlation sequence numbers paired with a
// monotonic logical timestamp. Within one correlation id, a larger sequence
// number always carries a strictly later timestamp, so the envelope total
// order matches emission order even under concurrent emitters.
type Sequencer struct {
	mu    sync.Mutex
	state map[string]*sequenceState
}

type sequenceState struct {
	next uint64
	last time.Time
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{state: make(map[string]*sequenceState)}
}

// Next reserves the next (sequence, timestamp) pair for correlationID.
func (s *Sequencer) Next(correlationID string, now time.Time) (uint64, time.Time) {
	now = now.UTC().Truncate(time.Microsecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[correlationID]
	if !ok {
		st = &sequenceState{}
		s.state[correlationID] = st
	}
	st.next++
	if !st.last.IsZero() && !now.After(st.last) {
		now = st.last.Add(time.Microsecond)
	}
	st.last = now
	return st.next, now
}

// Known reports whether correlationID has been sequenced or resumed.
func (s *Sequencer) Known(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state[correlationID]
	return ok
}

// Resume seeds the sequencer from an existing partition so appends after a
// restart continue the order.
func (s *Sequencer) Resume(correlationID string, lastSeq uint64, lastTimestamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[correlationID]
	if !ok {
		st = &sequenceState{}
		s.state[correlationID] = st
	}
	if lastSeq > st.next {
		st.next = lastSeq
	}
	if lastTimestamp.After(st.last) {
		st.last = lastTimestamp.UTC().Truncate(time.Microsecond)
	}
}

// Builder constructs envelopes.
type Builder struct {
	seq   *Sequencer
	clock func() time.Time
}

// NewBuilder creates a Builder. A nil clock uses time.Now.
func NewBuilder(seq *Sequencer, clock func() time.Time) *Builder {
	if seq == nil {
		seq = NewSequencer()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Builder{seq: seq, clock: clock}
}

// Sequencer exposes the builder's sequencer.
func (b *Builder) Sequencer() *Sequencer { return b.seq }

// NewEnvelope canonicalizes payload, hashes it, assigns the next sequence
// number for correlationID and derives the event id.
func (b *Builder) NewEnvelope(eventType EventType, actor, correlationID string, payload any, parentID string) (Envelope, error) {
	if correlationID == "" {
		return Envelope{}, ErrMissingCorrelation
	}
	if !eventType.Known() {
		return Envelope{}, fmt.Errorf("audit: unknown event type %q", eventType)
	}

	body, err := canonicalize.CanonicalJSON(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("audit: canonicalize %s payload: %w", eventType, err)
	}

	seq, ts := b.seq.Next(correlationID, b.clock())
	env := Envelope{
		Timestamp:      ts,
		EventType:      eventType,
		Actor:          actor,
		CorrelationID:  correlationID,
		Payload:        body,
		PayloadHash:    canonicalize.HashBytes(body),
		SequenceNumber: seq,
		ParentEventID:  parentID,
	}
	env.EventID, err = DeriveEventID(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("audit: derive event id: %w", err)
	}
	return env, nil
}
