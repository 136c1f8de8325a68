package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
)

var (
	ErrEmptySegment      = errors.New("archive: no envelopes to seal")
	ErrMixedCorrelations = errors.New("archive: envelopes span several correlation ids")
)

// Segment describes one sealed correlation partition.
type Segment struct {
	CorrelationID string `json:"correlation_id"`
	Digest        string `json:"digest"`
	Key           string `json:"key"`
	Events        int    `json:"events"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
	// Existed is true when an identical segment was already archived.
	Existed bool `json:"existed"`
}

const digestPrefix = "sha256:"

func segmentKey(digest string) string {
	return "segments/" + strings.TrimPrefix(digest, digestPrefix) + ".jsonl"
}

func refKey(correlationID string) string {
	return "refs/" + canonicalize.StableHash(correlationID) + ".ref"
}

// Seal writes the partition in replay order as JSONL under its own digest
// and points the correlation ref at it. Envelopes are written byte for byte,
// so a segment keeps any tampering it was sealed with for replay to find.
func Seal(ctx context.Context, b Backend, envs []audit.Envelope) (Segment, error) {
	if len(envs) == 0 {
		return Segment{}, ErrEmptySegment
	}
	corr := envs[0].CorrelationID
	for _, e := range envs[1:] {
		if e.CorrelationID != corr {
			return Segment{}, fmt.Errorf("%w: %s and %s", ErrMixedCorrelations, corr, e.CorrelationID)
		}
	}

	sorted := audit.Sorted(envs)
	var buf bytes.Buffer
	if err := audit.WriteJSONL(&buf, sorted); err != nil {
		return Segment{}, fmt.Errorf("archive: encode segment: %w", err)
	}
	data := buf.Bytes()

	seg := Segment{
		CorrelationID: corr,
		Digest:        digestPrefix + canonicalize.HashBytes(data),
		Events:        len(sorted),
		FirstSequence: sorted[0].SequenceNumber,
		LastSequence:  sorted[len(sorted)-1].SequenceNumber,
	}
	seg.Key = segmentKey(seg.Digest)

	exists, err := b.Exists(ctx, seg.Key)
	if err != nil {
		return Segment{}, err
	}
	seg.Existed = exists
	if !exists {
		if err := b.Put(ctx, seg.Key, data); err != nil {
			return Segment{}, err
		}
	}
	if err := b.Put(ctx, refKey(corr), []byte(seg.Digest)); err != nil {
		return Segment{}, err
	}
	return seg, nil
}

// OpenSegment reads a segment and checks it against its digest.
func OpenSegment(ctx context.Context, b Backend, digest string) ([]audit.Envelope, error) {
	if !strings.HasPrefix(digest, digestPrefix) {
		return nil, fmt.Errorf("%w: digest %q", ErrInvalidKey, digest)
	}
	data, err := b.Get(ctx, segmentKey(digest))
	if err != nil {
		return nil, err
	}
	if actual := digestPrefix + canonicalize.HashBytes(data); actual != digest {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, digest, actual)
	}
	return audit.ReadJSONL(bytes.NewReader(data))
}

// Resolve returns the digest of the latest segment sealed for correlationID.
func Resolve(ctx context.Context, b Backend, correlationID string) (string, error) {
	ref, err := b.Get(ctx, refKey(correlationID))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ref)), nil
}

// SegmentSource serves archived partitions to the replay engine.
type SegmentSource struct {
	Backend Backend
}

// Query resolves the correlation ref and returns the verified segment.
func (s SegmentSource) Query(ctx context.Context, correlationID string) ([]audit.Envelope, error) {
	digest, err := Resolve(ctx, s.Backend, correlationID)
	if err != nil {
		return nil, err
	}
	return OpenSegment(ctx, s.Backend, digest)
}
