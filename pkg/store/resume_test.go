package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/replay"
	"github.com/Mindburn-Labs/organism/pkg/store"
)

// emitOnce opens the file store as a fresh process would, emits one event
// for corr and closes it.
func emitOnce(t *testing.T, path, corr, source string) audit.Envelope {
	t.Helper()
	s, err := store.OpenFileAuditStore(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	em := audit.NewEmitter(audit.NewBuilder(audit.NewSequencer(), nil), s, "cell-a", nil)
	env, err := em.Emit(context.Background(), audit.EventTelemetryIngested, corr, map[string]any{"source": source}, "")
	require.NoError(t, err)
	return env
}

func TestFileAuditStore_SequenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	first := emitOnce(t, path, "corr", "edr")
	second := emitOnce(t, path, "corr", "ids")

	assert.Equal(t, uint64(1), first.SequenceNumber)
	assert.Equal(t, uint64(2), second.SequenceNumber)
	assert.True(t, second.Timestamp.After(first.Timestamp))

	s, err := store.OpenFileAuditStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rep, err := replay.NewEngine(s).Replay(context.Background(), "corr")
	require.NoError(t, err)
	assert.Equal(t, replay.StateSuccess, rep.Result)
	assert.True(t, rep.ChronologyVerified)
	assert.Empty(t, rep.Failures)
	assert.Equal(t, 2, rep.EventsProcessed)
}
