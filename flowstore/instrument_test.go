package flowstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedOp struct {
	op      string
	backend string
	failed  bool
}

type mockRecorder struct {
	ops []recordedOp
}

func (m *mockRecorder) FlowOperation(op, backend string, err error) {
	m.ops = append(m.ops, recordedOp{op: op, backend: backend, failed: err != nil})
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFileStore(zaptest.NewLogger(t), t.TempDir())
	require.NoError(t, err)

	recorder := &mockRecorder{}
	store := Instrument(inner, zaptest.NewLogger(t), recorder)
	assert.Equal(t, BackendFile, store.Backend())

	_, err = store.Save(ctx, "one", testGraph(1, 0))
	require.NoError(t, err)
	_, err = store.Load(ctx, "one")
	require.NoError(t, err)
	_, err = store.Load(ctx, "two")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.List(ctx)
	require.NoError(t, err)

	assert.Equal(t, []recordedOp{
		{op: "save", backend: "file"},
		{op: "load", backend: "file"},
		{op: "load", backend: "file"},
		{op: "list", backend: "file"},
	}, recorder.ops)
}
