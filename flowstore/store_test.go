package flowstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stepClock struct {
	at time.Time
}

func (c *stepClock) now() time.Time {
	c.at = c.at.Add(time.Second)
	return c.at
}

func testGraph(nodes, edges int) Graph {
	g := Graph{}
	for i := 0; i < nodes; i++ {
		g.Nodes = append(g.Nodes, json.RawMessage(`{"id":"n`+string(rune('a'+i))+`","type":"function"}`))
	}
	for i := 0; i < edges; i++ {
		g.Edges = append(g.Edges, json.RawMessage(`{"source":"na","target":"nb"}`))
	}
	return g
}

// runStoreSuite checks the behaviour every backend shares. corrupt stores an
// undecodable entry named id behind the store's back.
func runStoreSuite(t *testing.T, store Store, corrupt func(t *testing.T, id string)) {
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := store.Load(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InvalidID", func(t *testing.T) {
		_, err := store.Save(ctx, "../escape", testGraph(1, 0))
		require.ErrorIs(t, err, ErrInvalidFlowID)
		_, err = store.Load(ctx, "")
		require.ErrorIs(t, err, ErrInvalidFlowID)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		saved, err := store.Save(ctx, "first", testGraph(2, 1))
		require.NoError(t, err)
		assert.Equal(t, "first", saved.FlowID)
		assert.False(t, saved.SavedAt.IsZero())

		loaded, err := store.Load(ctx, "first")
		require.NoError(t, err)
		assert.Equal(t, "first", loaded.FlowID)
		assert.True(t, saved.SavedAt.Equal(loaded.SavedAt))
		require.Len(t, loaded.Nodes, 2)
		require.Len(t, loaded.Edges, 1)
		assert.JSONEq(t, `{"id":"na","type":"function"}`, string(loaded.Nodes[0]))
	})

	t.Run("EmptyGraph", func(t *testing.T) {
		_, err := store.Save(ctx, "empty", Graph{})
		require.NoError(t, err)
		loaded, err := store.Load(ctx, "empty")
		require.NoError(t, err)
		assert.NotNil(t, loaded.Nodes)
		assert.NotNil(t, loaded.Edges)
		assert.Empty(t, loaded.Nodes)
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.Save(ctx, "first", testGraph(3, 2))
		require.NoError(t, err)
		loaded, err := store.Load(ctx, "first")
		require.NoError(t, err)
		assert.Len(t, loaded.Nodes, 3)
		assert.Len(t, loaded.Edges, 2)
	})

	t.Run("ListNewestFirstSkippingCorrupt", func(t *testing.T) {
		corrupt(t, "broken")

		summaries, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)

		assert.Equal(t, "first", summaries[0].FlowID)
		assert.Equal(t, 3, summaries[0].NodeCount)
		assert.Equal(t, 2, summaries[0].EdgeCount)
		assert.Equal(t, "empty", summaries[1].FlowID)
		assert.True(t, summaries[0].SavedAt.After(summaries[1].SavedAt))
	})
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"default", true},
		{"my-flow_2", true},
		{"", false},
		{"a/b", false},
		{"..", false},
		{"with space", false},
		{string(make([]byte, 129)), false},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if tt.valid {
			assert.NoError(t, err, tt.id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidFlowID, tt.id)
		}
	}
}

func TestValidIDsAreAccepted(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.StringMatching(`[A-Za-z0-9_-]{1,128}`).Draw(rt, "id")
		if err := ValidateID(id); err != nil {
			rt.Fatalf("ValidateID(%q) = %v", id, err)
		}
	})
}

func TestSortSummaries(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	summaries := []Summary{
		{FlowID: "b", SavedAt: base},
		{FlowID: "c", SavedAt: base.Add(time.Minute)},
		{FlowID: "a", SavedAt: base},
	}
	sortSummaries(summaries)
	assert.Equal(t, "c", summaries[0].FlowID)
	assert.Equal(t, "a", summaries[1].FlowID)
	assert.Equal(t, "b", summaries[2].FlowID)
}
