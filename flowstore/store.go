package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// DefaultFlowID is used when a save request names no flow
const DefaultFlowID = "default"

var (
	// ErrNotFound is returned when a flow does not exist
	ErrNotFound = errors.New("flow not found")
	// ErrInvalidFlowID is returned for ids outside [A-Za-z0-9_-]{1,128}
	ErrInvalidFlowID = errors.New("invalid flow id")

	flowIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Graph is the editor's node and edge lists, kept as raw JSON
type Graph struct {
	Nodes []json.RawMessage `json:"nodes"`
	Edges []json.RawMessage `json:"edges"`
}

// Flow is a saved graph
type Flow struct {
	FlowID  string            `json:"flow_id"`
	SavedAt time.Time         `json:"saved_at"`
	Nodes   []json.RawMessage `json:"nodes"`
	Edges   []json.RawMessage `json:"edges"`
}

// Summary describes a saved flow without its graph
type Summary struct {
	FlowID    string    `json:"flow_id"`
	SavedAt   time.Time `json:"saved_at"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
}

// Backend names accepted by New
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Store persists flows
type Store interface {
	// Save creates or replaces the flow named id
	Save(ctx context.Context, id string, graph Graph) (Flow, error)
	// Load returns ErrNotFound for unknown ids
	Load(ctx context.Context, id string) (Flow, error)
	// List skips entries that cannot be decoded
	List(ctx context.Context) ([]Summary, error)
	// Backend names the storage backend
	Backend() string
	Close() error
}

// ValidateID checks a flow id
func ValidateID(id string) error {
	if !flowIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidFlowID, id)
	}
	return nil
}

func newFlow(id string, graph Graph, now time.Time) Flow {
	flow := Flow{
		FlowID:  id,
		SavedAt: now.UTC(),
		Nodes:   graph.Nodes,
		Edges:   graph.Edges,
	}
	if flow.Nodes == nil {
		flow.Nodes = []json.RawMessage{}
	}
	if flow.Edges == nil {
		flow.Edges = []json.RawMessage{}
	}
	return flow
}

// Summary returns the listing view of f
func (f Flow) Summary() Summary {
	return Summary{
		FlowID:    f.FlowID,
		SavedAt:   f.SavedAt,
		NodeCount: len(f.Nodes),
		EdgeCount: len(f.Edges),
	}
}

func decodeFlow(data []byte) (Flow, error) {
	var flow Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return Flow{}, fmt.Errorf("failed to decode flow: %w", err)
	}
	if flow.Nodes == nil {
		flow.Nodes = []json.RawMessage{}
	}
	if flow.Edges == nil {
		flow.Edges = []json.RawMessage{}
	}
	return flow, nil
}

func sortSummaries(summaries []Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].SavedAt.Equal(summaries[j].SavedAt) {
			return summaries[i].FlowID < summaries[j].FlowID
		}
		return summaries[i].SavedAt.After(summaries[j].SavedAt)
	})
}
