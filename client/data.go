package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/bitvm/bridge/graphs"
)

// ErrInvalidData is returned for blobs that do not decode or hold a graph
// failing validation.
var ErrInvalidData = errors.New("invalid bridge data")

// BridgeData is the state every participant publishes to the blob store.
type BridgeData struct {
	// Version counts the writes the state went through. It is a
	// debugging hint and is never used to resolve conflicts.
	Version uint32 `json:"version"`

	PegInGraphs  []*graphs.PegInGraph  `json:"peg_in_graphs"`
	PegOutGraphs []*graphs.PegOutGraph `json:"peg_out_graphs"`
}

// newBridgeData returns the state of a participant that has seen nothing.
func newBridgeData() *BridgeData {
	return &BridgeData{
		Version:      1,
		PegInGraphs:  []*graphs.PegInGraph{},
		PegOutGraphs: []*graphs.PegOutGraph{},
	}
}

// decodeBridgeData parses a blob and validates every graph in it. A single
// invalid graph rejects the whole blob.
func decodeBridgeData(blob []byte) (*BridgeData, error) {
	data := newBridgeData()
	if err := json.Unmarshal(blob, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	for i, g := range data.PegInGraphs {
		if g == nil {
			return nil, fmt.Errorf("%w: peg-in graph %d is null",
				ErrInvalidData, i)
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
	}
	for i, g := range data.PegOutGraphs {
		if g == nil {
			return nil, fmt.Errorf("%w: peg-out graph %d is null",
				ErrInvalidData, i)
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
	}

	return data, nil
}

// Clone returns a deep copy.
func (d *BridgeData) Clone() *BridgeData {
	c := &BridgeData{
		Version:      d.Version,
		PegInGraphs:  make([]*graphs.PegInGraph, len(d.PegInGraphs)),
		PegOutGraphs: make([]*graphs.PegOutGraph, len(d.PegOutGraphs)),
	}
	for i, g := range d.PegInGraphs {
		c.PegInGraphs[i] = g.Clone()
	}
	for i, g := range d.PegOutGraphs {
		c.PegOutGraphs[i] = g.Clone()
	}

	return c
}

// PegInGraph returns the peg-in graph with the given id.
func (d *BridgeData) PegInGraph(id string) (*graphs.PegInGraph, bool) {
	return findGraph(d.PegInGraphs, id)
}

// PegOutGraph returns the peg-out graph with the given id.
func (d *BridgeData) PegOutGraph(id string) (*graphs.PegOutGraph, bool) {
	return findGraph(d.PegOutGraphs, id)
}

// merge unions other into d. Graphs known to both sides are merged, graphs
// that fail to merge are left as they are in d and their ids returned.
// Graphs are kept sorted by id so that merging in any order yields the same
// document.
func (d *BridgeData) merge(other *BridgeData) []string {
	var rejected []string

	pegIns, bad := mergeGraphs(d.PegInGraphs, other.PegInGraphs)
	d.PegInGraphs = pegIns
	rejected = append(rejected, bad...)

	pegOuts, bad := mergeGraphs(d.PegOutGraphs, other.PegOutGraphs)
	d.PegOutGraphs = pegOuts
	rejected = append(rejected, bad...)

	d.Version = max(d.Version, other.Version)

	return rejected
}

// graph is what the merge engine needs from a graph.
type graph[T any] interface {
	ID() string
	Merge(other T) error
	Clone() T
}

// findGraph returns the graph called id.
func findGraph[T graph[T]](gs []T, id string) (T, bool) {
	for _, g := range gs {
		if g.ID() == id {
			return g, true
		}
	}

	var zero T
	return zero, false
}

// mergeGraphs unions theirs into ours by id. Theirs is never modified and
// never aliased.
func mergeGraphs[T graph[T]](ours, theirs []T) ([]T, []string) {
	byID := make(map[string]T, len(ours))
	for _, g := range ours {
		byID[g.ID()] = g
	}

	var rejected []string
	for _, g := range theirs {
		id := g.ID()

		local, ok := byID[id]
		if !ok {
			c := g.Clone()
			byID[id] = c
			ours = append(ours, c)

			continue
		}

		if err := local.Merge(g); err != nil {
			log.Warnf("Rejecting graph %v from peer: %v", id, err)
			rejected = append(rejected, id)
		}
	}

	sort.Slice(ours, func(i, j int) bool {
		return ours[i].ID() < ours[j].ID()
	})

	return ours, rejected
}
