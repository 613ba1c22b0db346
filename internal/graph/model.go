// Package graph projects events into the property graph. Every write is an
// idempotent merge keyed by a node kind's natural key, and one Batch is
// applied in one transaction.
package graph

import (
	"fmt"
)

// NodeKind is a node label plus the property that identifies a node.
type NodeKind struct {
	Label string
	Key   string
}

// Node kinds.
var (
	Camera        = NodeKind{Label: "Camera", Key: "id"}
	Event         = NodeKind{Label: "Event", Key: "id"}
	Tag           = NodeKind{Label: "Tag", Key: "name"}
	FaceIdentity  = NodeKind{Label: "FaceIdentity", Key: "id"}
	PlateIdentity = NodeKind{Label: "PlateIdentity", Key: "id"}
	Watchlist     = NodeKind{Label: "Watchlist", Key: "id"}
	ImageByID     = NodeKind{Label: "Image", Key: "id"}
	ImageByURL    = NodeKind{Label: "Image", Key: "url"}
	ImageByPath   = NodeKind{Label: "Image", Key: "path"}
	Detection     = NodeKind{Label: "Detection", Key: "id"}
)

// Relationship types.
const (
	Generated    = "GENERATED"
	HasSnapshot  = "HAS_SNAPSHOT"
	Tagged       = "TAGGED"
	MatchedFace  = "MATCHED_FACE"
	MatchedPlate = "MATCHED_PLATE"
	InList       = "IN_LIST"
	HasDetection = "HAS_DETECTION"
)

// Kinds lists every node kind, for schema setup.
func Kinds() []NodeKind {
	return []NodeKind{Camera, Event, Tag, FaceIdentity, PlateIdentity, Watchlist, ImageByID, ImageByURL, ImageByPath, Detection}
}

// Ref addresses a node by kind and key value.
type Ref struct {
	Kind NodeKind
	Key  any
}

func (r Ref) String() string {
	return fmt.Sprintf("%s{%s:%v}", r.Kind.Label, r.Kind.Key, r.Key)
}

// Node is a merge of one node. With CreateOnly, Props are written only
// when the node is created.
type Node struct {
	Ref
	Props      map[string]any
	CreateOnly bool
}

// Edge is a merge of one relationship between two existing nodes.
type Edge struct {
	Type  string
	From  Ref
	To    Ref
	Props map[string]any
}

// Batch is an ordered set of merges applied atomically. Nodes are merged
// before edges.
type Batch struct {
	Nodes []Node
	Edges []Edge
}

// Empty reports whether the batch has nothing to write.
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Nodes) == 0 && len(b.Edges) == 0)
}

// Node adds a node merge and returns its ref. A nil or empty key is
// dropped, returning ok false.
func (b *Batch) Node(kind NodeKind, key any, props map[string]any) (Ref, bool) {
	ref := Ref{Kind: kind, Key: key}
	if isBlank(key) {
		return ref, false
	}
	b.Nodes = append(b.Nodes, Node{Ref: ref, Props: compact(props)})
	return ref, true
}

// NodeOnCreate is Node with properties written only on creation.
func (b *Batch) NodeOnCreate(kind NodeKind, key any, props map[string]any) (Ref, bool) {
	ref, ok := b.Node(kind, key, props)
	if ok {
		b.Nodes[len(b.Nodes)-1].CreateOnly = true
	}
	return ref, ok
}

// Edge adds a relationship merge.
func (b *Batch) Edge(typ string, from, to Ref, props map[string]any) {
	b.Edges = append(b.Edges, Edge{Type: typ, From: from, To: to, Props: compact(props)})
}

// compact drops nil and empty-string values and dereferences pointers.
// Graph properties cannot hold null.
func compact(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if isBlank(v) {
			continue
		}
		switch t := v.(type) {
		case *string:
			out[k] = *t
		case *float64:
			out[k] = *t
		case *int64:
			out[k] = *t
		default:
			out[k] = v
		}
	}
	return out
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case *string:
		return t == nil || *t == ""
	case *float64:
		return t == nil
	case *int64:
		return t == nil
	}
	return false
}
