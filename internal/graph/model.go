// Package graph holds reconciled records as vertices linked by typed
// parent/child edges that mirror foreign-key structure.
package graph

import (
	"errors"
	"slices"

	"github.com/Benny93/rowmerge/internal/record"
)

// VertexID addresses a vertex inside one RelationshipGraph. IDs are
// assigned in insertion order and never reused.
type VertexID uint64

var (
	// ErrVertexNotFound is returned for IDs that were never inserted or
	// have been removed.
	ErrVertexNotFound = errors.New("vertex not found")

	// ErrSelfLoop is returned when an operation would link a vertex to itself.
	ErrSelfLoop = errors.New("vertex cannot be linked to itself")
)

// TransferStats summarises one TransferRelationships call.
type TransferStats struct {
	// Moved counts edges re-pointed at the target.
	Moved int

	// Collapsed counts edges the target already had.
	Collapsed int

	// Dropped counts edges between source and target, which would have
	// become self loops.
	Dropped int
}

// edgeSet buckets neighbour IDs by the neighbour's record type.
type edgeSet map[string]map[VertexID]struct{}

func (e edgeSet) add(rtype string, id VertexID) bool {
	bucket, ok := e[rtype]
	if !ok {
		bucket = make(map[VertexID]struct{})
		e[rtype] = bucket
	}
	if _, exists := bucket[id]; exists {
		return false
	}
	bucket[id] = struct{}{}
	return true
}

// remove deletes id and drops the bucket once it is empty.
func (e edgeSet) remove(rtype string, id VertexID) bool {
	bucket, ok := e[rtype]
	if !ok {
		return false
	}
	if _, exists := bucket[id]; !exists {
		return false
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(e, rtype)
	}
	return true
}

func (e edgeSet) has(rtype string, id VertexID) bool {
	_, ok := e[rtype][id]
	return ok
}

func (e edgeSet) size() int {
	n := 0
	for _, bucket := range e {
		n += len(bucket)
	}
	return n
}

// snapshot returns the IDs in one bucket, or in every bucket when rtype is
// empty, sorted so callers see insertion order.
func (e edgeSet) snapshot(rtype string) []VertexID {
	var out []VertexID
	if rtype != "" {
		for id := range e[rtype] {
			out = append(out, id)
		}
	} else {
		for _, bucket := range e {
			for id := range bucket {
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return out
}

type vertex struct {
	id       VertexID
	rec      record.Record
	rtype    string
	children edgeSet
	parents  edgeSet
}

func newVertex(id VertexID, rec record.Record) *vertex {
	return &vertex{
		id:       id,
		rec:      rec,
		rtype:    rec.RecordType(),
		children: make(edgeSet),
		parents:  make(edgeSet),
	}
}
