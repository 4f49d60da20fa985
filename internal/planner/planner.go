// Package planner assigns composition layers to hardware planes.
//
// Assignment is greedy and order preserving: each layer takes the first
// remaining plane of the pool that can scan it out, and every plane passed
// over on the way is consumed too. The pool order therefore decides which
// plane a layer gets when several qualify.
package planner

import (
	"errors"
	"fmt"
	"slices"

	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/layer"
)

// ErrPoolExhausted is returned when a layer finds no compatible plane. The
// caller should compose that layer on the GPU and plan again.
var ErrPoolExhausted = errors.New("plane pool exhausted")

// Entry assigns one layer to one plane.
type Entry struct {
	Layer *layer.Layer
	Plane *kms.Plane
	ZPos  int
}

// Plan is the outcome of planning one frame.
type Plan struct {
	Entries []Entry
	// Unused planes must be disabled in the same commit.
	Unused []*kms.Plane
}

// Planes returns the planes the plan scans out on, in z order.
func (p *Plan) Planes() []*kms.Plane {
	planes := make([]*kms.Plane, len(p.Entries))
	for i, e := range p.Entries {
		planes[i] = e.Plane
	}
	return planes
}

// Build plans layers onto pool, which must be ordered primary, overlays,
// cursors. It returns nil if any layer finds no plane.
func Build(layers []*layer.Layer, pool []*kms.Plane) *Plan {
	plan, err := BuildChecked(layers, pool)
	if err != nil {
		return nil
	}
	return plan
}

// BuildChecked is Build reporting which layer exhausted the pool.
func BuildChecked(layers []*layer.Layer, pool []*kms.Plane) (*Plan, error) {
	b := NewBuilder(pool)
	for _, l := range layers {
		if err := b.Add(l); err != nil {
			return nil, err
		}
	}
	return b.Plan(), nil
}

// Builder plans one layer at a time for callers that decide per layer
// whether to use a plane or fall back to GPU composition.
type Builder struct {
	remaining []*kms.Plane
	skipped   []*kms.Plane
	entries   []Entry
	next      int
}

// NewBuilder starts a plan over pool. The pool slice is not modified.
func NewBuilder(pool []*kms.Plane) *Builder {
	return &Builder{remaining: slices.Clone(pool)}
}

// Peek returns the plane Add would assign to l without consuming anything,
// or nil if none remains.
func (b *Builder) Peek(l *layer.Layer) *kms.Plane {
	if i := b.match(l); i >= 0 {
		return b.remaining[i]
	}
	return nil
}

// Add assigns l the next compatible plane at z position equal to the
// number of layers added before it. Planes skipped on the way are
// consumed. On failure the whole remaining pool is consumed.
func (b *Builder) Add(l *layer.Layer) error {
	i := b.match(l)
	if i < 0 {
		b.skipped = append(b.skipped, b.remaining...)
		b.remaining = nil
		return fmt.Errorf("%w: layer %d", ErrPoolExhausted, b.next)
	}
	b.skipped = append(b.skipped, b.remaining[:i]...)
	b.entries = append(b.entries, Entry{Layer: l, Plane: b.remaining[i], ZPos: b.next})
	b.remaining = b.remaining[i+1:]
	b.next++
	return nil
}

func (b *Builder) match(l *layer.Layer) int {
	for i, plane := range b.remaining {
		if plane.IsValidForLayer(l) {
			return i
		}
	}
	return -1
}

// Len returns the number of layers assigned so far.
func (b *Builder) Len() int { return len(b.entries) }

// Plan returns the assignments so far. Unused lists skipped planes followed
// by the planes never reached.
func (b *Builder) Plan() *Plan {
	unused := make([]*kms.Plane, 0, len(b.skipped)+len(b.remaining))
	unused = append(unused, b.skipped...)
	unused = append(unused, b.remaining...)
	return &Plan{Entries: slices.Clone(b.entries), Unused: unused}
}
