package capture

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// InitialValue is the value every recorder starts with.
const InitialValue int64 = 8

// ErrUnknownVariant is returned by ParseVariant for names it does not know.
var ErrUnknownVariant = errors.New("unknown capture variant")

// Computation is a deferred numeric computation. Nothing in this package ever
// calls one.
type Computation func() int64

// Recorder appends deferred computations to a queue that is never drained.
type Recorder interface {
	Leak()
	Len() int
}

// Variant selects which capture semantics a recorder demonstrates.
type Variant string

const (
	// SharedVariant captures one mutable cell by reference.
	SharedVariant Variant = "shared"
	// HolderVariant captures the holder that is current at each Leak call.
	HolderVariant Variant = "holder"
)

// ParseVariant maps a name to a Variant.
func ParseVariant(name string) (Variant, error) {
	switch v := Variant(name); v {
	case SharedVariant, HolderVariant:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
}

// Factory returns a constructor for the given variant, so a recorder can be
// built on whichever goroutine will fill it.
func Factory(variant Variant) (func() Recorder, error) {
	switch variant {
	case SharedVariant:
		return func() Recorder { return NewSharedRecorder() }, nil
	case HolderVariant:
		return func() Recorder { return NewHolderRecorder() }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

// New creates an empty recorder for the given variant.
func New(variant Variant) (Recorder, error) {
	newRecorder, err := Factory(variant)
	if err != nil {
		return nil, err
	}
	return newRecorder(), nil
}

// LeakRoutine calls Leak n times.
func LeakRoutine(r Recorder, n int) {
	for i := 0; i < n; i++ {
		r.Leak()
	}
}

// Cell is a shared numeric slot. Computations hold a pointer to it, so they
// see whatever was stored last, not what was stored when they were created.
type Cell struct {
	v atomic.Int64
}

// NewCell returns a cell holding v.
func NewCell(v int64) *Cell {
	c := &Cell{}
	c.v.Store(v)
	return c
}

// Load returns the current value.
func (c *Cell) Load() int64 { return c.v.Load() }

// Store replaces the current value.
func (c *Cell) Store(v int64) { c.v.Store(v) }

// SharedRecorder is the numeric-capture variant: every queued computation
// closes over the same cell.
type SharedRecorder struct {
	cell  *Cell
	queue []Computation
}

// NewSharedRecorder returns a recorder whose cell starts at InitialValue.
func NewSharedRecorder() *SharedRecorder {
	return &SharedRecorder{cell: NewCell(InitialValue)}
}

// Leak appends a computation returning the square of the cell's latest value.
func (r *SharedRecorder) Leak() {
	cell := r.cell
	r.queue = append(r.queue, func() int64 {
		v := cell.Load()
		return v * v
	})
}

// Set mutates the shared cell. Already queued computations observe the change.
func (r *SharedRecorder) Set(v int64) { r.cell.Store(v) }

// Value returns the cell's current value.
func (r *SharedRecorder) Value() int64 { return r.cell.Load() }

// Len returns the number of queued computations.
func (r *SharedRecorder) Len() int { return len(r.queue) }

// Holder wraps a single identifier. It is never mutated after construction;
// two holders with the same ID are still distinct objects.
type Holder struct {
	id int64
}

// NewHolder allocates a new holder for id.
func NewHolder(id int64) *Holder { return &Holder{id: id} }

// ID returns the wrapped identifier.
func (h *Holder) ID() int64 { return h.id }

// HolderComputation is a deferred computation that yields the holder it captured.
type HolderComputation func() *Holder

// HolderRecorder is the holder-capture variant: each queued computation keeps
// the holder that was current when it was created.
type HolderRecorder struct {
	current *Holder
	queue   []HolderComputation
}

// NewHolderRecorder returns a recorder whose first holder wraps InitialValue.
func NewHolderRecorder() *HolderRecorder {
	return &HolderRecorder{current: NewHolder(InitialValue)}
}

// Leak captures the current holder in a new computation, then replaces the
// current holder with a fresh one carrying the same identifier.
func (r *HolderRecorder) Leak() {
	h := r.current
	r.queue = append(r.queue, func() *Holder { return h })
	r.current = NewHolder(h.ID())
}

// Current returns the holder the next Leak call will capture.
func (r *HolderRecorder) Current() *Holder { return r.current }

// Len returns the number of queued computations.
func (r *HolderRecorder) Len() int { return len(r.queue) }
