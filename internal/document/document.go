// Package document holds the authoritative text buffer of a session, its
// version counter and the log of every operation applied to it.
package document

import (
	"fmt"

	"github.com/manpreetbhatti/lattice-collab/internal/ot"
)

// Snapshot is a read-only view of a document at one version.
type Snapshot struct {
	Content string
	Version int
}

// Document is a plain text buffer. log[i] is the operation that moved the
// document from version i to i+1, so Version() == len(log) always holds.
//
// Document is not safe for concurrent use; the owning session serialises
// access to it.
type Document struct {
	ID      string
	content []rune
	log     []ot.Operation
}

// New returns an empty document at version 0.
func New(id string) *Document {
	return &Document{
		ID:  id,
		log: make([]ot.Operation, 0),
	}
}

// Version is the number of operations applied so far.
func (d *Document) Version() int {
	return len(d.log)
}

// Len is the content length in runes.
func (d *Document) Len() int {
	return len(d.content)
}

// Apply applies op to the current content, appends it to the log and returns
// the new version. On error the document is unchanged.
func (d *Document) Apply(op ot.Operation) (int, error) {
	if err := op.Validate(); err != nil {
		return d.Version(), err
	}
	next, err := op.ApplyTo(d.content)
	if err != nil {
		return d.Version(), err
	}
	d.content = next
	d.log = append(d.log, op)
	return d.Version(), nil
}

// Snapshot returns the current content and version.
func (d *Document) Snapshot() Snapshot {
	return Snapshot{Content: string(d.content), Version: d.Version()}
}

// OpsSince returns a copy of the operations that produced versions after v.
func (d *Document) OpsSince(v int) ([]ot.Operation, error) {
	if v < 0 || v > d.Version() {
		return nil, fmt.Errorf("%w: version %d, document at %d", ot.ErrOutOfRange, v, d.Version())
	}
	ops := make([]ot.Operation, d.Version()-v)
	copy(ops, d.log[v:])
	return ops, nil
}

// Replay rebuilds the content at version v from empty content using the log.
func (d *Document) Replay(v int) (Snapshot, error) {
	ops, err := d.OpsSince(0)
	if err != nil {
		return Snapshot{}, err
	}
	if v < 0 || v > len(ops) {
		return Snapshot{}, fmt.Errorf("%w: version %d, document at %d", ot.ErrOutOfRange, v, len(ops))
	}
	return Replay(ops[:v])
}

// Replay applies ops in order starting from empty content.
func Replay(ops []ot.Operation) (Snapshot, error) {
	var content []rune
	for i, op := range ops {
		next, err := op.ApplyTo(content)
		if err != nil {
			return Snapshot{}, fmt.Errorf("replay log[%d]: %w", i, err)
		}
		content = next
	}
	return Snapshot{Content: string(content), Version: len(ops)}, nil
}
