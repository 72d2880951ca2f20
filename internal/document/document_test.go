package document

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-collab/internal/ot"
)

func TestNewDocumentIsEmpty(t *testing.T) {
	doc := New("doc-1")

	snap := doc.Snapshot()
	assert.Equal(t, "", snap.Content)
	assert.Equal(t, 0, snap.Version)
	assert.Equal(t, "doc-1", doc.ID)
}

func TestApplyInsertAndDelete(t *testing.T) {
	doc := New("doc")

	v, err := doc.Apply(ot.NewInsert("alice", 0, 0, "hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = doc.Apply(ot.NewInsert("alice", 1, 5, " world"))
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = doc.Apply(ot.NewDelete("alice", 2, 0, "hello "))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	assert.Equal(t, Snapshot{Content: "world", Version: 3}, doc.Snapshot())
}

func TestApplyCountsRunes(t *testing.T) {
	doc := New("doc")

	_, err := doc.Apply(ot.NewInsert("alice", 0, 0, "héllo✓"))
	require.NoError(t, err)
	assert.Equal(t, 6, doc.Len())

	_, err = doc.Apply(ot.NewDelete("alice", 1, 1, "é"))
	require.NoError(t, err)
	assert.Equal(t, "hllo✓", doc.Snapshot().Content)
}

func TestApplyFailureLeavesDocumentUnchanged(t *testing.T) {
	doc := New("doc")
	_, err := doc.Apply(ot.NewInsert("alice", 0, 0, "hello"))
	require.NoError(t, err)
	before := doc.Snapshot()

	tests := []struct {
		name string
		op   ot.Operation
		want error
	}{
		{"insert past end", ot.NewInsert("alice", 1, 6, "x"), ot.ErrOutOfRange},
		{"delete past end", ot.NewDelete("alice", 1, 3, "lo!"), ot.ErrOutOfRange},
		{"delete payload mismatch", ot.NewDelete("alice", 1, 0, "jello"), ot.ErrOutOfRange},
		{"negative position", ot.NewInsert("alice", 1, -1, "x"), ot.ErrInvalidOperation},
		{"unknown kind", ot.Operation{Kind: 9, AuthorID: "alice"}, ot.ErrInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := doc.Apply(tt.op)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, before.Version, v)
			assert.Equal(t, before, doc.Snapshot())
		})
	}

	ops, err := doc.OpsSince(0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestNoopOperationsAdvanceVersion(t *testing.T) {
	doc := New("doc")
	_, err := doc.Apply(ot.NewInsert("alice", 0, 0, "abc"))
	require.NoError(t, err)

	v, err := doc.Apply(ot.NewDelete("bob", 0, 0, ""))
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, "abc", doc.Snapshot().Content)
}

func TestOpsSince(t *testing.T) {
	doc := New("doc")
	for i := 0; i < 3; i++ {
		_, err := doc.Apply(ot.NewInsert("alice", i, i, fmt.Sprint(i)))
		require.NoError(t, err)
	}

	ops, err := doc.OpsSince(1)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "1", ops[0].Payload)

	// The returned slice is a copy.
	ops[0].Payload = "changed"
	again, _ := doc.OpsSince(1)
	assert.Equal(t, "1", again[0].Payload)

	_, err = doc.OpsSince(4)
	assert.ErrorIs(t, err, ot.ErrOutOfRange)
	_, err = doc.OpsSince(-1)
	assert.ErrorIs(t, err, ot.ErrOutOfRange)
}

// randomOp builds an operation that is valid against content.
func randomOp(rng *rand.Rand, content []rune, version int) ot.Operation {
	author := fmt.Sprintf("user-%d", rng.Intn(3))
	if len(content) == 0 || rng.Intn(2) == 0 {
		pos := rng.Intn(len(content) + 1)
		return ot.NewInsert(author, version, pos, string(rune('a'+rng.Intn(26))))
	}
	pos := rng.Intn(len(content))
	end := pos + rng.Intn(len(content)-pos+1)
	return ot.NewDelete(author, version, pos, string(content[pos:end]))
}

func TestReplayReproducesEveryVersion(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	doc := New("doc")
	snapshots := []Snapshot{doc.Snapshot()}

	for i := 0; i < 200; i++ {
		op := randomOp(rng, []rune(doc.Snapshot().Content), doc.Version())
		v, err := doc.Apply(op)
		require.NoError(t, err)
		require.Equal(t, i+1, v, "version must advance by exactly one")
		snapshots = append(snapshots, doc.Snapshot())
	}

	for v, want := range snapshots {
		got, err := doc.Replay(v)
		require.NoError(t, err)
		assert.Equal(t, want, got, "version %d", v)
	}

	_, err := doc.Replay(len(snapshots))
	assert.ErrorIs(t, err, ot.ErrOutOfRange)
}
