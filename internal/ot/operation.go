// Package ot holds the operation model and the transform rules that let two
// concurrent edits to the same text be applied in either order.
package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrInvalidOperation is returned for malformed operations. Nothing is
	// transformed or applied when it is returned.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrOutOfRange is returned when an operation does not fit the content it
	// is applied to. The client should re-read state and regenerate it.
	ErrOutOfRange = errors.New("operation out of range")
)

// Kind is the type of an edit.
type Kind int

const (
	Insert Kind = iota + 1
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseKind maps the wire name of a kind back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "insert":
		return Insert, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, s)
	}
}

// Operation is a single immutable edit. Position and the payload length are
// counted in runes. For a Delete the payload is the text expected to be
// removed from [Position, Position+Len()).
type Operation struct {
	Kind        Kind
	Position    int
	Payload     string
	AuthorID    string
	BaseVersion int
}

// NewInsert returns an insert of text at pos.
func NewInsert(author string, base, pos int, text string) Operation {
	return Operation{Kind: Insert, Position: pos, Payload: text, AuthorID: author, BaseVersion: base}
}

// NewDelete returns a delete of the text expected at pos.
func NewDelete(author string, base, pos int, text string) Operation {
	return Operation{Kind: Delete, Position: pos, Payload: text, AuthorID: author, BaseVersion: base}
}

// Len is the payload length in runes.
func (op Operation) Len() int {
	return utf8.RuneCountInString(op.Payload)
}

// End is the first position after the range the operation covers.
func (op Operation) End() int {
	return op.Position + op.Len()
}

// IsNoop reports whether applying op leaves content unchanged.
func (op Operation) IsNoop() bool {
	return op.Payload == ""
}

// Validate checks the shape of op without looking at any document.
func (op Operation) Validate() error {
	switch {
	case op.Kind != Insert && op.Kind != Delete:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, op.Kind)
	case op.Position < 0:
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	case op.BaseVersion < 0:
		return fmt.Errorf("%w: negative base version %d", ErrInvalidOperation, op.BaseVersion)
	case op.AuthorID == "":
		return fmt.Errorf("%w: missing author", ErrInvalidOperation)
	case !utf8.ValidString(op.Payload):
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidOperation)
	}
	return nil
}

func (op Operation) String() string {
	return fmt.Sprintf("%s(%d,%q)@%d by %s", op.Kind, op.Position, op.Payload, op.BaseVersion, op.AuthorID)
}

// ApplyTo returns content with op applied. content is never modified; on
// error the returned slice is nil.
func (op Operation) ApplyTo(content []rune) ([]rune, error) {
	switch op.Kind {
	case Insert:
		if op.Position < 0 || op.Position > len(content) {
			return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, len(content))
		}
		text := []rune(op.Payload)
		out := make([]rune, 0, len(content)+len(text))
		out = append(out, content[:op.Position]...)
		out = append(out, text...)
		return append(out, content[op.Position:]...), nil

	case Delete:
		// Compared without adding, so a huge Position cannot wrap around.
		if op.Position < 0 || op.Position > len(content) || op.Len() > len(content)-op.Position {
			return nil, fmt.Errorf("%w: delete of %d at %d, length %d", ErrOutOfRange, op.Len(), op.Position, len(content))
		}
		end := op.Position + op.Len()
		if string(content[op.Position:end]) != op.Payload {
			return nil, fmt.Errorf("%w: delete payload %q does not match %q",
				ErrOutOfRange, op.Payload, string(content[op.Position:end]))
		}
		out := make([]rune, 0, len(content)-(end-op.Position))
		out = append(out, content[:op.Position]...)
		return append(out, content[end:]...), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, op.Kind)
}
