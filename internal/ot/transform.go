package ot

import "strings"

// Transform rewrites b, which was generated concurrently with the already
// applied a, so that it can be applied on top of a. Neither argument is
// modified. For any two valid operations against the same content:
//
//	apply(apply(s, a), Transform(a, b)) == apply(apply(s, b), Transform(b, a))
//
// Equal-position inserts are ordered by InsertsBefore. An insert strictly
// inside a concurrently deleted range is discarded, and the delete grows to
// cover it when the insert was applied first.
func Transform(a, b Operation) Operation {
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		return transformInsertInsert(a, b)
	case a.Kind == Insert && b.Kind == Delete:
		return transformInsertDelete(a, b)
	case a.Kind == Delete && b.Kind == Insert:
		return transformDeleteInsert(a, b)
	case a.Kind == Delete && b.Kind == Delete:
		return transformDeleteDelete(a, b)
	}
	return b
}

// Rebase folds op through every operation in history, in order. history must
// be the operations committed after op's base version.
func Rebase(op Operation, history []Operation) Operation {
	for _, committed := range history {
		op = Transform(committed, op)
	}
	return op
}

// InsertsBefore reports whether insert a goes to the left of insert b when
// both target the same position. Author ids are compared byte-wise, then
// payloads. Identical inserts produce the same text in either order.
func InsertsBefore(a, b Operation) bool {
	if c := strings.Compare(a.AuthorID, b.AuthorID); c != 0 {
		return c < 0
	}
	return a.Payload <= b.Payload
}

func transformInsertInsert(a, b Operation) Operation {
	if a.Position < b.Position || (a.Position == b.Position && InsertsBefore(a, b)) {
		b.Position += a.Len()
	}
	return b
}

func transformInsertDelete(a, b Operation) Operation {
	switch {
	case a.Position <= b.Position:
		b.Position += a.Len()
	case a.Position < b.End():
		// The insert landed inside the range b removes; b removes it too.
		text := []rune(b.Payload)
		at := a.Position - b.Position
		b.Payload = string(text[:at]) + a.Payload + string(text[at:])
	}
	return b
}

func transformDeleteInsert(a, b Operation) Operation {
	switch {
	case b.Position <= a.Position:
	case b.Position >= a.End():
		b.Position -= a.Len()
	default:
		b.Position = a.Position
		b.Payload = ""
	}
	return b
}

func transformDeleteDelete(a, b Operation) Operation {
	aEnd, bEnd := a.End(), b.End()
	lo, hi := max(a.Position, b.Position), min(aEnd, bEnd)
	if hi > lo {
		text := []rune(b.Payload)
		b.Payload = string(text[:lo-b.Position]) + string(text[hi-b.Position:])
	}
	if a.Position < b.Position {
		b.Position -= min(a.Len(), b.Position-a.Position)
	}
	return b
}
