package api

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Granularity is the unit a checkpoint diff compares.
type Granularity string

const (
	ByLine Granularity = "line"
	ByWord Granularity = "word"
	ByRune Granularity = "rune"
)

// Above this many table cells a diff is refused rather than computed.
const maxDiffCells = 4_000_000

var errDiffTooLarge = errors.New("content too large to diff at this granularity")

func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case "":
		return ByLine, nil
	case ByLine, ByWord, ByRune:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// DiffEntry is one run of unchanged, removed or added text. Old and New are
// the 1-based index of its first unit in each side.
type DiffEntry struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	Old     int    `json:"old,omitempty"`
	New     int    `json:"new,omitempty"`
}

// tokenize splits content into units. Word tokens alternate runs of
// whitespace and non-whitespace, so joining them gives content back.
func tokenize(content string, g Granularity) []string {
	switch g {
	case ByRune:
		runes := []rune(content)
		out := make([]string, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out
	case ByWord:
		var out []string
		start, inSpace := 0, false
		for i, r := range content {
			space := unicode.IsSpace(r)
			if i > start && space != inSpace {
				out = append(out, content[start:i])
				start = i
			}
			inSpace = space
		}
		if start < len(content) {
			out = append(out, content[start:])
		}
		return out
	default:
		return strings.Split(content, "\n")
	}
}

// computeDiff compares two checkpoint contents with a longest common
// subsequence over units of g. Word and rune entries are merged into runs;
// line entries stay one per line.
func computeDiff(oldContent, newContent string, g Granularity) ([]DiffEntry, error) {
	a, b := tokenize(oldContent, g), tokenize(newContent, g)
	if (len(a)+1)*(len(b)+1) > maxDiffCells {
		return nil, errDiffTooLarge
	}

	// suffix[i][j] is the LCS length of a[i:] and b[j:].
	suffix := make([][]int32, len(a)+1)
	for i := range suffix {
		suffix[i] = make([]int32, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				suffix[i][j] = suffix[i+1][j+1] + 1
			} else {
				suffix[i][j] = max(suffix[i+1][j], suffix[i][j+1])
			}
		}
	}

	var out []DiffEntry
	emit := func(e DiffEntry) {
		if g != ByLine && len(out) > 0 && out[len(out)-1].Type == e.Type {
			out[len(out)-1].Content += e.Content
			return
		}
		out = append(out, e)
	}

	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i] == b[j]:
			emit(DiffEntry{Type: "unchanged", Content: a[i], Old: i + 1, New: j + 1})
			i++
			j++
		case i < len(a) && (j == len(b) || suffix[i+1][j] >= suffix[i][j+1]):
			emit(DiffEntry{Type: "removed", Content: a[i], Old: i + 1})
			i++
		default:
			emit(DiffEntry{Type: "added", Content: b[j], New: j + 1})
			j++
		}
	}
	return out, nil
}
