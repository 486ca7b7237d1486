// Package anchor maps stored annotation ranges onto the current text of a
// report section. Stored offsets were captured when the annotation was
// created and the text may have drifted since, so rendering is two-tier:
// clamped offsets first, then a first-occurrence search for the stored quote.
package anchor

import (
	"sort"
	"strings"
	"unicode/utf8"

	"labtrack/api/internal/store"
)

// Span is one run of section text in rendered order. AnnotationID is empty
// for plain gaps between marks. Seq cross-references a comment mark with its
// margin note; it is recomputed on every render and never persisted.
type Span struct {
	Text         string `json:"text"`
	AnnotationID string `json:"annotationId,omitempty"`
	Type         string `json:"type,omitempty"`
	Seq          int    `json:"seq,omitempty"`
}

// Result is the rendered form of one section.
type Result struct {
	Spans []Span
	// Position maps annotation id to its rendered start offset (in runes).
	// Thread ordering keys off this; dropped annotations have no entry.
	Position map[string]int
	// Dropped lists annotations that could not be anchored at all. They stay
	// in storage and in margin views, they just carry no inline mark.
	Dropped []string
}

type resolved struct {
	annotation store.Annotation
	start      int
	end        int
	order      int
}

// Render walks content left to right emitting plain gaps and marked spans.
// Ranges are clamped into the current content; a range that collapses falls
// back to the first occurrence of the stored quote; annotations that survive
// neither path are dropped from rendering only. Overlapping ranges never
// re-emit text: each mark starts no earlier than the previous mark ended.
func Render(content string, annotations []store.Annotation) Result {
	runes := []rune(content)
	length := len(runes)

	marks := make([]resolved, 0, len(annotations))
	dropped := make([]string, 0)
	for i, annotation := range annotations {
		start, end, ok := resolveRange(runes, length, annotation)
		if !ok {
			dropped = append(dropped, annotation.ID)
			continue
		}
		marks = append(marks, resolved{annotation: annotation, start: start, end: end, order: i})
	}

	sort.SliceStable(marks, func(i, j int) bool {
		if marks[i].start != marks[j].start {
			return marks[i].start < marks[j].start
		}
		return marks[i].order < marks[j].order
	})

	result := Result{
		Spans:    make([]Span, 0, 2*len(marks)+1),
		Position: make(map[string]int, len(marks)),
		Dropped:  dropped,
	}

	cursor := 0
	seq := 0
	for _, mark := range marks {
		start := mark.start
		if start < cursor {
			start = cursor
		}
		end := mark.end
		if end <= start {
			// Fully swallowed by an earlier overlapping mark.
			result.Position[mark.annotation.ID] = mark.start
			continue
		}
		if start > cursor {
			result.Spans = append(result.Spans, Span{Text: string(runes[cursor:start])})
		}
		span := Span{
			Text:         string(runes[start:end]),
			AnnotationID: mark.annotation.ID,
			Type:         mark.annotation.Type,
		}
		if mark.annotation.Type == "comment" {
			seq++
			span.Seq = seq
		}
		result.Spans = append(result.Spans, span)
		result.Position[mark.annotation.ID] = start
		cursor = end
	}
	if cursor < length {
		result.Spans = append(result.Spans, Span{Text: string(runes[cursor:])})
	}
	return result
}

// resolveRange clamps the stored offsets into the current content, falling
// back to a quote search when clamping yields nothing usable.
func resolveRange(runes []rune, length int, annotation store.Annotation) (int, int, bool) {
	start := clamp(annotation.RangeStart, 0, length)
	end := clamp(annotation.RangeEnd, 0, length)
	if end > start {
		return start, end, true
	}
	if annotation.Quote == "" {
		return 0, 0, false
	}
	idx := strings.Index(string(runes), annotation.Quote)
	if idx < 0 {
		return 0, 0, false
	}
	runeStart := utf8.RuneCountInString(string(runes)[:idx])
	return runeStart, runeStart + utf8.RuneCountInString(annotation.Quote), true
}

func clamp(value, lo, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// LineOf converts a rendered rune offset into a zero-based line index, used
// by the margin layout to park a note next to its anchor.
func LineOf(content string, offset int) int {
	runes := []rune(content)
	if offset > len(runes) {
		offset = len(runes)
	}
	line := 0
	for i := 0; i < offset; i++ {
		if runes[i] == '\n' {
			line++
		}
	}
	return line
}
