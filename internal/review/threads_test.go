package review

import (
	"reflect"
	"sort"
	"testing"
	"time"

	"labtrack/api/internal/store"
)

func comment(id, parentID string, createdAt time.Time) store.Annotation {
	return store.Annotation{
		ID:        id,
		Type:      "comment",
		ParentID:  parentID,
		CreatedAt: createdAt,
	}
}

func TestBuildThreadsFlattensReplyChains(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	annotations := []store.Annotation{
		comment("root", "", base),
		comment("reply1", "root", base.Add(time.Minute)),
		comment("reply2", "reply1", base.Add(2*time.Minute)), // nested reply flattens under root
		{ID: "mark", Type: "highlight", CreatedAt: base},
	}

	threads := BuildThreads(annotations, nil)
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	if threads[0].Root.ID != "root" {
		t.Errorf("root = %s, want root", threads[0].Root.ID)
	}
	got := []string{threads[0].Replies[0].ID, threads[0].Replies[1].ID}
	if !reflect.DeepEqual(got, []string{"reply1", "reply2"}) {
		t.Errorf("replies = %v, want [reply1 reply2]", got)
	}
}

func TestMissingParentMakesCommentItsOwnRoot(t *testing.T) {
	base := time.Now()
	threads := BuildThreads([]store.Annotation{
		comment("orphan", "ann_gone", base),
	}, nil)

	if len(threads) != 1 || threads[0].Root.ID != "orphan" {
		t.Fatalf("orphan must become its own root, got %+v", threads)
	}
}

func TestParentCycleIsCapped(t *testing.T) {
	base := time.Now()
	annotations := []store.Annotation{
		comment("a", "b", base),
		comment("b", "a", base.Add(time.Second)),
	}

	// Must terminate; the exact root choice is unspecified for corrupt data.
	threads := BuildThreads(annotations, nil)
	if len(threads) == 0 {
		t.Fatal("expected at least one thread from cyclic input")
	}
}

func TestThreadOrderingAnchoredFirst(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	annotations := []store.Annotation{
		comment("late-anchored", "", base.Add(time.Hour)),
		comment("unanchored", "", base),
		comment("early-anchored", "", base.Add(2*time.Hour)),
	}
	anchorPos := map[string]int{
		"late-anchored":  40,
		"early-anchored": 5,
	}

	threads := BuildThreads(annotations, anchorPos)
	got := []string{threads[0].Root.ID, threads[1].Root.ID, threads[2].Root.ID}
	want := []string{"early-anchored", "late-anchored", "unanchored"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("thread order = %v, want %v", got, want)
	}
}

func TestCascadeSetComputesFullClosure(t *testing.T) {
	base := time.Now()
	annotations := []store.Annotation{
		comment("root", "", base),
		comment("r1", "root", base.Add(time.Minute)),
		comment("r2", "root", base.Add(2*time.Minute)),
		comment("r2a", "r2", base.Add(3*time.Minute)),
		comment("other", "", base),
	}

	ids := CascadeSet("root", annotations)
	sort.Strings(ids)
	want := []string{"r1", "r2", "r2a", "root"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("cascade = %v, want %v", ids, want)
	}
}

func TestCascadeSetLeafDeletesOnlyItself(t *testing.T) {
	base := time.Now()
	annotations := []store.Annotation{
		comment("root", "", base),
		comment("r1", "root", base.Add(time.Minute)),
	}
	ids := CascadeSet("r1", annotations)
	if !reflect.DeepEqual(ids, []string{"r1"}) {
		t.Errorf("cascade = %v, want [r1]", ids)
	}
}

func TestCascadeSetSurvivesCycles(t *testing.T) {
	base := time.Now()
	annotations := []store.Annotation{
		comment("a", "b", base),
		comment("b", "a", base),
	}
	ids := CascadeSet("a", annotations)
	sort.Strings(ids)
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("cascade = %v, want [a b]", ids)
	}
}

func TestLayoutMarginsNoOverlap(t *testing.T) {
	slots := LayoutMargins([]int{0, 1, 1, 10}, 2)
	want := []int{0, 2, 4, 10}
	if !reflect.DeepEqual(slots, want) {
		t.Errorf("slots = %v, want %v", slots, want)
	}
	for i := 1; i < len(slots); i++ {
		if slots[i]-slots[i-1] < 2 {
			t.Fatalf("slots %d and %d overlap: %v", i-1, i, slots)
		}
	}
}

func TestLayoutMarginsClampNegative(t *testing.T) {
	slots := LayoutMargins([]int{-3, 0}, 1)
	if !reflect.DeepEqual(slots, []int{0, 1}) {
		t.Errorf("slots = %v, want [0 1]", slots)
	}
}
