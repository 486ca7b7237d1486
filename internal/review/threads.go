package review

import (
	"sort"

	"labtrack/api/internal/store"
)

// maxParentHops caps transitive parent resolution so a corrupt parent chain
// (a cycle) cannot loop forever.
const maxParentHops = 64

// Thread is one root comment with its replies flattened under it, whatever
// depth the reply chain had in storage.
type Thread struct {
	Root    store.Annotation
	Replies []store.Annotation
	// Margin is the vertical slot assigned by LayoutMargins, in line units.
	Margin int
}

// RootOf follows parent links to the displayable root of a comment. A comment
// whose parent is missing (deleted, or never a comment) is its own root.
func RootOf(annotation store.Annotation, byID map[string]store.Annotation) string {
	current := annotation
	for hops := 0; hops < maxParentHops; hops++ {
		if current.ParentID == "" {
			return current.ID
		}
		parent, ok := byID[current.ParentID]
		if !ok {
			return current.ID
		}
		current = parent
	}
	return current.ID
}

// BuildThreads groups a report's comment annotations into root+replies
// forests. anchorPos maps annotation id to its rendered anchor offset (per
// the anchoring pass); roots with a usable anchor sort by it, the rest fall
// back to creation time. Replies sort by creation time ascending.
func BuildThreads(annotations []store.Annotation, anchorPos map[string]int) []Thread {
	comments := make([]store.Annotation, 0, len(annotations))
	byID := make(map[string]store.Annotation)
	for _, annotation := range annotations {
		if annotation.Type != "comment" {
			continue
		}
		comments = append(comments, annotation)
		byID[annotation.ID] = annotation
	}

	grouped := make(map[string][]store.Annotation)
	order := make([]string, 0)
	for _, comment := range comments {
		rootID := RootOf(comment, byID)
		if _, seen := grouped[rootID]; !seen {
			order = append(order, rootID)
		}
		if comment.ID == rootID {
			continue
		}
		grouped[rootID] = append(grouped[rootID], comment)
	}

	threads := make([]Thread, 0, len(order))
	for _, rootID := range order {
		root, ok := byID[rootID]
		if !ok {
			continue
		}
		replies := grouped[rootID]
		sort.SliceStable(replies, func(i, j int) bool {
			return replies[i].CreatedAt.Before(replies[j].CreatedAt)
		})
		threads = append(threads, Thread{Root: root, Replies: replies})
	}

	sort.SliceStable(threads, func(i, j int) bool {
		left, leftAnchored := anchorPos[threads[i].Root.ID]
		right, rightAnchored := anchorPos[threads[j].Root.ID]
		if leftAnchored && rightAnchored {
			if left != right {
				return left < right
			}
			return threads[i].Root.CreatedAt.Before(threads[j].Root.CreatedAt)
		}
		if leftAnchored != rightAnchored {
			return leftAnchored
		}
		return threads[i].Root.CreatedAt.Before(threads[j].Root.CreatedAt)
	})
	return threads
}

// CascadeSet computes the ids deleted when annotationID is deleted: the
// annotation plus the transitive closure of its replies. The closure is a
// BFS over a prebuilt child index, so it is O(n) and cycle-safe, and the
// full set exists before any delete is issued.
func CascadeSet(annotationID string, annotations []store.Annotation) []string {
	children := make(map[string][]string)
	for _, annotation := range annotations {
		if annotation.ParentID == "" {
			continue
		}
		children[annotation.ParentID] = append(children[annotation.ParentID], annotation.ID)
	}

	seen := map[string]bool{annotationID: true}
	ids := []string{annotationID}
	queue := []string{annotationID}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, childID := range children[next] {
			if seen[childID] {
				continue
			}
			seen[childID] = true
			ids = append(ids, childID)
			queue = append(queue, childID)
		}
	}
	return ids
}

// LayoutMargins assigns each thread a vertical slot near its anchor line,
// pushing later notes down so no two overlap. wanted must be ordered the way
// the threads render; minGap is the minimum slot distance in line units.
func LayoutMargins(wanted []int, minGap int) []int {
	if minGap <= 0 {
		minGap = 1
	}
	slots := make([]int, len(wanted))
	for i, want := range wanted {
		if want < 0 {
			want = 0
		}
		if i > 0 && want < slots[i-1]+minGap {
			want = slots[i-1] + minGap
		}
		slots[i] = want
	}
	return slots
}
