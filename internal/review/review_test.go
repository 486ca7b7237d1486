package review

import (
	"math/rand"
	"testing"

	"labtrack/api/internal/store"
)

func members(userIDs ...string) []store.Member {
	out := make([]store.Member, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, store.Member{GroupID: "grp_1", UserID: id, Role: "member"})
	}
	return out
}

func TestCanTransitionForwardOnly(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusDraft, StatusSubmitted, true},
		{StatusSubmitted, StatusReviewed, true},
		{StatusDraft, StatusReviewed, false},
		{StatusSubmitted, StatusDraft, false},
		{StatusReviewed, StatusSubmitted, false},
		{StatusReviewed, StatusDraft, false},
		{StatusReviewed, StatusReviewed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// A randomized walk over the legal operations never observes a backward
// step: every accepted transition moves strictly draft→submitted→reviewed.
func TestStatusNeverMovesBackward(t *testing.T) {
	rank := map[Status]int{StatusDraft: 0, StatusSubmitted: 1, StatusReviewed: 2}
	targets := []Status{StatusDraft, StatusSubmitted, StatusReviewed}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		status := StatusDraft
		for step := 0; step < 50; step++ {
			next := targets[rng.Intn(len(targets))]
			if CanTransition(status, next) {
				if rank[next] <= rank[status] {
					t.Fatalf("backward transition accepted: %s -> %s", status, next)
				}
				status = next
			}
		}
	}
}

func TestReviewerSetExcludesAuthor(t *testing.T) {
	set := ReviewerSet(members("alice", "bob", "carol"), "alice")
	if len(set) != 2 || set[0] != "bob" || set[1] != "carol" {
		t.Errorf("ReviewerSet = %v, want [bob carol]", set)
	}
}

func TestReviewerSetExcludesNonDecidingRoles(t *testing.T) {
	group := members("alice", "bob")
	group = append(group, store.Member{GroupID: "grp_1", UserID: "dana", Role: "viewer"})

	set := ReviewerSet(group, "alice")
	if len(set) != 1 || set[0] != "bob" {
		t.Fatalf("ReviewerSet = %v, want [bob]; viewers cannot vote and must not block unanimity", set)
	}

	votes := map[string]Vote{"bob": VoteApproved}
	if !AllApproved(set, votes) {
		t.Fatal("unanimity must be satisfiable without the viewer's vote")
	}
}

func TestUnanimityTwoReviewers(t *testing.T) {
	reviewers := ReviewerSet(members("author", "a", "b"), "author")

	votes := map[string]Vote{"a": VoteApproved}
	if AllApproved(reviewers, votes) {
		t.Fatal("one of two approvals must not satisfy unanimity")
	}

	votes["b"] = VoteApproved
	if !AllApproved(reviewers, votes) {
		t.Fatal("both approvals must satisfy unanimity")
	}
}

func TestEmptyReviewerSetIsSteadyState(t *testing.T) {
	reviewers := ReviewerSet(members("author"), "author")
	if len(reviewers) != 0 {
		t.Fatalf("reviewer set = %v, want empty", reviewers)
	}
	if AllApproved(reviewers, map[string]Vote{}) {
		t.Fatal("empty reviewer set must never satisfy unanimity")
	}
}

func TestChangesRequestedBlocksWithoutDisqualifying(t *testing.T) {
	reviewers := []string{"a", "b"}
	votes := map[string]Vote{"a": VoteApproved, "b": VoteChangesRequested}
	if AllApproved(reviewers, votes) {
		t.Fatal("changes_requested must fail the unanimity check")
	}

	// The reviewer flips their own vote via the same upsert path.
	votes["b"] = VoteApproved
	if !AllApproved(reviewers, votes) {
		t.Fatal("flipped vote must complete unanimity")
	}
}

func TestMissingRowsReadAsNone(t *testing.T) {
	votes := VotesByUser([]store.Decision{
		{UserID: "a", Decision: string(VoteApproved)},
	})
	if votes["a"] != VoteApproved {
		t.Errorf("vote for a = %q, want approved", votes["a"])
	}
	if votes["b"] != "" {
		t.Errorf("missing row must read as zero vote, got %q", votes["b"])
	}
	if AllApproved([]string{"a", "b"}, votes) {
		t.Fatal("missing ledger row must count as not approved")
	}
}

func TestPending(t *testing.T) {
	reviewers := []string{"a", "b", "c"}
	votes := map[string]Vote{
		"a": VoteApproved,
		"b": VoteChangesRequested,
	}
	pending := Pending(reviewers, votes)
	if len(pending) != 1 || pending[0] != "c" {
		t.Errorf("Pending = %v, want [c]", pending)
	}
}

func TestValidVote(t *testing.T) {
	if !ValidVote("approved") || !ValidVote("changes_requested") {
		t.Error("approved and changes_requested are valid votes")
	}
	if ValidVote("none") {
		t.Error("none is a ledger default, not a recordable vote")
	}
	if ValidVote("maybe") {
		t.Error("unknown vote accepted")
	}
}
