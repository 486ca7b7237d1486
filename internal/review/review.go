// Package review holds the pure logic of the report review engine: the
// lifecycle status machine, reviewer-set derivation and the unanimity rule
// that drives the automatic submitted→reviewed transition.
package review

import (
	"labtrack/api/internal/rbac"
	"labtrack/api/internal/store"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusReviewed  Status = "reviewed"
)

type Vote string

const (
	VoteNone             Vote = "none"
	VoteApproved         Vote = "approved"
	VoteChangesRequested Vote = "changes_requested"
)

// ValidVote reports whether value names a recordable decision. VoteNone is a
// ledger default, not something a reviewer can submit.
func ValidVote(value string) bool {
	return Vote(value) == VoteApproved || Vote(value) == VoteChangesRequested
}

// CanTransition reports whether a status change is a legal forward step.
// Status never moves backward; reopening for edits is not a status change.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusSubmitted
	case StatusSubmitted:
		return to == StatusReviewed
	default:
		return false
	}
}

// ReviewerSet derives the reviewers for a report: every group member except
// the author whose role may record decisions. Viewers read but never vote,
// so counting them would make unanimity unsatisfiable. The set is computed
// from live membership on every call, never cached on the report.
func ReviewerSet(members []store.Member, authorID string) []string {
	reviewers := make([]string, 0, len(members))
	for _, member := range members {
		if member.UserID == authorID {
			continue
		}
		if !rbac.Can(member.Role, rbac.ActionDecide) {
			continue
		}
		reviewers = append(reviewers, member.UserID)
	}
	return reviewers
}

// VotesByUser flattens ledger rows into a user→vote map. Missing rows are
// treated as VoteNone by the callers, which is what lazy materialization of
// decision rows relies on.
func VotesByUser(decisions []store.Decision) map[string]Vote {
	votes := make(map[string]Vote, len(decisions))
	for _, decision := range decisions {
		votes[decision.UserID] = Vote(decision.Decision)
	}
	return votes
}

// AllApproved implements the unanimity rule: true only when the reviewer set
// is non-empty and every member of it has an approved vote. An empty
// reviewer set is a legitimate steady state and never satisfies the rule. A
// changes_requested vote is not special-cased — it simply is not approved.
func AllApproved(reviewers []string, votes map[string]Vote) bool {
	if len(reviewers) == 0 {
		return false
	}
	for _, userID := range reviewers {
		if votes[userID] != VoteApproved {
			return false
		}
	}
	return true
}

// Pending lists reviewers who have not yet recorded a vote either way.
func Pending(reviewers []string, votes map[string]Vote) []string {
	pending := make([]string, 0, len(reviewers))
	for _, userID := range reviewers {
		vote := votes[userID]
		if vote != VoteApproved && vote != VoteChangesRequested {
			pending = append(pending, userID)
		}
	}
	return pending
}
