// Package rbac maps group roles onto the actions the review workflow allows.
package rbac

// Group roles. Every membership row carries exactly one.
const (
	RoleLead   = "lead"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Actions gated by role.
const (
	ActionRead    = "read"    // view reports and threads
	ActionComment = "comment" // add annotations and replies
	ActionWrite   = "write"   // create reports, edit own sections
	ActionDecide  = "decide"  // approve / request changes
	ActionManage  = "manage"  // group settings, removing others' annotations
)

var rolePermissions = map[string]map[string]bool{
	RoleLead: {
		ActionRead:    true,
		ActionComment: true,
		ActionWrite:   true,
		ActionDecide:  true,
		ActionManage:  true,
	},
	RoleMember: {
		ActionRead:    true,
		ActionComment: true,
		ActionWrite:   true,
		ActionDecide:  true,
	},
	RoleViewer: {
		ActionRead: true,
	},
}

// Can reports whether a role may perform an action. Unknown roles can do
// nothing.
func Can(role, action string) bool {
	return rolePermissions[role][action]
}

// ValidRole reports whether role is one of the roles a membership may carry.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}
