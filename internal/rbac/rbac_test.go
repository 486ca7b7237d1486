package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   string
		action string
		want   bool
	}{
		{RoleLead, ActionManage, true},
		{RoleLead, ActionDecide, true},
		{RoleMember, ActionWrite, true},
		{RoleMember, ActionDecide, true},
		{RoleMember, ActionManage, false},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionComment, false},
		{RoleViewer, ActionDecide, false},
		{"", ActionRead, false},
		{"admin", ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range []string{RoleLead, RoleMember, RoleViewer} {
		if !ValidRole(role) {
			t.Errorf("ValidRole(%q) = false, want true", role)
		}
	}
	if ValidRole("owner") {
		t.Error(`ValidRole("owner") = true, want false`)
	}
}
