package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAuthor, ActionDelete, true},
		{RoleAuthor, ActionWrite, true},
		{RoleEditor, ActionWrite, true},
		{RoleEditor, ActionDelete, false},
		{RoleEditor, ActionComment, true},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionComment, false},
		{Role("unknown"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("editor") != RoleEditor {
		t.Fatalf("expected editor to normalize to editor")
	}
	if Normalize("superuser") != RoleViewer {
		t.Fatalf("unknown roles must normalize to viewer")
	}
}

func TestFor(t *testing.T) {
	editors := []string{"u_b"}
	viewers := []string{"u_c"}
	if For("u_a", "u_a", editors, viewers) != RoleAuthor {
		t.Fatalf("author lookup failed")
	}
	if For("u_b", "u_a", editors, viewers) != RoleEditor {
		t.Fatalf("editor lookup failed")
	}
	if For("u_c", "u_a", editors, viewers) != RoleViewer {
		t.Fatalf("viewer lookup failed")
	}
	if For("u_z", "u_a", editors, viewers) != RoleNone {
		t.Fatalf("strangers must get no role")
	}
}
