package identity

import "testing"

func TestPrincipalPrecedence(t *testing.T) {
	tests := []struct {
		name string
		id   *Identity
		want string
	}{
		{
			name: "preferred username wins",
			id: &Identity{
				Name:       "alice",
				Attributes: map[string]string{AttrPreferredUsername: "Alice W", AttrSubject: "u-1"},
			},
			want: "Alice W",
		},
		{
			name: "falls back to principal name",
			id:   &Identity{Name: "alice", Attributes: map[string]string{AttrSubject: "u-1"}},
			want: "alice",
		},
		{
			name: "falls back to subject",
			id:   &Identity{Attributes: map[string]string{AttrSubject: "u-1"}},
			want: "u-1",
		},
		{
			name: "blank values are skipped",
			id:   &Identity{Name: "   ", Attributes: map[string]string{AttrPreferredUsername: "", AttrSubject: "u-2"}},
			want: "u-2",
		},
		{
			name: "nothing resolves",
			id:   &Identity{},
			want: "",
		},
		{
			name: "nil identity",
			id:   nil,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Principal(); got != tt.want {
				t.Errorf("Principal() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHasRole(t *testing.T) {
	id := &Identity{Roles: []string{"User", "PREMIUM"}}
	if !id.HasRole("premium") {
		t.Error("expected case-insensitive role match")
	}
	if !id.HasRole("user") {
		t.Error("expected role match for user")
	}
	if id.HasRole("admin") {
		t.Error("did not expect admin role")
	}
	var nilID *Identity
	if nilID.HasRole("premium") {
		t.Error("nil identity should have no roles")
	}
}
