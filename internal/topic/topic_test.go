package topic

import "testing"

func TestForPriority(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{"thread wins over everything", Context{ThreadID: "m1", WorkspaceID: "w1", ProjectID: "p1", ReceiverID: "u2", UserID: "u1"}, "thread:m1"},
		{"workspace wins over project", Context{WorkspaceID: "w1", ProjectID: "p1", UserID: "u1"}, "workspace:w1"},
		{"project wins over dm", Context{ProjectID: "p1", ReceiverID: "u2", UserID: "u1"}, "project:p1"},
		{"dm", Context{ReceiverID: "u2", UserID: "u1"}, "dm:u1:u2"},
		{"self fallback", Context{UserID: "u1"}, "user:u1"},
	}
	for _, tt := range tests {
		if got := For(tt.ctx); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDMSymmetry(t *testing.T) {
	pairs := [][2]string{
		{"u1", "u2"},
		{"aaa", "zzz"},
		{"b3f0", "a1c9"},
	}
	for _, pair := range pairs {
		ab := DM(pair[0], pair[1])
		ba := DM(pair[1], pair[0])
		if ab != ba {
			t.Errorf("DM(%q,%q)=%q but DM(%q,%q)=%q", pair[0], pair[1], ab, pair[1], pair[0], ba)
		}
	}
}

func TestDMCaseInsensitive(t *testing.T) {
	if DM("ABC", "def") != DM("abc", "DEF") {
		t.Error("DM must canonicalize identifier case")
	}
}

func TestDMOrdering(t *testing.T) {
	if got := DM("zz", "aa"); got != "dm:aa:zz" {
		t.Errorf("got %q, want dm:aa:zz", got)
	}
}
