package util

import "testing"

func TestHideAPIKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"luc_0123456789abcdef", "luc_...cdef"},
		{"abcdef", "ab...ef"},
		{"abc", "a...c"},
		{"ab", "ab"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := HideAPIKey(tc.in); got != tc.want {
			t.Errorf("HideAPIKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	in := "account_id=7&auth_token=luc_0123456789abcdef&limit=10"
	got := MaskSensitiveQuery(in)
	if got == in {
		t.Fatal("auth_token value was not masked")
	}
	if want := "account_id=7"; got[:len(want)] != want {
		t.Fatalf("non-sensitive params must be untouched: %q", got)
	}

	if got := MaskSensitiveQuery("limit=10"); got != "limit=10" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
