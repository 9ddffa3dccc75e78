package util

import "testing"

func TestMaskIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"user@example.com", "use***com"},
		{"+919876543210", "+91***210"},
		{"a@b.co", "***"},
		{"short", "***"},
		{"", "***"},
	}

	for _, tc := range cases {
		if got := MaskIdentifier(tc.in); got != tc.want {
			t.Errorf("MaskIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
