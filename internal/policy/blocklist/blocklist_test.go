package blocklist

import "testing"

func TestBlocklist(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		bl := New([]string{"Example.org"})
		if bl == nil {
			t.Fatalf("expected blocklist to be created")
		}
		if !bl.IsBlocked("example.org") {
			t.Fatalf("expected example.org to be blocked")
		}
		if !bl.IsBlocked("EXAMPLE.ORG.") {
			t.Fatalf("expected case and trailing dot to be ignored")
		}
		if bl.IsBlocked("sub.example.org") {
			t.Fatalf("did not expect subdomains to match exact entry")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		bl := New([]string{"*.internal", ".corp.example"})
		cases := []struct {
			host    string
			blocked bool
		}{
			{"db.internal", true},
			{"a.b.internal", true},
			{"internal", true},
			{"intranet.corp.example", true},
			{"corp.example.com", false},
			{"example.com", false},
		}
		for _, tc := range cases {
			if got := bl.IsBlocked(tc.host); got != tc.blocked {
				t.Fatalf("host %q blocked=%v, want %v", tc.host, got, tc.blocked)
			}
		}
		if bl.Len() != 2 {
			t.Fatalf("expected 2 patterns, got %d", bl.Len())
		}
	})

	t.Run("duplicate suffixes collapse", func(t *testing.T) {
		bl := New([]string{"*.internal", ".internal"})
		if bl.Len() != 1 {
			t.Fatalf("expected 1 pattern, got %d", bl.Len())
		}
	})

	t.Run("nil blocklist", func(t *testing.T) {
		var bl *Blocklist
		if bl.IsBlocked("example.com") {
			t.Fatalf("nil blocklist should not block")
		}
		if New([]string{" ", "*.", ""}) != nil {
			t.Fatalf("expected nil for empty patterns")
		}
	})
}
