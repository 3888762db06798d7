package weft

import (
	"strings"
	"testing"
	"time"
)

func TestIDPrefixes(t *testing.T) {
	cases := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"thread", NewThreadID, "thread_"},
		{"message", NewMessageID, "msg_"},
		{"run", NewRunID, "run_"},
	}
	for _, tc := range cases {
		id := tc.gen()
		if !strings.HasPrefix(id, tc.prefix) {
			t.Errorf("%s id = %q, want prefix %q", tc.name, id, tc.prefix)
		}
		// prefix + 36-char UUID
		if got, want := len(id), len(tc.prefix)+36; got != want {
			t.Errorf("%s id length = %d, want %d: %s", tc.name, got, want, id)
		}
	}
}

func TestIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewRunID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestNowUnix(t *testing.T) {
	before := time.Now().Unix()
	got := NowUnix()
	after := time.Now().Unix()
	if got < before || got > after {
		t.Errorf("NowUnix = %d, want within [%d, %d]", got, before, after)
	}
}
