// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte(`{"id":"bk-1"}`))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("expected a 64-char hex digest, got %q", got)
	}
	again, err := h.Hash([]byte(`{"id":"bk-1"}`))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
	other, err := h.Hash([]byte(`{"id":"bk-2"}`))
	if err != nil {
		t.Fatalf("Hash() other error = %v", err)
	}
	if other == got {
		t.Fatalf("expected distinct payloads to hash differently")
	}
}
