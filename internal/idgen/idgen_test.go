package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("cs_")
	if !strings.HasPrefix(id, "cs_") {
		t.Fatalf("expected cs_ prefix, got %q", id)
	}
	if len(id) != len("cs_")+24 {
		t.Errorf("unexpected length %d", len(id))
	}
}

func TestNonceIsUniqueAnd128Bit(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n := Nonce()
		if len(n) != 32 {
			t.Fatalf("nonce length = %d, want 32", len(n))
		}
		if seen[n] {
			t.Fatalf("duplicate nonce %q", n)
		}
		seen[n] = true
	}
}

func TestUUID(t *testing.T) {
	if a, b := UUID(), UUID(); a == b || len(a) != 36 {
		t.Errorf("unexpected uuids %q %q", a, b)
	}
}
