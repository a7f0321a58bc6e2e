package slugid

import (
	"strings"
	"testing"
)

func TestNewProducesValidSlugs(t *testing.T) {
	for i := 0; i < 1000; i++ {
		s := New()
		if len(s) != 22 {
			t.Fatalf("slug %q has length %d, want 22", s, len(s))
		}
		if !Valid(s) {
			t.Fatalf("New produced invalid slug %q", s)
		}
	}
}

func TestNiceNeverStartsWithDash(t *testing.T) {
	for i := 0; i < 1000; i++ {
		s := Nice()
		if strings.HasPrefix(s, "-") {
			t.Fatalf("Nice produced slug starting with '-': %q", s)
		}
		if !Valid(s) {
			t.Fatalf("Nice produced invalid slug %q", s)
		}
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	if !Valid("AAAAAAAAQACAAAAAAAAAAA") {
		t.Fatal("known-good slug rejected")
	}
	bad := []string{
		"",
		"too-short",
		"this-is-way-too-long-to-be-a-slug-identifier",
		"AAAAAAAAAACAAAAAAAAAAA", // version character at position 8 not in [Q-T]
		"AAAAAAAAQAAAAAAAAAAAAA", // variant character at position 10 out of range
		"AAAAAAAAQACAAAAAAAAAAZ", // bad final character
		"AAAAAAAAQ!CAAAAAAAAAAA", // illegal character
	}
	for _, s := range bad {
		if Valid(s) {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
}

func TestValidGenericID(t *testing.T) {
	good := []string{"aws-provisioner-v1", "tutorial", "b2gtest", "no-provisioning-nope", "-"}
	for _, s := range good {
		if !ValidGenericID(s) {
			t.Errorf("ValidGenericID(%q) = false, want true", s)
		}
	}
	bad := []string{"", "has space", "has/slash", strings.Repeat("x", 39)}
	for _, s := range bad {
		if ValidGenericID(s) {
			t.Errorf("ValidGenericID(%q) = true, want false", s)
		}
	}
}
