package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal("key", "postgres://u:p@h/db")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if !strings.HasPrefix(sealed, SealedPrefix) {
		t.Fatalf("expected %q prefix, got %q", SealedPrefix, sealed)
	}
	plain, err := Open("key", sealed)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if plain != "postgres://u:p@h/db" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestOpenPassesThroughPlainValues(t *testing.T) {
	plain, err := Open("", "postgres://x")
	if err != nil || plain != "postgres://x" {
		t.Fatalf("expected passthrough, got %q, %v", plain, err)
	}
}

func TestOpenSealedWithoutSecret(t *testing.T) {
	if _, err := Open("", SealedPrefix+"AAAA"); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestOpenWrongSecretFails(t *testing.T) {
	sealed, err := Seal("right", "value")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if _, err := Open("wrong", sealed); err == nil {
		t.Fatal("expected decryption failure with wrong secret")
	}
}

func TestGeneratePassword(t *testing.T) {
	pw, err := GeneratePassword(16)
	if err != nil {
		t.Fatalf("GeneratePassword returned error: %v", err)
	}
	if len(pw) != 16 {
		t.Fatalf("expected 16 characters, got %d", len(pw))
	}
	for _, r := range pw {
		if !strings.ContainsRune(passwordAlphabet, r) {
			t.Fatalf("unexpected character %q", r)
		}
	}
}

func TestCompareToken(t *testing.T) {
	hash, err := HashToken("health-secret")
	if err != nil {
		t.Fatalf("HashToken returned error: %v", err)
	}
	if err := CompareToken(hash, "health-secret"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := CompareToken(hash, "other"); err == nil {
		t.Fatal("expected mismatch")
	}
}
