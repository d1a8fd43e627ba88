package store

import (
	"os"
	"testing"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	sess := Session{AccessToken: "at-123", RefreshToken: "rt-456", CID: "900123"}
	if err := s.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != sess {
		t.Fatalf("expected %+v, got %+v", sess, got)
	}
}

func TestLoadWithoutSaveReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if _, err := s.Load(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearRemovesSavedSession(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Save(Session{AccessToken: "at-123"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Load(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after Clear, got %v", err)
	}
}

func TestCiphertextIsNotPlaintext(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Save(Session{AccessToken: "super-secret-token"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(s.dataPath)
	if err != nil {
		t.Fatalf("read sealed file: %v", err)
	}
	if containsSubstring(raw, "super-secret-token") {
		t.Fatal("expected encrypted file to not contain the plaintext token")
	}
}

func containsSubstring(haystack []byte, needle string) bool {
	n := []byte(needle)
	for i := 0; i+len(n) <= len(haystack); i++ {
		match := true
		for j := range n {
			if haystack[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestTamperedCiphertextFailsToDecrypt(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Save(Session{AccessToken: "at-123"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(s.dataPath)
	if err != nil {
		t.Fatalf("read sealed file: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(s.dataPath, raw, 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if _, err := s.Load(); err == nil {
		t.Fatal("expected tampered ciphertext to fail decryption")
	}
}
