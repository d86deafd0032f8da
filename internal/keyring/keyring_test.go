package keyring

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")
	keys := map[string]string{
		"openai": "sk-test-123",
		"qwen":   "sk-qwen-456",
	}

	if err := Save(path, "correct horse battery", keys); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path, "correct horse battery")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got["openai"] != "sk-test-123" || got["qwen"] != "sk-qwen-456" {
		t.Errorf("round trip mismatch: %v", got)
	}
}

func TestLoadWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")
	if err := Save(path, "right", map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Load(path, "wrong"); err != ErrBadPassphrase {
		t.Errorf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")
	if err := os.WriteFile(path, []byte("not a keyring"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, "whatever"); err != ErrMalformed {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestLoadTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")
	if err := os.WriteFile(path, append(append([]byte{}, magic...), 0x01, 0x02), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, "whatever"); err != ErrMalformed {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.enc"), "x"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveGeneratesFreshSalt(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.enc")
	b := filepath.Join(dir, "b.enc")
	keys := map[string]string{"openai": "sk"}

	if err := Save(a, "p", keys); err != nil {
		t.Fatal(err)
	}
	if err := Save(b, "p", keys); err != nil {
		t.Fatal(err)
	}

	da, _ := os.ReadFile(a)
	db, _ := os.ReadFile(b)
	if string(da) == string(db) {
		t.Error("two saves of the same content should differ (fresh salt/nonce)")
	}

	// Both must still decrypt.
	for _, p := range []string{a, b} {
		got, err := Load(p, "p")
		if err != nil || got["openai"] != "sk" {
			t.Errorf("Load(%s): %v %v", p, got, err)
		}
	}
}

func TestFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")
	if err := Save(path, "p", map[string]string{"a": "b"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
}
