package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mesh.db")
	s, err := Open(dbPath, "test-passphrase", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("keys", "identity", []byte("secret-bytes")); err != nil {
		t.Fatal(err)
	}
	value, ok, err := s.Get("keys", "identity")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected value to be found")
	}
	if string(value) != "secret-bytes" {
		t.Fatalf("got %q", value)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("keys", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected missing key to report not found")
	}
}

func TestPutOverwrites(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("ledger", "alice", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("ledger", "alice", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	value, _, err := s.Get("ledger", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "v2" {
		t.Fatalf("expected overwritten value, got %q", value)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("seen", "msg-1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("seen", "msg-1"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.Get("seen", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestList(t *testing.T) {
	s := openTestStore(t)
	for _, key := range []string{"a", "b", "c"} {
		if err := s.Put("ns", key, []byte(key)); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.List("ns")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}
}

func TestValuesEncryptedAtRestDifferentPassphraseFails(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mesh.db")
	s1, err := Open(dbPath, "correct-horse", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Put("keys", "identity", []byte("top secret")); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dbPath, "wrong-passphrase", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if _, _, err := s2.Get("keys", "identity"); err == nil {
		t.Fatal("expected decryption with the wrong passphrase to fail")
	}
}

func TestNamespaceTTLCleanup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mesh.db")
	s, err := Open(dbPath, "pw", map[string]time.Duration{"seen": 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Put("seen", "msg-1", []byte("x")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, ok, err := s.Get("seen", "msg-1")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected expired seen entry to be cleaned up")
}
