package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/johnnywatts/forker/internal/hashsum"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "final.svs")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestVerifyMatch(t *testing.T) {
	data := []byte("verified payload")
	path := writeTemp(t, data)

	hash, _, err := hashsum.HashReader(mustOpenRO(t, path))
	if err != nil {
		t.Fatalf("hash reference: %v", err)
	}

	v := New(0)
	result, err := v.Verify(context.Background(), path, &hash)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Match {
		t.Fatal("expected match")
	}
	if result.ComputedHash != hash {
		t.Fatalf("computed hash %s, want %s", result.ComputedHash, hash)
	}
}

func TestVerifyMismatch(t *testing.T) {
	path := writeTemp(t, []byte("actual bytes"))
	wrong := "0000000000000000000000000000000000000000000000000000000000000000"

	v := New(0)
	result, err := v.Verify(context.Background(), path, &wrong)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Match {
		t.Fatal("expected mismatch")
	}
}

func TestVerifyNilExpectedHashIsNotAnError(t *testing.T) {
	path := writeTemp(t, []byte("data"))

	v := New(0)
	result, err := v.Verify(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Match {
		t.Fatal("nil expected hash must never match")
	}
}

func TestVerifyPropagatesOpenError(t *testing.T) {
	v := New(0)
	hash := "anything"
	_, err := v.Verify(context.Background(), filepath.Join(t.TempDir(), "missing.svs"), &hash)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func mustOpenRO(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}
