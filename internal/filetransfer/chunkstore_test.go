package filetransfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInMemoryChunkBytes(t *testing.T) {
	c := inMemoryChunk([]byte("hello"))

	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("Bytes() = %q; want %q", b, "hello")
	}
}

func TestOnDiskChunkBytesReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk_0")
	if err := os.WriteFile(path, []byte("spilled"), 0o644); err != nil {
		t.Fatalf("setup WriteFile failed: %v", err)
	}

	c := onDiskChunk(path)
	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error: %v", err)
	}
	if string(b) != "spilled" {
		t.Fatalf("Bytes() = %q; want %q", b, "spilled")
	}
}

func TestOnDiskChunkBytesMissingFile(t *testing.T) {
	c := onDiskChunk(filepath.Join(t.TempDir(), "does-not-exist"))
	if _, err := c.Bytes(); err == nil {
		t.Fatal("expected error reading a missing spill file")
	}
}
