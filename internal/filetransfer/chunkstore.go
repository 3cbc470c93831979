package filetransfer

import "os"

// chunkKind distinguishes where a received chunk's bytes actually live.
type chunkKind int

const (
	chunkInMemory chunkKind = iota
	chunkOnDisk
)

// chunkPayload is a tagged variant of "where does this chunk's data live":
// an in-memory chunk carries its bytes directly, an on-disk chunk carries
// the spill-file path. Never inspect kind from outside this file — use
// Bytes().
type chunkPayload struct {
	kind chunkKind
	data []byte
	path string
}

func inMemoryChunk(b []byte) chunkPayload {
	return chunkPayload{kind: chunkInMemory, data: b}
}

func onDiskChunk(path string) chunkPayload {
	return chunkPayload{kind: chunkOnDisk, path: path}
}

// Bytes returns the chunk's payload, reading it off disk if it was
// spilled.
func (c chunkPayload) Bytes() ([]byte, error) {
	switch c.kind {
	case chunkInMemory:
		return c.data, nil
	case chunkOnDisk:
		return os.ReadFile(c.path)
	default:
		return nil, nil
	}
}
