package protocol

import (
	"reflect"
	"testing"
)

func TestFingerprint(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "chat envelope",
			env:  Envelope{Type: TypeChat, Sender: "alice", Timestamp: 1700000000},
			want: "1.7e+09_alice",
		},
		{
			name: "heartbeat collides on None_None",
			env:  Envelope{Type: TypeHeartbeat},
			want: "None_None",
		},
		{
			name: "file_chunk_ack collides on None_None too",
			env:  Envelope{Type: TypeFileChunkAck, TransferID: "x"},
			want: "None_None",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.env.Fingerprint(); got != tc.want {
				t.Fatalf("Fingerprint() = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestIsHeartbeat(t *testing.T) {
	hb := &Envelope{Type: TypeHeartbeat}
	if !hb.IsHeartbeat() {
		t.Fatal("expected heartbeat envelope to report IsHeartbeat")
	}

	chat := &Envelope{Type: TypeChat}
	if chat.IsHeartbeat() {
		t.Fatal("chat envelope must not report IsHeartbeat")
	}
}

func TestIsFileTransfer(t *testing.T) {
	fileTypes := []Type{
		TypeFileMetadata, TypeFileChunk, TypeFileChunkAck,
		TypeFileChunkRequest, TypeFileTransferComplete,
	}
	for _, typ := range fileTypes {
		e := &Envelope{Type: typ}
		if !e.IsFileTransfer() {
			t.Fatalf("%s should be a file transfer type", typ)
		}
	}

	nonFileTypes := []Type{TypeHeartbeat, TypeChat, TypePresence, TypeSystem, TypeUserUpdate}
	for _, typ := range nonFileTypes {
		e := &Envelope{Type: typ}
		if e.IsFileTransfer() {
			t.Fatalf("%s must not be classified as file transfer", typ)
		}
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	original := &Envelope{
		Type:        TypeFileMetadata,
		TransferID:  "1700000000_alice_report.pdf",
		FileName:    "report.pdf",
		FileSize:    12345,
		ChunkSize:   4096,
		TotalChunks: 4,
		FileHash:    "d41d8cd98f00b204e9800998ecf8427e",
		Sender:      "alice",
		Timestamp:   1700000000.5,
	}

	body, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := Unmarshal(body)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if !reflect.DeepEqual(got, original) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, original)
	}
}

func TestUnmarshalInvalidJSON(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
