// Package protocol defines the wire envelopes exchanged between chat nodes
// and the newline-delimited JSON framing used to carry them over TCP.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type identifies the shape of an Envelope's payload.
type Type string

const (
	TypeHeartbeat           Type = "heartbeat"
	TypeChat                Type = "chat"
	TypePresence            Type = "presence"
	TypeSystem              Type = "system"
	TypeUserUpdate          Type = "user_update"
	TypeFileMetadata        Type = "file_metadata"
	TypeFileChunk           Type = "file_chunk"
	TypeFileChunkAck        Type = "file_chunk_ack"
	TypeFileChunkRequest    Type = "file_chunk_request"
	TypeFileTransferComplete Type = "file_transfer_complete"
)

// Status is the online/offline state carried in presence envelopes.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Envelope is the single unit transmitted on the wire: a JSON object with a
// mandatory Type field and type-specific payload. Every field beyond Type is
// optional and only populated for the types that use it.
type Envelope struct {
	Type Type `json:"type"`

	// heartbeat / chat / presence / system / file_* share this.
	Timestamp float64 `json:"timestamp,omitempty"`

	// chat
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content,omitempty"`

	// presence
	Username string `json:"username,omitempty"`
	Status   Status `json:"status,omitempty"`

	// user_update
	Users []string `json:"users,omitempty"`

	// file_metadata
	TransferID  string `json:"transfer_id,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`

	// file_chunk
	ChunkIndex int    `json:"chunk_index,omitempty"`
	Data       string `json:"data,omitempty"`

	// file_chunk_request
	Chunks []int `json:"chunks,omitempty"`
}

// Fingerprint derives the coarse de-duplication key used by Transport.
// Envelopes lacking both Timestamp and Sender collide on "None_None";
// heartbeats are filtered before dispatch regardless, and acks are
// idempotent, so the collision has no observable effect.
func (e *Envelope) Fingerprint() string {
	ts := "None"
	if e.Timestamp != 0 {
		ts = fmt.Sprintf("%v", e.Timestamp)
	}

	sender := "None"
	if e.Sender != "" {
		sender = e.Sender
	}

	return ts + "_" + sender
}

// IsHeartbeat reports whether e is a liveness envelope. Heartbeats update
// Transport's last-activity tracking but are never delivered to on_message.
func (e *Envelope) IsHeartbeat() bool { return e != nil && e.Type == TypeHeartbeat }

// IsFileTransfer reports whether e belongs to the file-transfer sub-protocol
// and should be routed to FileTransferManager rather than the presence/chat
// layer.
func (e *Envelope) IsFileTransfer() bool {
	switch e.Type {
	case TypeFileMetadata, TypeFileChunk, TypeFileTransferComplete,
		TypeFileChunkAck, TypeFileChunkRequest:
		return true
	default:
		return false
	}
}

// Marshal serializes e to compact JSON with no trailing newline.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a single JSON object (one line, sans newline) into an
// Envelope.
func Unmarshal(line []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
