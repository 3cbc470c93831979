package filetransfer

import (
	"sync"
	"time"

	"github.com/prxssh/rabbitchat/internal/utils/bitfield"
)

const (
	statusSending   = "sending"
	statusReceiving = "receiving"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// outgoingTransfer is the sender-side record for a single SendFile
// invocation, keyed by transfer_id.
type outgoingTransfer struct {
	mu sync.Mutex

	filePath    string
	fileName    string
	fileSize    int64
	chunkSize   int
	totalChunks int
	fileHash    string

	startedAt    time.Time
	lastActivity time.Time
	status       string

	acked       bitfield.Bitfield
	retryCounts map[int]int

	lastProgressPct int
}

func newOutgoingTransfer(path, name string, size int64, chunkSize, totalChunks int, hash string) *outgoingTransfer {
	now := time.Now()
	return &outgoingTransfer{
		filePath:     path,
		fileName:     name,
		fileSize:     size,
		chunkSize:    chunkSize,
		totalChunks:  totalChunks,
		fileHash:     hash,
		startedAt:    now,
		lastActivity: now,
		status:       statusSending,
		acked:        bitfield.New(totalChunks),
		retryCounts:  make(map[int]int),
	}
}

// incomingTransfer is the receiver-side record, keyed by transfer_id.
type incomingTransfer struct {
	mu sync.Mutex

	destPath    string
	fileSize    int64
	chunkSize   int
	totalChunks int
	fileHash    string
	sender      string

	chunks   map[int]chunkPayload
	received bitfield.Bitfield
	tempDir  string

	startedAt    time.Time
	lastActivity time.Time
	status       string

	lastProgressPct int
}

func newIncomingTransfer(destPath string, size int64, chunkSize, totalChunks int, hash, sender, tempDir string) *incomingTransfer {
	now := time.Now()
	return &incomingTransfer{
		destPath:     destPath,
		fileSize:     size,
		chunkSize:    chunkSize,
		totalChunks:  totalChunks,
		fileHash:     hash,
		sender:       sender,
		chunks:       make(map[int]chunkPayload),
		received:     bitfield.New(totalChunks),
		tempDir:      tempDir,
		startedAt:    now,
		lastActivity: now,
		status:       statusReceiving,
	}
}

// TransferStatus is GetTransferStatus's return shape.
type TransferStatus struct {
	TransferID string
	FileName   string
	Status     string
	Progress   float64 // 0..1
}
