// Package filetransfer implements chunked, acknowledged file transfer over
// the node's broadcast transport: chunking, base64 framing, ack tracking,
// missing-chunk recovery, a timeout monitor, and MD5 verification.
package filetransfer

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prxssh/rabbitchat/internal/config"
	"github.com/prxssh/rabbitchat/internal/protocol"
	"github.com/prxssh/rabbitchat/internal/utils/syncmap"
)

// Capability is the injected back-reference FileTransferManager needs from
// the Node façade — broadcast, the local username, and a way to surface an
// application-visible notification outside the request/response flow of
// Handle — modeled as a narrow capability interface rather than a
// reference cycle.
type Capability interface {
	Broadcast(env *protocol.Envelope) int
	LocalUsername() string
	Notify(env *protocol.Envelope)
}

type Manager struct {
	log         *slog.Logger
	node        Capability
	downloadDir string

	out *syncmap.Map[string, *outgoingTransfer]
	in  *syncmap.Map[string, *incomingTransfer]

	cancel   context.CancelFunc
	stopOnce sync.Once
}

func New(log *slog.Logger, node Capability, downloadDir string) *Manager {
	return &Manager{
		log:         log.With("component", "filetransfer"),
		node:        node,
		downloadDir: downloadDir,
		out:         syncmap.New[string, *outgoingTransfer](),
		in:          syncmap.New[string, *incomingTransfer](),
	}
}

// Start launches the 5s timeout-monitor worker.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.timeoutMonitorLoop(ctx)
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// SendFile validates the file, broadcasts metadata, and — on success —
// spawns a background worker that chunks, sends, and waits for
// acknowledgement. Returns false if the file is missing or the metadata
// broadcast reached no peer.
func (m *Manager) SendFile(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		m.log.Warn("SendFile: file not found", "path", path)
		return false
	}

	hash, err := hashFile(path)
	if err != nil {
		m.log.Warn("SendFile: failed to hash file", "path", path, "error", err.Error())
		return false
	}

	cfg := config.Load()
	chunkSize := cfg.ChunkSize
	totalChunks := int((info.Size() + int64(chunkSize) - 1) / int64(chunkSize))
	fileName := filepath.Base(path)
	username := m.node.LocalUsername()
	transferID := fmt.Sprintf("%d_%s_%s", time.Now().Unix(), username, fileName)

	meta := &protocol.Envelope{
		Type:        protocol.TypeFileMetadata,
		TransferID:  transferID,
		FileName:    fileName,
		FileSize:    info.Size(),
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		FileHash:    hash,
		Sender:      username,
		Timestamp:   nowUnix(),
	}

	if sent := m.node.Broadcast(meta); sent == 0 {
		m.log.Warn("SendFile: no peers, aborting", "transfer_id", transferID)
		return false
	}

	tr := newOutgoingTransfer(path, fileName, info.Size(), chunkSize, totalChunks, hash)
	m.out.Put(transferID, tr)

	go m.runOutgoingTransfer(ctx, transferID, tr)

	return true
}

func (m *Manager) runOutgoingTransfer(ctx context.Context, transferID string, tr *outgoingTransfer) {
	cfg := config.Load()
	username := m.node.LocalUsername()

	if err := m.sendAllChunks(ctx, transferID, tr, username); err != nil {
		m.log.Warn("chunk send loop failed", "transfer_id", transferID, "error", err.Error())
	}

	deadline := time.Now().Add(cfg.AckWaitTimeout)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		done := tr.acked.AllUpTo(tr.totalChunks)
		tr.mu.Unlock()
		if done {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.AckPollInterval):
		}
	}

	tr.mu.Lock()
	if tr.acked.AllUpTo(tr.totalChunks) {
		tr.status = statusCompleted
	}
	tr.mu.Unlock()

	m.node.Broadcast(&protocol.Envelope{
		Type:       protocol.TypeFileTransferComplete,
		TransferID: transferID,
		Sender:     username,
		Timestamp:  nowUnix(),
	})
}

func (m *Manager) sendAllChunks(ctx context.Context, transferID string, tr *outgoingTransfer, username string) error {
	cfg := config.Load()

	f, err := os.Open(tr.filePath)
	if err != nil {
		return errors.Wrap(err, "open file for chunking")
	}
	defer f.Close()

	buf := make([]byte, tr.chunkSize)
	for i := 0; i < tr.totalChunks; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return errors.Wrapf(err, "read chunk %d", i)
		}

		m.node.Broadcast(&protocol.Envelope{
			Type:       protocol.TypeFileChunk,
			TransferID: transferID,
			ChunkIndex: i,
			Data:       base64.StdEncoding.EncodeToString(buf[:n]),
			Sender:     username,
			Timestamp:  nowUnix(),
		})

		if (i+1)%cfg.ChunkThrottleEvery == 0 {
			time.Sleep(cfg.ChunkThrottleDelay)
		}
	}

	return nil
}

// Handle dispatches a file_* envelope and returns an application-visible
// system notification when one is warranted, or nil.
func (m *Manager) Handle(addr string, env *protocol.Envelope) *protocol.Envelope {
	switch env.Type {
	case protocol.TypeFileMetadata:
		return m.handleMetadata(env)
	case protocol.TypeFileChunk:
		return m.handleChunk(env)
	case protocol.TypeFileChunkAck:
		return m.handleAck(env)
	case protocol.TypeFileChunkRequest:
		return m.handleChunkRequest(env)
	case protocol.TypeFileTransferComplete:
		return m.handleComplete(env)
	default:
		return nil
	}
}

func (m *Manager) handleMetadata(env *protocol.Envelope) *protocol.Envelope {
	cfg := config.Load()

	destPath := uniqueDestPath(m.downloadDir, env.FileName)

	var tempDir string
	if env.FileSize > cfg.LargeFileThreshold {
		dir, err := os.MkdirTemp("", "rabbitchat-transfer-*")
		if err != nil {
			m.log.Warn("failed to create spill dir", "error", err.Error())
		} else {
			tempDir = dir
		}
	}

	tr := newIncomingTransfer(destPath, env.FileSize, env.ChunkSize, env.TotalChunks, env.FileHash, env.Sender, tempDir)
	m.in.Put(env.TransferID, tr)

	return systemNotice(fmt.Sprintf("Receiving file %s from %s...", env.FileName, env.Sender))
}

func (m *Manager) handleChunk(env *protocol.Envelope) *protocol.Envelope {
	tr, ok := m.in.Get(env.TransferID)
	if !ok {
		return nil
	}

	// Ack is broadcast, not unicast — wasteful but kept, since switching
	// to unicast would change the wire protocol every peer expects.
	m.node.Broadcast(&protocol.Envelope{
		Type:       protocol.TypeFileChunkAck,
		TransferID: env.TransferID,
		ChunkIndex: env.ChunkIndex,
		Timestamp:  nowUnix(),
	})

	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return systemNotice(fmt.Sprintf("Failed to decode chunk %d of transfer %s", env.ChunkIndex, env.TransferID))
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.lastActivity = time.Now()

	if tr.tempDir != "" {
		path := filepath.Join(tr.tempDir, fmt.Sprintf("chunk_%d", env.ChunkIndex))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return systemNotice(fmt.Sprintf("Failed to store chunk %d of transfer %s", env.ChunkIndex, env.TransferID))
		}
		tr.chunks[env.ChunkIndex] = onDiskChunk(path)
	} else {
		tr.chunks[env.ChunkIndex] = inMemoryChunk(data)
	}
	tr.received.Set(env.ChunkIndex)

	pct := tr.received.CountUpTo(tr.totalChunks) * 100 / max(1, tr.totalChunks)
	if pct-tr.lastProgressPct >= 5 {
		tr.lastProgressPct = pct
		return systemNotice(fmt.Sprintf("Receiving %s: %d%%", env.TransferID, pct))
	}

	return nil
}

func (m *Manager) handleAck(env *protocol.Envelope) *protocol.Envelope {
	tr, ok := m.out.Get(env.TransferID)
	if !ok {
		return nil
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.lastActivity = time.Now()
	tr.acked.Set(env.ChunkIndex)

	pct := tr.acked.CountUpTo(tr.totalChunks) * 100 / max(1, tr.totalChunks)
	if pct-tr.lastProgressPct >= 5 {
		tr.lastProgressPct = pct
		return systemNotice(fmt.Sprintf("Sending %s: %d%%", tr.fileName, pct))
	}

	return nil
}

func (m *Manager) handleChunkRequest(env *protocol.Envelope) *protocol.Envelope {
	tr, ok := m.out.Get(env.TransferID)
	if !ok {
		return nil
	}

	go m.resendChunks(env.TransferID, tr, env.Chunks, config.Load().MissingChunkResendDelay)
	return nil
}

func (m *Manager) resendChunks(transferID string, tr *outgoingTransfer, indices []int, pause time.Duration) {
	f, err := os.Open(tr.filePath)
	if err != nil {
		m.log.Warn("resend: failed to reopen source file", "error", err.Error())
		return
	}
	defer f.Close()

	username := m.node.LocalUsername()
	buf := make([]byte, tr.chunkSize)

	for n, idx := range indices {
		read, err := f.ReadAt(buf, int64(idx)*int64(tr.chunkSize))
		if err != nil && err != io.EOF {
			continue
		}

		m.node.Broadcast(&protocol.Envelope{
			Type:       protocol.TypeFileChunk,
			TransferID: transferID,
			ChunkIndex: idx,
			Data:       base64.StdEncoding.EncodeToString(buf[:read]),
			Sender:     username,
			Timestamp:  nowUnix(),
		})

		if n < len(indices)-1 {
			time.Sleep(pause)
		}
	}
}

func (m *Manager) handleComplete(env *protocol.Envelope) *protocol.Envelope {
	tr, ok := m.in.Get(env.TransferID)
	if !ok {
		return nil
	}

	tr.mu.Lock()
	missing := tr.received.Missing(tr.totalChunks, config.Load().MaxMissingChunksPerRequest)
	tr.mu.Unlock()

	if len(missing) > 0 {
		m.node.Broadcast(&protocol.Envelope{
			Type:       protocol.TypeFileChunkRequest,
			TransferID: env.TransferID,
			Chunks:     missing,
			Timestamp:  nowUnix(),
		})
		return systemNotice(fmt.Sprintf("Transfer %s incomplete, requesting missing chunks...", env.TransferID))
	}

	return m.assembleAndVerify(env.TransferID, tr)
}

func (m *Manager) assembleAndVerify(transferID string, tr *incomingTransfer) *protocol.Envelope {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if err := m.assemble(tr); err != nil {
		m.log.Warn("assemble failed", "transfer_id", transferID, "error", err.Error())
		return systemNotice(fmt.Sprintf("Failed to assemble %s", transferID))
	}

	actualHash, err := hashFile(tr.destPath)
	if err != nil || actualHash != tr.fileHash {
		_ = os.Remove(tr.destPath)
		tr.status = statusFailed
		m.cleanupTempDir(tr)
		m.in.Delete(transferID)
		return systemNotice(fmt.Sprintf("Hash verification failed for %s", filepath.Base(tr.destPath)))
	}

	// The completed record stays in m.in so GetTransferStatus can still
	// report it.
	tr.status = statusCompleted
	m.cleanupTempDir(tr)

	return systemNotice(fmt.Sprintf("Received %s successfully", filepath.Base(tr.destPath)))
}

// assemble writes chunks 0..N-1 to destPath in order, each at offset
// index*chunkSize. It runs once, after every chunk is present; it fails on
// the first missing chunk.
func (m *Manager) assemble(tr *incomingTransfer) error {
	out, err := os.Create(tr.destPath)
	if err != nil {
		return errors.Wrap(err, "create destination file")
	}
	defer out.Close()

	for i := 0; i < tr.totalChunks; i++ {
		chunk, ok := tr.chunks[i]
		if !ok {
			return errors.Errorf("missing chunk %d during assembly", i)
		}

		data, err := chunk.Bytes()
		if err != nil {
			return errors.Wrapf(err, "read chunk %d", i)
		}

		if _, err := out.WriteAt(data, int64(i)*int64(tr.chunkSize)); err != nil {
			return errors.Wrapf(err, "write chunk %d", i)
		}
	}

	return nil
}

func (m *Manager) cleanupTempDir(tr *incomingTransfer) {
	if tr.tempDir != "" {
		_ = os.RemoveAll(tr.tempDir)
	}
}

func (m *Manager) timeoutMonitorLoop(ctx context.Context) {
	l := m.log.With("worker", "transfer timeout monitor")
	l.Debug("started")

	cfg := config.Load()
	ticker := time.NewTicker(cfg.TransferMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOutgoingTimeouts()
			m.checkIncomingTimeouts()
		}
	}
}

func (m *Manager) checkOutgoingTimeouts() {
	cfg := config.Load()

	for _, id := range m.out.Keys() {
		tr, ok := m.out.Get(id)
		if !ok {
			continue
		}

		tr.mu.Lock()
		stale := time.Since(tr.lastActivity) > cfg.TransferTimeout && tr.status == statusSending
		var missing []int
		if stale {
			missing = tr.acked.Missing(tr.totalChunks, cfg.MaxChunksResentPerTick)
			tr.lastActivity = time.Now()
		}
		tr.mu.Unlock()

		if stale && len(missing) > 0 {
			go m.resendChunks(id, tr, missing, cfg.MissingChunkResendDelay)
		}
	}
}

func (m *Manager) checkIncomingTimeouts() {
	cfg := config.Load()

	for _, id := range m.in.Keys() {
		tr, ok := m.in.Get(id)
		if !ok {
			continue
		}

		tr.mu.Lock()
		stale := time.Since(tr.lastActivity) > cfg.TransferTimeout && tr.status == statusReceiving
		var missing []int
		if stale {
			missing = tr.received.Missing(tr.totalChunks, cfg.MaxMissingChunksPerRequest)
			tr.lastActivity = time.Now()
		}
		tr.mu.Unlock()

		if stale && len(missing) > 0 {
			m.node.Broadcast(&protocol.Envelope{
				Type:       protocol.TypeFileChunkRequest,
				TransferID: id,
				Chunks:     missing,
				Timestamp:  nowUnix(),
			})
			m.node.Notify(systemNotice(fmt.Sprintf("Transfer %s stalled, requesting missing chunks...", filepath.Base(tr.destPath))))
		}
	}
}

// GetTransferStatus returns progress for either an outgoing or incoming
// transfer, whichever is found.
func (m *Manager) GetTransferStatus(transferID string) (*TransferStatus, bool) {
	if tr, ok := m.out.Get(transferID); ok {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return &TransferStatus{
			TransferID: transferID,
			FileName:   tr.fileName,
			Status:     tr.status,
			Progress:   float64(tr.acked.CountUpTo(tr.totalChunks)) / float64(max(1, tr.totalChunks)),
		}, true
	}

	if tr, ok := m.in.Get(transferID); ok {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return &TransferStatus{
			TransferID: transferID,
			FileName:   filepath.Base(tr.destPath),
			Status:     tr.status,
			Progress:   float64(tr.received.CountUpTo(tr.totalChunks)) / float64(max(1, tr.totalChunks)),
		}, true
	}

	return nil, false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// uniqueDestPath builds a collision-free destination path of the form
// {download_dir}/{basename}_{unix_seconds}{ext}.
func uniqueDestPath(dir, fileName string) string {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, time.Now().Unix(), ext))
}

func systemNotice(content string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      protocol.TypeSystem,
		Content:   content,
		Timestamp: nowUnix(),
	}
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }
