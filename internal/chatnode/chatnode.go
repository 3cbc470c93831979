// Package chatnode composes Transport, Presence, and FileTransferManager
// into the single node façade a UI or CLI drives.
package chatnode

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prxssh/rabbitchat/internal/config"
	"github.com/prxssh/rabbitchat/internal/filetransfer"
	"github.com/prxssh/rabbitchat/internal/presence"
	"github.com/prxssh/rabbitchat/internal/protocol"
	"github.com/prxssh/rabbitchat/internal/transport"
)

// Node owns Transport, Presence, and FileTransferManager exclusively for
// its lifetime.
type Node struct {
	log      *slog.Logger
	username string
	host     string
	port     int

	transport *transport.Transport
	presence  *presence.Presence
	files     *filetransfer.Manager

	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Node bound to username, listening on host:port once
// Start is called.
func New(log *slog.Logger, username, host string, port int) *Node {
	t := transport.New(log)

	n := &Node{
		log:       log.With("component", "chatnode", "username", username),
		username:  username,
		host:      host,
		port:      port,
		transport: t,
	}

	n.presence = presence.New(log, t, username)
	n.files = filetransfer.New(log, n, config.Load().DownloadDir)
	n.presence.SetFileHandler(n.files)

	return n
}

// Broadcast, LocalUsername, and Notify satisfy filetransfer.Capability: the
// one narrow back-reference FileTransferManager holds into the façade,
// rather than a direct import of this package. Notify lets the transfer
// timeout monitor's background goroutine surface an application-visible
// notification outside the normal Handle request/response flow.
func (n *Node) Broadcast(env *protocol.Envelope) int { return n.transport.Broadcast(env) }
func (n *Node) LocalUsername() string                { return n.username }
func (n *Node) Notify(env *protocol.Envelope)        { n.presence.Notify(env) }

// Start binds the listen socket, begins accepting/dialing, and starts the
// presence-refresh and transfer-timeout-monitor workers.
func (n *Node) Start(ctx context.Context) error {
	var startErr error

	n.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		n.cancel = cancel

		if err := n.transport.Start(ctx, n.host, n.port, n.presence.Dispatch); err != nil {
			startErr = err
			return
		}

		n.presence.Start(ctx)
		n.files.Start(ctx)

		n.log.Info("node started", "host", n.host, "port", n.port)
	})

	return startErr
}

// Stop sequences: cancel periodic refresh → broadcast offline presence →
// stop the transfer monitor → stop Transport.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.presence.Stop()
		n.files.Stop()
		n.transport.Stop()

		if n.cancel != nil {
			n.cancel()
		}

		n.log.Info("node stopped")
	})
}

// ConnectToPeer dials host:port and, on success, exchanges presence.
func (n *Node) ConnectToPeer(host string, port int) bool {
	return n.presence.ConnectToPeer(host, port)
}

// SendMessage broadcasts a chat envelope to every connected peer.
func (n *Node) SendMessage(text string) {
	n.presence.SendMessage(text)
}

// SendFile chunks and transmits path to every connected peer. Returns
// false if the file does not exist or no peer is reachable.
func (n *Node) SendFile(ctx context.Context, path string) bool {
	return n.files.SendFile(ctx, path)
}

// RegisterMessageCallback adds fn to the set invoked for chat, system, and
// user_update notifications. Invoked from a reader goroutine — not
// UI-thread safe.
func (n *Node) RegisterMessageCallback(fn func(*protocol.Envelope)) {
	n.presence.RegisterCallback(fn)
}

// GetTransferStatus reports progress for an in-flight or recently
// completed transfer.
func (n *Node) GetTransferStatus(transferID string) (*filetransfer.TransferStatus, bool) {
	return n.files.GetTransferStatus(transferID)
}

// History returns a snapshot of the bounded chat/system history.
func (n *Node) History() []*protocol.Envelope { return n.presence.History() }
