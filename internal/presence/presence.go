// Package presence tracks known users, maintains bounded chat/system
// history, and dispatches incoming envelopes to application callbacks.
package presence

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/rabbitchat/internal/config"
	"github.com/prxssh/rabbitchat/internal/protocol"
	"github.com/prxssh/rabbitchat/internal/utils/syncmap"
	"github.com/samber/lo"
)

// User is a known chat participant, keyed by address (not username) since
// addresses are authoritative. Survives connection loss: the entry
// persists even after its Peer closes, but is reported online only while
// Status is online.
type User struct {
	Username string
	Address  string
	Status   protocol.Status
	LastSeen time.Time
}

// Broadcaster is the capability Presence needs from Transport: send a
// framed envelope to every connected peer or to one specific peer, and
// dial a new outbound peer.
type Broadcaster interface {
	Broadcast(env *protocol.Envelope) int
	SendToPeer(addr string, env *protocol.Envelope) bool
	ConnectToPeer(host string, port int) bool
}

// FileHandler routes file-transfer envelopes to FileTransferManager.
// Presence owns dispatch for every envelope type but has no file-transfer
// logic of its own — it forwards and relays whatever notification comes
// back.
type FileHandler interface {
	Handle(addr string, env *protocol.Envelope) *protocol.Envelope
}

type Presence struct {
	log      *slog.Logger
	conn     Broadcaster
	username string

	users   *syncmap.Map[string, *User]
	history *historyBuffer
	files   FileHandler

	callbacksMu sync.RWMutex
	callbacks   []func(*protocol.Envelope)

	refreshCancel context.CancelFunc
	refreshOnce   sync.Once
	stopOnce      sync.Once
}

func New(log *slog.Logger, conn Broadcaster, username string) *Presence {
	return &Presence{
		log:      log.With("component", "presence"),
		conn:     conn,
		username: username,
		users:    syncmap.New[string, *User](),
		history:  newHistoryBuffer(config.Load().MessageHistoryCap),
	}
}

// SetFileHandler wires the FileTransferManager that file_* envelopes are
// forwarded to. Must be called before Dispatch sees any such envelope.
func (p *Presence) SetFileHandler(fh FileHandler) { p.files = fh }

// RegisterCallback adds fn to the set invoked for chat/system/user_update
// notifications. Invoked from whichever peer's reader goroutine delivered
// the triggering envelope — callers must not assume UI-thread safety.
func (p *Presence) RegisterCallback(fn func(*protocol.Envelope)) {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.callbacks = append(p.callbacks, fn)
}

// Notify appends env to history and invokes registered callbacks, the same
// treatment Dispatch gives an inbound system envelope. Exported so
// FileTransferManager's background timeout monitor — which never goes
// through Dispatch — can still surface a notification.
func (p *Presence) Notify(env *protocol.Envelope) {
	p.history.Add(env)
	p.invokeCallbacks(env)
}

func (p *Presence) invokeCallbacks(env *protocol.Envelope) {
	p.callbacksMu.RLock()
	snapshot := append([]func(*protocol.Envelope){}, p.callbacks...)
	p.callbacksMu.RUnlock()

	for _, fn := range snapshot {
		fn(env)
	}
}

// Start broadcasts our online presence and begins the 30s periodic
// presence-refresh worker.
func (p *Presence) Start(ctx context.Context) {
	p.broadcastPresence(protocol.StatusOnline)

	ctx, cancel := context.WithCancel(ctx)
	p.refreshCancel = cancel

	go p.refreshLoop(ctx)
}

// Stop cancels the refresh worker, then broadcasts offline presence. Does
// not touch Transport; the façade sequences that separately.
func (p *Presence) Stop() {
	p.stopOnce.Do(func() {
		if p.refreshCancel != nil {
			p.refreshCancel()
		}
		p.broadcastPresence(protocol.StatusOffline)
	})
}

// ConnectToPeer delegates to Transport and, on success, immediately sends a
// presence envelope to the new peer and triggers a peer-list refresh.
func (p *Presence) ConnectToPeer(host string, port int) bool {
	if !p.conn.ConnectToPeer(host, port) {
		return false
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	p.conn.SendToPeer(addr, p.presenceEnvelope(protocol.StatusOnline))
	p.emitUserUpdate()
	return true
}

// SendMessage builds a chat envelope, appends it to history, and
// broadcasts it.
func (p *Presence) SendMessage(text string) {
	env := &protocol.Envelope{
		Type:      protocol.TypeChat,
		Sender:    p.username,
		Content:   text,
		Timestamp: nowUnix(),
	}
	p.history.Add(env)
	p.conn.Broadcast(env)
}

// Dispatch routes an inbound envelope by type.
func (p *Presence) Dispatch(addr string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		p.history.Add(env)
		p.invokeCallbacks(env)

	case protocol.TypePresence:
		p.upsertUser(addr, env)
		p.emitUserUpdate()

	case protocol.TypeSystem:
		p.history.Add(env)
		p.invokeCallbacks(env)

	default:
		if env.IsFileTransfer() && p.files != nil {
			if note := p.files.Handle(addr, env); note != nil {
				p.invokeCallbacks(note)
			}
		}
	}
}

func (p *Presence) upsertUser(addr string, env *protocol.Envelope) {
	_, existed := p.users.Get(addr)

	u := &User{
		Username: env.Username,
		Address:  addr,
		Status:   env.Status,
		LastSeen: time.Now(),
	}
	p.users.Put(addr, u)

	if !existed {
		p.invokeCallbacks(&protocol.Envelope{
			Type:      protocol.TypeSystem,
			Content:   env.Username + " connected",
			Timestamp: nowUnix(),
		})
	}
}

func (p *Presence) emitUserUpdate() {
	online := lo.FilterMap(p.users.Values(), func(u *User, _ int) (string, bool) {
		return u.Username, u.Status == protocol.StatusOnline
	})

	p.invokeCallbacks(&protocol.Envelope{
		Type:      protocol.TypeUserUpdate,
		Users:     online,
		Timestamp: nowUnix(),
	})
}

func (p *Presence) broadcastPresence(status protocol.Status) {
	p.conn.Broadcast(p.presenceEnvelope(status))
}

func (p *Presence) presenceEnvelope(status protocol.Status) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      protocol.TypePresence,
		Username:  p.username,
		Status:    status,
		Timestamp: nowUnix(),
	}
}

func (p *Presence) refreshLoop(ctx context.Context) {
	l := p.log.With("worker", "presence refresh loop")
	l.Debug("started")

	ticker := time.NewTicker(config.Load().PresenceRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.broadcastPresence(protocol.StatusOnline)
			p.emitUserUpdate()
		}
	}
}

// History returns a snapshot of the bounded chat/system history.
func (p *Presence) History() []*protocol.Envelope { return p.history.All() }

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }
