// Package transport implements the framed TCP layer a chat node uses to
// exchange envelopes with its peers: accepting and dialing connections,
// heartbeat-driven liveness, duplicate suppression, and broadcast.
package transport

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prxssh/rabbitchat/internal/config"
	"github.com/prxssh/rabbitchat/internal/protocol"
	"github.com/prxssh/rabbitchat/internal/utils/retry"
	"github.com/prxssh/rabbitchat/internal/utils/syncmap"
	"golang.org/x/sync/errgroup"
)

// OnMessage is invoked for every non-heartbeat envelope successfully parsed
// from any peer. It is called from that peer's reader goroutine.
type OnMessage func(addr string, env *protocol.Envelope)

// Transport owns the listen socket and every peer connection for a node's
// lifetime. It has no notion of chat/presence/file semantics: it only
// moves framed envelopes and tracks which peers are reachable.
type Transport struct {
	log *slog.Logger

	selfHost string
	selfPort int

	listener net.Listener
	peers    *syncmap.Map[string, *peer]

	// processed is the process-wide de-duplication set of envelope
	// fingerprints, bounded to config.Load().MessageTTL. Eviction when
	// over cap picks an arbitrary key from Keys(), not the oldest one.
	processed   *syncmap.Map[string, struct{}]
	processedMu sync.Mutex

	onMessage OnMessage

	cancel    context.CancelFunc
	group     *errgroup.Group
	stopOnce  sync.Once
	startOnce sync.Once
}

func New(log *slog.Logger) *Transport {
	return &Transport{
		log:       log.With("component", "transport"),
		peers:     syncmap.New[string, *peer](),
		processed: syncmap.New[string, struct{}](),
	}
}

// Start binds a TCP listen socket on host:port with address reuse, then
// begins accepting connections and sending heartbeats. The listen backlog is
// the Go runtime's default; config.ListenBacklog is not applied. onMessage
// is invoked for every non-heartbeat envelope.
func (t *Transport) Start(ctx context.Context, host string, port int, onMessage OnMessage) error {
	var startErr error

	t.startOnce.Do(func() {
		lc := net.ListenConfig{
			Control: reuseAddrControl,
		}

		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			startErr = errors.Wrapf(err, "listen on %s", addr)
			return
		}

		t.listener = ln
		t.selfHost = host
		t.selfPort = port
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			// Port 0 binds an ephemeral port; guard against the real one.
			t.selfPort = tcpAddr.Port
		}
		t.onMessage = onMessage

		runCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel

		g, gctx := errgroup.WithContext(runCtx)
		t.group = g

		g.Go(func() error { return t.acceptLoop(gctx) })
		g.Go(func() error { return t.heartbeatLoop(gctx) })

		t.log.Info("transport started", "addr", addr)
	})

	return startErr
}

// ConnectToPeer dials host:port and, on success, registers the connection
// and spawns its reader loop. Refuses self-connection to a loopback literal
// on our own listen port. The guard only catches "localhost"/"127.0.0.1";
// a node dialing itself by a different local-interface address slips
// through.
func (t *Transport) ConnectToPeer(host string, port int) bool {
	if t.isSelf(host, port) {
		t.log.Warn("refusing self-connection", "host", host, "port", port)
		return false
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, config.Load().DialTimeout)
	if err != nil {
		t.log.Debug("dial failed", "addr", addr, "error", err.Error())
		return false
	}

	t.registerConn(addr, conn)
	return true
}

// Reconnect wraps ConnectToPeer in a capped exponential backoff. It is a
// best-effort helper invoked only through explicit caller paths — nothing
// in the read/heartbeat/file-transfer loops calls it automatically.
func (t *Transport) Reconnect(ctx context.Context, host string, port int) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		if t.ConnectToPeer(host, port) {
			return nil
		}
		return errors.Errorf("failed to connect to %s:%d", host, port)
	})
}

func (t *Transport) isSelf(host string, port int) bool {
	if port != t.selfPort {
		return false
	}
	return host == "localhost" || host == "127.0.0.1"
}

func (t *Transport) registerConn(addr string, conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(config.Load().HeartbeatInterval)
	}

	p := newPeer(t.log, addr, conn)
	t.peers.Put(addr, p)

	go func() {
		err := p.readLoop(context.Background(), t.handleInbound)
		if err != nil {
			t.log.Debug("peer reader exited", "addr", addr, "error", err.Error())
		}
		t.removePeer(addr)
	}()
}

// SendToPeer serializes env to JSON, appends '\n', and writes it
// atomically to addr's socket. On any I/O failure the peer is removed and
// false is returned.
func (t *Transport) SendToPeer(addr string, env *protocol.Envelope) bool {
	p, ok := t.peers.Get(addr)
	if !ok {
		return false
	}

	if err := p.send(env); err != nil {
		t.log.Debug("send failed, dropping peer", "addr", addr, "error", err.Error())
		t.removePeer(addr)
		return false
	}

	return true
}

// Broadcast sends env to every currently connected peer, tolerating
// per-peer failures, and returns the number of peers it was delivered to.
func (t *Transport) Broadcast(env *protocol.Envelope) int {
	sent := 0
	for _, addr := range t.peers.Keys() {
		if t.SendToPeer(addr, env) {
			sent++
		}
	}
	return sent
}

// PeerCount returns the number of currently connected peers.
func (t *Transport) PeerCount() int { return t.peers.Len() }

// PeerAddrs returns a snapshot of currently connected peer addresses.
func (t *Transport) PeerAddrs() []string { return t.peers.Keys() }

func (t *Transport) removePeer(addr string) {
	p, ok := t.peers.Get(addr)
	if !ok {
		return
	}
	t.peers.Delete(addr)
	p.Close()
}

// Stop signals shutdown, closes all peer sockets before the listen socket,
// and waits for workers to exit.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}

		for _, addr := range t.peers.Keys() {
			t.removePeer(addr)
		}

		if t.listener != nil {
			_ = t.listener.Close()
		}

		if t.group != nil {
			_ = t.group.Wait()
		}

		t.log.Info("transport stopped")
	})
}

func (t *Transport) acceptLoop(ctx context.Context) error {
	l := t.log.With("worker", "accept loop")
	l.Debug("started")

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.Warn("accept failed", "error", err.Error())
			continue
		}

		addr := conn.RemoteAddr().String()
		l.Debug("accepted peer", "addr", addr)
		t.registerConn(addr, conn)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context) error {
	l := t.log.With("worker", "heartbeat loop")
	l.Debug("started")

	interval := config.Load().HeartbeatInterval
	timeout := config.Load().ConnectionTimeout

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			hb := &protocol.Envelope{
				Type:      protocol.TypeHeartbeat,
				Timestamp: float64(time.Now().Unix()),
			}
			t.Broadcast(hb)

			var dead []string
			for _, addr := range t.peers.Keys() {
				p, ok := t.peers.Get(addr)
				if !ok {
					continue
				}
				if p.idleSince() > timeout {
					dead = append(dead, addr)
				}
			}

			for _, addr := range dead {
				l.Debug("peer timed out", "addr", addr)
				t.removePeer(addr)
			}
		}
	}
}

// handleInbound is the per-peer reader's dispatch point: de-duplicate,
// then route heartbeats internally and everything else to onMessage.
func (t *Transport) handleInbound(addr string, env *protocol.Envelope) {
	fp := env.Fingerprint()

	t.processedMu.Lock()
	if _, dup := t.processed.Get(fp); dup {
		t.processedMu.Unlock()
		return
	}
	t.processed.Put(fp, struct{}{})

	if t.processed.Len() > config.Load().MessageTTL {
		keys := t.processed.Keys()
		if len(keys) > 0 {
			t.processed.Delete(keys[0])
		}
	}
	t.processedMu.Unlock()

	if env.IsHeartbeat() {
		return
	}

	if t.onMessage != nil {
		t.onMessage(addr, env)
	}
}
