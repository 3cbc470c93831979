package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prxssh/rabbitchat/internal/config"
	"github.com/prxssh/rabbitchat/internal/protocol"
)

// peer represents one open TCP connection to a remote node, identified by
// its "host:port" address. Owned exclusively by Transport: created on
// accept or successful dial, destroyed on I/O error, timeout, or Stop.
type peer struct {
	log  *slog.Logger
	addr string
	// id is a connection-scoped correlation id for structured logs only;
	// it never appears on the wire (transfer_id, which does appear on the
	// wire, has its own unrelated format).
	id   string
	conn net.Conn

	frame *protocol.FrameReader

	// writeMu serializes writes to conn so a single envelope + trailing
	// '\n' never interleaves with another write on the same socket.
	writeMu sync.Mutex

	lastHeartbeat atomic.Int64
	closeOnce     sync.Once
	closed        atomic.Bool
}

func newPeer(log *slog.Logger, addr string, conn net.Conn) *peer {
	id := uuid.NewString()
	p := &peer{
		log:   log.With("addr", addr, "peer_id", id),
		addr:  addr,
		id:    id,
		conn:  conn,
		frame: protocol.NewFrameReader(conn),
	}
	p.touch()
	return p
}

// touch refreshes the peer's last-heartbeat timestamp; called for every
// successfully parsed inbound envelope, not just heartbeats. A corrupt line
// does not refresh it.
func (p *peer) touch() {
	p.lastHeartbeat.Store(time.Now().UnixNano())
}

func (p *peer) idleSince() time.Duration {
	return time.Since(time.Unix(0, p.lastHeartbeat.Load()))
}

// send writes env to the socket under the write lock, using the
// configured write deadline.
func (p *peer) send(env *protocol.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	return protocol.WriteEnvelope(p.conn, env)
}

// readLoop blocks reading framed envelopes until ctx is cancelled or the
// connection fails; each successfully parsed envelope is handed to onRead.
func (p *peer) readLoop(ctx context.Context, onRead func(addr string, env *protocol.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = p.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))

		env, err := p.frame.ReadEnvelope()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if err == protocol.ErrCorruptFrame {
				// Malformed line at this boundary, but the connection
				// itself is fine — drop it and keep reading.
				continue
			}
			return err
		}

		p.touch()
		onRead(p.addr, env)
	}
}

func (p *peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		_ = p.conn.Close()
		p.log.Debug("peer closed")
	})
}
