package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/rabbitchat/internal/config"
	"github.com/prxssh/rabbitchat/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startOnEphemeralPort(t *testing.T, onMessage OnMessage) (*Transport, int) {
	t.Helper()

	tr := New(testLogger())
	if err := tr.Start(context.Background(), "127.0.0.1", 0, onMessage); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(tr.Stop)

	port := tr.listener.Addr().(*net.TCPAddr).Port
	return tr, port
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestLoopbackRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []*protocol.Envelope

	server, serverPort := startOnEphemeralPort(t, func(addr string, env *protocol.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	})
	_ = server

	client, _ := startOnEphemeralPort(t, nil)

	if !client.ConnectToPeer("127.0.0.1", serverPort) {
		t.Fatal("ConnectToPeer failed")
	}

	ok := waitFor(t, 2*time.Second, func() bool { return server.PeerCount() >= 1 })
	if !ok {
		t.Fatal("server never registered inbound peer")
	}

	sent := client.Broadcast(&protocol.Envelope{Type: protocol.TypeChat, Sender: "alice", Content: "hi", Timestamp: 1})
	if sent != 1 {
		t.Fatalf("Broadcast delivered to %d peers; want 1", sent)
	}

	ok = waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	if !ok {
		t.Fatal("server never received the broadcast chat envelope")
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].Content != "hi" || received[0].Sender != "alice" {
		t.Fatalf("unexpected envelope: %+v", received[0])
	}
}

func TestSelfConnectRefused(t *testing.T) {
	tr, port := startOnEphemeralPort(t, nil)

	if tr.ConnectToPeer("127.0.0.1", port) {
		t.Fatal("ConnectToPeer to our own loopback port should be refused")
	}
	if tr.ConnectToPeer("localhost", port) {
		t.Fatal("ConnectToPeer to 'localhost' on our own port should be refused")
	}
	if tr.PeerCount() != 0 {
		t.Fatalf("PeerCount() = %d; want 0 after refused self-connect", tr.PeerCount())
	}
}

func TestDuplicateEnvelopeSuppressed(t *testing.T) {
	var mu sync.Mutex
	deliveries := 0

	tr := New(testLogger())
	tr.onMessage = func(addr string, env *protocol.Envelope) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	}

	env := &protocol.Envelope{Type: protocol.TypeChat, Sender: "alice", Timestamp: 1700000000}
	tr.handleInbound("peer-a", env)
	tr.handleInbound("peer-a", env) // identical fingerprint, must be suppressed

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 1 {
		t.Fatalf("onMessage invoked %d times for a duplicate envelope; want 1", deliveries)
	}
}

func TestHeartbeatNeverReachesOnMessage(t *testing.T) {
	delivered := false

	tr := New(testLogger())
	tr.onMessage = func(addr string, env *protocol.Envelope) { delivered = true }

	tr.handleInbound("peer-a", &protocol.Envelope{Type: protocol.TypeHeartbeat})

	if delivered {
		t.Fatal("heartbeat envelopes must not reach onMessage")
	}
}

func TestHeartbeatTimeoutRemovesPeer(t *testing.T) {
	restore := config.Load()
	config.Update(func(c *config.Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.ConnectionTimeout = 60 * time.Millisecond
	})
	defer config.Update(func(c *config.Config) { *c = *restore })

	server, serverPort := startOnEphemeralPort(t, nil)

	// A bare TCP connection that never sends anything: the server can only
	// notice it's dead via heartbeat-idle timeout, not via socket closure.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(serverPort)))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	ok := waitFor(t, 1*time.Second, func() bool { return server.PeerCount() >= 1 })
	if !ok {
		t.Fatal("server never registered inbound peer")
	}

	ok = waitFor(t, 2*time.Second, func() bool { return server.PeerCount() == 0 })
	if !ok {
		t.Fatalf("server should have pruned the idle peer via heartbeat timeout, PeerCount = %d", server.PeerCount())
	}
}
