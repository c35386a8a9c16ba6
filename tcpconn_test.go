package netio

import (
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// waitForEvent polls queue until it sees an event of kind, failing the test
// if none arrives within the timeout. Returns the matching event/payload.
func waitForEvent(t *testing.T, queue *EventQueue, kind EventKind, timeout time.Duration) (NetEvent, []byte) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev, payload, ok := queue.PopOne(); ok {
			if ev.Kind == kind {
				return ev, payload
			}
			continue
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event kind %v", kind)
	return NetEvent{}, nil
}

func TestTcpConnectionEchoRoundTrip(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener failed: %v", err)
	}
	defer ln.Close()

	serverQueue := NewEventQueue()
	serverOwner := NewConnectionOwner()

	accepted := make(chan *TcpConnection, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- AcceptTcpConnection(conn, serverQueue, serverOwner)
	}()

	clientQueue := NewEventQueue()
	clientOwner := NewConnectionOwner()
	client := NewTcpConnection(clientQueue)
	client.SetOwner(clientOwner)

	addr := ln.Addr().(*net.TCPAddr)
	client.Connect(addr.IP.String(), uint16(addr.Port), 0)

	waitForEvent(t, clientQueue, EventConnect, 2*time.Second)

	var server *TcpConnection
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	waitForEvent(t, serverQueue, EventAccept, 2*time.Second)

	if !client.Write([]byte("ping")) {
		t.Fatal("client Write should succeed")
	}
	_, payload := waitForEvent(t, serverQueue, EventRecv, 2*time.Second)
	if string(payload) != "ping" {
		t.Fatalf("server received %q, want %q", payload, "ping")
	}

	if !server.Write([]byte("pong")) {
		t.Fatal("server Write should succeed")
	}
	_, payload = waitForEvent(t, clientQueue, EventRecv, 2*time.Second)
	if string(payload) != "pong" {
		t.Fatalf("client received %q, want %q", payload, "pong")
	}

	client.Close()
	waitForEvent(t, clientQueue, EventDisconnect, 2*time.Second)
	waitForEvent(t, serverQueue, EventDisconnect, 2*time.Second)

	if clientOwner.Len() != 0 {
		t.Fatalf("clientOwner.Len() = %d, want 0 after close", clientOwner.Len())
	}
	if serverOwner.Len() != 0 {
		t.Fatalf("serverOwner.Len() = %d, want 0 after close", serverOwner.Len())
	}
}

func TestTcpConnectionWriteRejectsOversizedMessage(t *testing.T) {
	client := NewTcpConnection(NewEventQueue())
	oversized := make([]byte, MaxMessageSize+1)
	if client.Write(oversized) {
		t.Fatal("Write should reject a message larger than MaxMessageSize")
	}
	if client.Write(nil) {
		t.Fatal("Write should reject an empty message")
	}
}

func TestTcpConnectionWriteRejectsAtHighWatermark(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener failed: %v", err)
	}
	defer ln.Close()

	// Accept and then never read. The writes below are issued back to
	// back, so frames pile up in the outbound buffer's tail while the write
	// goroutine is still sending the first one, and Write starts failing
	// once the tail would pass the watermark.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	queue := NewEventQueue()
	client := NewTcpConnection(queue, WithSendHighWatermark(64))
	addr := ln.Addr().(*net.TCPAddr)
	client.Connect(addr.IP.String(), uint16(addr.Port), 0)
	waitForEvent(t, queue, EventConnect, 2*time.Second)

	rejected := false
	msg := make([]byte, 32)
	for i := 0; i < 20; i++ {
		if !client.Write(msg) {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatal("Write should eventually reject once the high watermark is exceeded")
	}
	client.Close()
}

func TestTcpConnectionCloseIsIdempotent(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener failed: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	queue := NewEventQueue()
	client := NewTcpConnection(queue)
	addr := ln.Addr().(*net.TCPAddr)
	client.Connect(addr.IP.String(), uint16(addr.Port), 0)
	waitForEvent(t, queue, EventConnect, 2*time.Second)

	client.Close()
	client.Close()
	client.Close()

	disconnects := 0
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if ev, _, ok := queue.PopOne(); ok && ev.Kind == EventDisconnect {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("Disconnect events = %d, want exactly 1", disconnects)
	}
}
