package netio

import (
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

func udpLoopbackPair(t *testing.T) (a, b *net.UDPConn) {
	t.Helper()
	pc1, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("NewLocalPacketListener failed: %v", err)
	}
	pc2, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("NewLocalPacketListener failed: %v", err)
	}
	return pc1.(*net.UDPConn), pc2.(*net.UDPConn)
}

func TestKcpConnectionEchoRoundTrip(t *testing.T) {
	sockA, sockB := udpLoopbackPair(t)
	defer sockA.Close()
	defer sockB.Close()

	qA := NewEventQueue()
	qB := NewEventQueue()

	connA := NewKcpConnection(sockA, sockB.LocalAddr(), 1, qA)
	connB := NewKcpConnection(sockB, sockA.LocalAddr(), 1, qB)
	connA.Start(false)
	connB.Start(true)
	defer connA.CloseSocket()
	defer connB.CloseSocket()

	if !connA.Write([]byte("ping")) {
		t.Fatal("connA.Write should succeed")
	}
	_, payload := waitForEvent(t, qB, EventRecv, 3*time.Second)
	if string(payload) != "ping" {
		t.Fatalf("connB received %q, want %q", payload, "ping")
	}

	if !connB.Write([]byte("pong")) {
		t.Fatal("connB.Write should succeed")
	}
	_, payload = waitForEvent(t, qA, EventRecv, 3*time.Second)
	if string(payload) != "pong" {
		t.Fatalf("connA received %q, want %q", payload, "pong")
	}
}

func TestKcpConnectionWriteRejectsOversizedMessage(t *testing.T) {
	sockA, sockB := udpLoopbackPair(t)
	defer sockA.Close()
	defer sockB.Close()

	conn := NewKcpConnection(sockA, sockB.LocalAddr(), 1, NewEventQueue())
	oversized := make([]byte, MaxMessageSize+1)
	if conn.Write(oversized) {
		t.Fatal("Write should reject a message larger than MaxMessageSize")
	}
	if conn.Write(nil) {
		t.Fatal("Write should reject an empty message")
	}
}

func TestKcpConnectionWriteRejectsAtHighWatermark(t *testing.T) {
	sockA, sockB := udpLoopbackPair(t)
	defer sockA.Close()
	defer sockB.Close()

	conn := NewKcpConnection(sockA, sockB.LocalAddr(), 1, NewEventQueue(), WithKcpSendHighWatermark(4))
	rejected := false
	msg := make([]byte, 512)
	for i := 0; i < 64; i++ {
		if !conn.Write(msg) {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatal("Write should eventually reject once the high watermark is exceeded")
	}
}

func TestKcpConnectionClosesOnOversizedPeerMessage(t *testing.T) {
	sockA, sockB := udpLoopbackPair(t)
	defer sockA.Close()
	defer sockB.Close()

	qA := NewEventQueue()
	qB := NewEventQueue()

	connA := NewKcpConnection(sockA, sockB.LocalAddr(), 1, qA)
	connB := NewKcpConnection(sockB, sockA.LocalAddr(), 1, qB)
	connA.Start(false)
	connB.Start(true)
	defer connA.CloseSocket()
	defer connB.CloseSocket()

	// Bypass Write's MaxMessageSize guard to simulate a misbehaving peer:
	// the ARQ engine itself has no such cap, only drainRecvLocked's
	// MaxMessageSize-sized Recv buffer does.
	oversized := make([]byte, MaxMessageSize+1024)
	connB.kcpMu.Lock()
	err := connB.kcp.Send(oversized)
	connB.kcpMu.Unlock()
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	gotErr := false
	disconnects := 0
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && disconnects == 0 {
		ev, _, ok := qA.PopOne()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		switch ev.Kind {
		case EventError:
			if ev.Err == ErrPeerOversized {
				gotErr = true
			}
		case EventDisconnect:
			disconnects++
		}
	}
	if !gotErr {
		t.Fatal("expected an ErrPeerOversized error event")
	}
	if disconnects != 1 {
		t.Fatalf("Disconnect events = %d, want exactly 1", disconnects)
	}
}

func TestKcpConnectionCloseIsIdempotent(t *testing.T) {
	sockA, sockB := udpLoopbackPair(t)
	defer sockA.Close()
	defer sockB.Close()

	queue := NewEventQueue()
	conn := NewKcpConnection(sockA, sockB.LocalAddr(), 1, queue)
	conn.Start(false)
	waitForEvent(t, queue, EventConnect, 2*time.Second)

	conn.Close()
	conn.Close()
	conn.Close()

	disconnects := 0
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if ev, _, ok := queue.PopOne(); ok && ev.Kind == EventDisconnect {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("Disconnect events = %d, want exactly 1", disconnects)
	}
}
