package netio

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// kcpUpdateInterval is how often the internal ARQ engine is ticked, per
// SPEC_FULL.md's default "turbo" profile (nodelay=1, interval=10ms,
// resend=2, nc=1).
const kcpUpdateInterval = 10 * time.Millisecond

// KcpOption configures a KcpConnection at construction time.
type KcpOption func(*KcpConnection)

// WithKcpSendHighWatermark overrides the default outbound-buffer high
// watermark, measured in unacknowledged/unsent ARQ segments.
func WithKcpSendHighWatermark(segments int) KcpOption {
	return func(c *KcpConnection) { c.sendHighWater = segments }
}

// WithKcpFEC enables Reed-Solomon forward error correction for this
// connection's datagrams.
func WithKcpFEC(opt FECOption) KcpOption {
	return func(c *KcpConnection) { c.fecOpt = opt; c.fecEnabled = true }
}

// WithKcpCrypt encrypts this connection's datagrams with block.
func WithKcpCrypt(block BlockCrypt) KcpOption {
	return func(c *KcpConnection) { c.crypt = block }
}

const defaultKcpSendHighWatermark = 2048

// KcpConnection is a message stream over the internal KCP ARQ engine, itself
// riding an unreliable net.PacketConn. A KcpConnection does not own a
// listening loop: it wraps either a dialed *net.UDPConn (client side) or the
// shared socket of a KcpAcceptor (server side), which reads that socket
// itself and feeds each session through Input.
type KcpConnection struct {
	pconn  net.PacketConn
	remote net.Addr
	conv   uint32
	key    NetKey

	queue *EventQueue
	owner *ConnectionOwner

	sendHighWater int
	fecEnabled    bool
	fecOpt        FECOption
	fec           *fecCodec
	fecPending    [][]byte
	crypt         BlockCrypt

	kcpMu sync.Mutex
	kcp   *KCP

	closeOnce sync.Once
	closed    atomic.Bool
	started   atomic.Bool

	// externalInput is set by a KcpAcceptor for sessions it demultiplexes:
	// the acceptor's Serve loop is the only reader of the shared socket, so
	// Start must not also launch recvLoop against the same net.PacketConn.
	externalInput bool

	// onClose, if set, is called at the end of Close — used by a
	// KcpAcceptor to prune its demux table when a session it created ends.
	onClose func()

	stopUpdate chan struct{}
}

// NewKcpConnection wraps pconn/remote as a KCP session identified by conv.
// The caller is responsible for handing inbound datagrams for this
// conversation to Input (a demultiplexing acceptor's job) or, for a direct
// point-to-point *net.UDPConn, the receive goroutine Start launches reads
// them itself.
func NewKcpConnection(pconn net.PacketConn, remote net.Addr, conv uint32, queue *EventQueue, opts ...KcpOption) *KcpConnection {
	c := &KcpConnection{
		pconn:         pconn,
		remote:        remote,
		conv:          conv,
		queue:         queue,
		sendHighWater: defaultKcpSendHighWatermark,
		stopUpdate:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fecEnabled {
		fec, err := newFECCodec(c.fecOpt)
		if err != nil {
			glog.Errorf("netio: kcp: fec init failed, disabling: %v", err)
		} else {
			c.fec = fec
		}
	}
	c.kcp = NewKCP(conv, c.output)
	c.kcp.SetNoDelay(1, 10, 2, true)
	if udpAddr, ok := remote.(*net.UDPAddr); ok {
		c.key = kcpKey(udpAddr, uint16(conv))
	}
	return c
}

// Key returns this connection's NetKey.
func (c *KcpConnection) Key() NetKey { return c.key }

// SetOwner sets the registry this connection's Close path removes itself
// from.
func (c *KcpConnection) SetOwner(owner *ConnectionOwner) { c.owner = owner }

// Start registers with the owner, pushes an Accept or Connect event
// (isAccept distinguishes which), and launches the update-timer goroutine
// and, unless a KcpAcceptor feeds this session, the receive goroutine. The
// caller dials/accepts the underlying socket and decides
// the conversation id before calling Start.
func (c *KcpConnection) Start(isAccept bool) {
	if c.owner != nil {
		c.owner.AddConn(c)
	}
	ip, port := hostPort(c.remote)
	if isAccept {
		c.queue.PushAccept(c.key, ip, port)
	} else {
		c.queue.PushConnect(c.key, ip, port)
	}
	go c.updateLoop()
	if !c.externalInput {
		go c.recvLoop()
	}
}

func hostPort(addr net.Addr) (string, uint16) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return "", 0
	}
	return udpAddr.IP.String(), uint16(udpAddr.Port)
}

// Write submits data as a single application message to the ARQ engine's
// send queue. The engine preserves exact message boundaries per Send call
// (see ikcp.go), so no additional framing is needed here — this mirrors
// original_source/src/kcp/KcpConn.cpp's direct ikcp_send use, and matches
// spec.md's KCP wire format of one opaque application message per send.
// Returns false without enqueueing anything if data is empty, exceeds
// MaxMessageSize, or the engine's unacked+unsent segment count is already at
// the high watermark.
func (c *KcpConnection) Write(data []byte) bool {
	if len(data) == 0 || len(data) > MaxMessageSize {
		return false
	}

	c.kcpMu.Lock()
	defer c.kcpMu.Unlock()
	if c.kcp.WaitSnd() >= c.sendHighWater {
		return false
	}
	if err := c.kcp.Send(data); err != nil {
		return false
	}
	return true
}

// output is the ARQ engine's callback for a wire-ready datagram. It applies
// the optional crypt/FEC pipeline and writes the result to the socket.
func (c *KcpConnection) output(data []byte) {
	if c.fec != nil {
		c.fecPending = append(c.fecPending, append([]byte(nil), data...))
		if len(c.fecPending) < c.fec.dataShards {
			return
		}
		shards, err := c.fec.encodeGroup(c.fecPending)
		c.fecPending = c.fecPending[:0]
		if err != nil {
			glog.Warningf("netio: kcp: fec encode failed: %v", err)
			return
		}
		for _, s := range shards {
			c.sendRaw(s)
		}
		return
	}
	c.sendRaw(data)
}

func (c *KcpConnection) sendRaw(data []byte) {
	if c.crypt != nil {
		data = sealPacket(c.crypt, data)
	}
	if _, err := c.pconn.WriteTo(data, c.remote); err != nil {
		c.fail(ErrSend)
	}
}

// updateLoop ticks the ARQ engine on its flush interval until Close.
func (c *KcpConnection) updateLoop() {
	ticker := time.NewTicker(kcpUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopUpdate:
			return
		case <-ticker.C:
			c.kcpMu.Lock()
			c.kcp.Update(currentMs())
			c.drainRecvLocked()
			c.kcpMu.Unlock()
		}
	}
}

// recvLoop reads raw datagrams from the socket and feeds them through the
// crypt/FEC pipeline into Input. Used when this KcpConnection owns a real
// *net.UDPConn (client dial); a server-side demultiplexing acceptor instead
// calls Input directly as it routes datagrams by conversation id.
func (c *KcpConnection) recvLoop() {
	buf := datagramBuf.Get().([]byte)
	defer datagramBuf.Put(buf)
	for {
		n, _, err := c.pconn.ReadFrom(buf)
		if err != nil {
			c.fail(ErrRecv)
			return
		}
		c.Input(append([]byte(nil), buf[:n]...))
	}
}

// Input feeds one raw datagram received for this conversation into the
// connection: decrypts/de-FECs it as configured, then hands the result to
// the ARQ engine.
func (c *KcpConnection) Input(raw []byte) {
	if c.crypt != nil {
		plain, ok := openPacket(c.crypt, raw)
		if !ok {
			return
		}
		raw = plain
	}
	if c.fec != nil {
		groups, ok := c.fec.decodeShard(raw)
		if !ok {
			return
		}
		c.kcpMu.Lock()
		for _, g := range groups {
			_ = c.kcp.Input(g)
		}
		c.drainRecvLocked()
		c.kcpMu.Unlock()
		return
	}

	c.kcpMu.Lock()
	_ = c.kcp.Input(raw)
	c.drainRecvLocked()
	c.kcpMu.Unlock()
}

// drainRecvLocked pulls every fully-reassembled application message out of
// the ARQ engine's receive queue and pushes it to the event queue. The
// engine hands back exactly the bytes one peer Send call submitted, so no
// unwrapping is needed. Must be called with kcpMu held.
func (c *KcpConnection) drainRecvLocked() {
	buf := make([]byte, MaxMessageSize)
	for {
		size := c.kcp.PeekSize()
		if size < 0 {
			return
		}
		n, err := c.kcp.Recv(buf)
		if err == errPeekExceedsBuffer {
			// The peer's message exceeds MaxMessageSize and Recv left it
			// queued without consuming it (see ikcp.go), so PeekSize would
			// keep reporting the same oversized message forever. Per
			// spec.md §4.3 this is unrecoverable: close the connection
			// instead of looping on it.
			c.fail(ErrPeerOversized)
			return
		}
		if err != nil {
			return
		}
		c.queue.PushRecv(c.key, buf[:n])
	}
}

func (c *KcpConnection) fail(kind ErrorKind) {
	if c.closed.Load() {
		return
	}
	c.queue.PushError(c.key, kind)
	c.Close()
}

// Close is idempotent. It deregisters from the owner, pushes a Disconnect
// event and stops the update/receive goroutines. The underlying
// net.PacketConn is left open if it is a KcpAcceptor's socket shared across
// conversations; a connection that reads its own socket closes it, which
// ends its receive goroutine.
func (c *KcpConnection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.owner != nil {
			c.owner.DelConn(c.key)
		}
		ip, port := hostPort(c.remote)
		c.queue.PushDisconnect(c.key, ip, port)
		close(c.stopUpdate)
		if !c.externalInput {
			_ = c.pconn.Close()
		}
		glog.V(2).Infof("netio: kcp connection %d closed", c.key)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// CloseSocket calls Close and then closes the underlying net.PacketConn in
// every case, including a socket shared through a KcpAcceptor.
func (c *KcpConnection) CloseSocket() {
	c.Close()
	_ = c.pconn.Close()
}
