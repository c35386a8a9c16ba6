package netio

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// MaxMessageSize is AN_MSG_MAX_SIZE: the largest single message payload
// this transport accepts, chosen to fit the 16-bit TCP length field with
// headroom to spare.
const MaxMessageSize = 16384

// defaultSendHighWatermark bounds how many unsent bytes a TcpConnection will
// buffer for a slow peer before Write starts rejecting new frames. See
// SPEC_FULL.md §3/§9 (resolves spec.md's open question on this).
const defaultSendHighWatermark = 4 << 20

// TcpOption configures a TcpConnection at construction time.
type TcpOption func(*TcpConnection)

// WithSendHighWatermark overrides the default outbound-buffer high
// watermark.
func WithSendHighWatermark(n int) TcpOption {
	return func(c *TcpConnection) { c.highWater = n }
}

// TcpConnection is a length-prefixed framed stream over a reliable byte
// socket. It owns its own read and write state machines: at most one read
// and one write are ever in flight, preserving per-connection ordering.
type TcpConnection struct {
	conn  net.Conn
	queue *EventQueue
	owner *ConnectionOwner

	highWater int

	sendMu  sync.Mutex
	sendBuf FramedBuffer

	closeOnce sync.Once
	closed    atomic.Bool

	keyMu sync.Mutex
	key   NetKey
}

// NewTcpConnection creates an unconnected TcpConnection; call Connect to
// dial out. queue receives the connection's lifecycle and Recv events.
func NewTcpConnection(queue *EventQueue, opts ...TcpOption) *TcpConnection {
	c := &TcpConnection{queue: queue, highWater: defaultSendHighWatermark}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcceptTcpConnection wraps an already-accepted socket, registers it with
// owner and pushes an Accept event, mirroring the order Connect uses for
// outbound dials: the connection is registered and discoverable before the
// application is told about it. The listening/accept loop that produced
// conn is out of this package's scope; this is the hand-off point.
func AcceptTcpConnection(conn net.Conn, queue *EventQueue, owner *ConnectionOwner, opts ...TcpOption) *TcpConnection {
	c := &TcpConnection{conn: conn, queue: queue, owner: owner, highWater: defaultSendHighWatermark}
	for _, opt := range opts {
		opt(c)
	}
	c.applyNoDelay()
	if owner != nil {
		owner.AddConn(c)
	}
	ip, port := remoteHostPort(conn)
	queue.PushAccept(c.Key(), ip, port)
	c.StartRead()
	return c
}

func (c *TcpConnection) applyNoDelay() {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

func remoteHostPort(conn net.Conn) (string, uint16) {
	if conn == nil {
		return "", 0
	}
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return addr.IP.String(), uint16(addr.Port)
}

// SetOwner sets (or replaces) the owner registry this connection's Close
// path will remove itself from. It does not register the connection; call
// owner.AddConn explicitly (Connect and AcceptTcpConnection both do this at
// the right point in their respective lifecycles).
func (c *TcpConnection) SetOwner(owner *ConnectionOwner) {
	c.owner = owner
}

// Key returns this connection's NetKey, computing and caching it from the
// socket's addresses on first call. Returns 0 before the socket is
// connected/accepted.
func (c *TcpConnection) Key() NetKey {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.key != 0 || c.conn == nil {
		return c.key
	}
	remote, ok1 := c.conn.RemoteAddr().(*net.TCPAddr)
	local, ok2 := c.conn.LocalAddr().(*net.TCPAddr)
	if ok1 && ok2 {
		c.key = tcpKey(remote, uint16(local.Port))
	}
	return c.key
}

// Write frames data as a big-endian u16 length prefix followed by the
// payload and enqueues it for send. Returns false without enqueueing
// anything if data is empty, exceeds MaxMessageSize, or the outbound buffer
// is already at its high watermark.
func (c *TcpConnection) Write(data []byte) bool {
	if len(data) == 0 || len(data) > MaxMessageSize {
		return false
	}

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(data)))

	c.sendMu.Lock()
	if c.sendBuf.Buffered()+len(hdr)+len(data) > c.highWater {
		c.sendMu.Unlock()
		return false
	}
	c.sendBuf.Push(hdr[:])
	c.sendBuf.Push(data)
	head, detached := c.sendBuf.DetachHead()
	c.sendMu.Unlock()

	if detached {
		go c.writeLoop(head)
	}
	return true
}

// writeLoop drains detached blocks to the socket one at a time, exactly one
// goroutine running this at any instant per connection (a new Write only
// spawns one when DetachHead finds no write already in flight).
func (c *TcpConnection) writeLoop(head *Block) {
	for {
		if c.closed.Load() {
			return
		}
		if err := writeFull(c.conn, head.Bytes()); err != nil {
			c.fail(ErrSend, err)
			return
		}

		c.sendMu.Lock()
		c.sendBuf.FreeDetached()
		next, ok := c.sendBuf.DetachHead()
		c.sendMu.Unlock()
		if !ok {
			return
		}
		head = next
	}
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// StartRead launches the read state machine's goroutine. Safe to call once
// per connection, after the socket is connected or accepted.
func (c *TcpConnection) StartRead() {
	go c.readLoop()
}

// readLoop alternates HEADER/BODY reads, pushing one Recv event per framed
// message. A zero-length frame is malformed per spec and is dropped without
// being delivered to the event queue.
func (c *TcpConnection) readLoop() {
	var hdr [2]byte
	buf := make([]byte, MaxMessageSize)
	for {
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			c.fail(ErrRecv, err)
			return
		}
		n := binary.BigEndian.Uint16(hdr[:])
		if n == 0 {
			continue
		}
		if _, err := io.ReadFull(c.conn, buf[:n]); err != nil {
			c.fail(ErrRecv, err)
			return
		}
		c.queue.PushRecv(c.Key(), buf[:n])
	}
}

// fail reports an I/O error and closes the connection, unless it is already
// closing — in which case this is a cancellation completion observing the
// closed flag, and it unwinds silently instead of re-entering Close or
// double-reporting the error (see spec.md §5 "Cancellation").
func (c *TcpConnection) fail(kind ErrorKind, err error) {
	if c.closed.Load() {
		return
	}
	glog.V(1).Infof("netio: tcp connection %d: %s: %v", c.Key(), kind, err)
	c.queue.PushError(c.Key(), kind)
	c.Close()
}

// Close is idempotent: only the first call has any effect. It deregisters
// from the owner, pushes exactly one Disconnect event, drops the outbound
// buffer and shuts down the socket, which causes the read/write goroutines'
// blocked syscalls to return errors that unwind through fail's closed
// check without recursing back into Close.
func (c *TcpConnection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		key := c.Key()
		if c.owner != nil {
			c.owner.DelConn(key)
		}
		ip, port := remoteHostPort(c.conn)
		c.queue.PushDisconnect(key, ip, port)

		c.sendMu.Lock()
		c.sendBuf.Clear()
		c.sendMu.Unlock()

		if c.conn != nil {
			_ = c.conn.Close()
		}
		glog.V(2).Infof("netio: tcp connection %d closed", key)
	})
}

// Connect dials ip:port, retrying up to retries additional times on
// failure. On success it sets TCP_NODELAY, registers with the owner before
// pushing the Connect event (so handlers can look the connection up by key
// immediately), and starts the read loop. On final failure it pushes an
// Error event and never starts.
func (c *TcpConnection) Connect(ip string, port uint16, retries int) {
	addr := &net.TCPAddr{IP: net.ParseIP(ip), Port: int(port)}
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		if retries > 0 {
			c.Connect(ip, port, retries-1)
			return
		}
		c.queue.PushError(c.Key(), ErrConnect)
		return
	}

	c.conn = conn
	c.applyNoDelay()
	if c.owner != nil {
		c.owner.AddConn(c)
	}
	key := c.Key()
	rip, rport := remoteHostPort(conn)
	c.queue.PushConnect(key, rip, rport)
	c.StartRead()
}
