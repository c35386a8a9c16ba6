package netio

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/golang/glog"
)

// KcpAcceptor demultiplexes inbound datagrams on one shared net.PacketConn
// across many KcpConnections, keyed by remote address: the first datagram
// from a new peer carries its conversation id in the clear (see ikcp's
// segment header) and creates a session; every later datagram from the same
// address is routed to that session's Input. This is the server-side
// counterpart to a client's direct net.DialUDP + NewKcpConnection dial —
// grounded on the Listener/monitor demultiplexing loop used by the kcp-go
// family, adapted here to feed KcpConnection rather than a kcp.UDPSession.
//
// FEC is not supported for new-session detection: an FEC-coded datagram's
// conversation id is itself protected by Reed-Solomon coding and isn't
// readable before a full group reconstructs, so WithKcpFEC is only useful
// on a session the acceptor (or a direct dial) has already established.
// Encryption is supported centrally: the acceptor decrypts with a shared
// BlockCrypt to read the conversation id, and gives every session it creates
// that same BlockCrypt for decrypting its inbound datagrams and encrypting
// its replies, so per-session KcpConnections created here should not also
// be given WithKcpCrypt.
type KcpAcceptor struct {
	conn  net.PacketConn
	queue *EventQueue
	owner *ConnectionOwner
	block BlockCrypt
	opts  []KcpOption

	mu       sync.Mutex
	sessions map[string]*KcpConnection
	lastAddr string
	lastConn *KcpConnection

	die chan struct{}
}

// KcpListenOption configures a KcpAcceptor.
type KcpListenOption func(*KcpAcceptor)

// WithAcceptorCrypt decrypts every inbound datagram with block before
// demultiplexing, and makes block the cipher of every session the acceptor
// creates, used in both directions.
func WithAcceptorCrypt(block BlockCrypt) KcpListenOption {
	return func(a *KcpAcceptor) { a.block = block }
}

// WithAcceptorKcpOptions applies opts to every KcpConnection the acceptor
// creates for a new peer.
func WithAcceptorKcpOptions(opts ...KcpOption) KcpListenOption {
	return func(a *KcpAcceptor) { a.opts = append(a.opts, opts...) }
}

// NewKcpAcceptor wraps conn (already bound with net.ListenPacket/ListenUDP)
// as a demultiplexing acceptor. Call Serve to start reading.
func NewKcpAcceptor(conn net.PacketConn, queue *EventQueue, owner *ConnectionOwner, opts ...KcpListenOption) *KcpAcceptor {
	a := &KcpAcceptor{
		conn:     conn,
		queue:    queue,
		owner:    owner,
		sessions: make(map[string]*KcpConnection),
		die:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve reads datagrams until the socket errors or Close is called. Run it
// in its own goroutine.
func (a *KcpAcceptor) Serve() {
	buf := datagramBuf.Get().([]byte)
	defer datagramBuf.Put(buf)
	for {
		n, from, err := a.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.die:
			default:
				glog.Warningf("netio: kcp acceptor: read error: %v", err)
			}
			return
		}
		a.dispatch(from, append([]byte(nil), buf[:n]...))
	}
}

func (a *KcpAcceptor) dispatch(from net.Addr, data []byte) {
	raw := data
	if a.block != nil {
		plain, ok := openPacket(a.block, data)
		if !ok {
			return
		}
		data = plain
	}
	if len(data) < 4 {
		return
	}

	addr := from.String()

	a.mu.Lock()
	var session *KcpConnection
	if addr == a.lastAddr {
		session = a.lastConn
	} else if s, ok := a.sessions[addr]; ok {
		session = s
		a.lastAddr, a.lastConn = addr, s
	}
	if session == nil {
		conv := binary.LittleEndian.Uint32(data)
		session = NewKcpConnection(a.conn, from, conv, a.queue, a.opts...)
		session.SetOwner(a.owner)
		session.externalInput = true
		if a.block != nil {
			session.crypt = a.block
		}
		session.onClose = func() { a.removeSession(addr) }
		a.sessions[addr] = session
		a.lastAddr, a.lastConn = addr, session
	}
	a.mu.Unlock()

	if !session.started.Swap(true) {
		session.Start(true)
	}
	session.Input(raw)
}

// Close stops Serve and closes the underlying socket.
func (a *KcpAcceptor) Close() error {
	select {
	case <-a.die:
	default:
		close(a.die)
	}
	return a.conn.Close()
}

// removeSession drops a closed session from the demux table. KcpConnection
// calls this through its onClose hook at the end of its Close.
func (a *KcpAcceptor) removeSession(addr string) {
	a.mu.Lock()
	delete(a.sessions, addr)
	if a.lastAddr == addr {
		a.lastAddr, a.lastConn = "", nil
	}
	a.mu.Unlock()
}
