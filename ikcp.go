package netio

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// This file is a from-scratch, compact reimplementation of the classic
// ikcp ARQ core (selective-repeat over an unreliable datagram transport).
// No dependency in the retrieved module set exposes the raw
// send/input/recv/update primitives KcpConnection needs — the vendored
// kcp-go snapshot is missing its own kcp.go — so the engine lives here
// instead of being imported.

const (
	kcpRtoNdl     = 30
	kcpRtoMin     = 100
	kcpRtoDef     = 200
	kcpRtoMax     = 60000
	kcpCmdPush    = 81
	kcpCmdAck     = 82
	kcpCmdWaskKcp = 83
	kcpCmdWins    = 84
	kcpAskSend    = 1
	kcpAskTell    = 2
	kcpWndSnd     = 32
	kcpWndRcv     = 128
	kcpMtuDef     = 1400
	kcpOverhead   = 24
	kcpDeadLink   = 20
)

// errPeekExceedsBuffer is ikcp_recv's classic "-3": the next ready message
// is larger than the buffer Recv was given.
var errPeekExceedsBuffer = errors.New("netio: kcp: next message exceeds recv buffer")

// segment is one KCP frame: either an unacked data fragment in flight or an
// ACK-only control frame.
type segment struct {
	conv    uint32
	cmd     uint8
	frg     uint8
	wnd     uint16
	ts      uint32
	sn      uint32
	una     uint32
	resendt uint32
	rto     uint32
	fastack  uint32
	xmit    uint32
	data    []byte
}

func (s *segment) encode(buf []byte) []byte {
	binary.LittleEndian.PutUint32(buf[0:], s.conv)
	buf[4] = s.cmd
	buf[5] = s.frg
	binary.LittleEndian.PutUint16(buf[6:], s.wnd)
	binary.LittleEndian.PutUint32(buf[8:], s.ts)
	binary.LittleEndian.PutUint32(buf[12:], s.sn)
	binary.LittleEndian.PutUint32(buf[16:], s.una)
	binary.LittleEndian.PutUint32(buf[20:], uint32(len(s.data)))
	n := copy(buf[24:], s.data)
	return buf[:24+n]
}

// KCP is a single ARQ session: ordered, reliable delivery of an arbitrary
// byte stream framed into datagrams no larger than the configured MTU.
// Output datagrams are handed to Output rather than written directly, so
// KcpConnection can interpose FEC/BlockCrypt between the engine and the
// socket.
type KCP struct {
	conv                   uint32
	mtu, mss               uint32
	state                  int32
	sndUna, sndNxt, rcvNxt uint32
	tsRecent, tsLastack    uint32
	rxRttval, rxSrtt       int32
	rxRto, rxMinrto        uint32
	sndWnd, rcvWnd         uint32
	rmtWnd, cwnd, probe    uint32
	current, interval      uint32
	tsFlush                uint32
	nodelay, updated       uint32
	tsProbe, probeWait     uint32
	deadLink               uint32
	incr                   uint32
	fastresend             int32
	nocwnd, stream         int32

	sndQueue []segment
	rcvQueue []segment
	sndBuf   []segment
	rcvBuf   []segment

	acklist []uint32

	buffer []byte

	// Output is called with each wire-ready datagram produced by flush.
	// Must not retain the slice past the call.
	Output func(data []byte)
}

// NewKCP creates an ARQ session for conversation id conv.
func NewKCP(conv uint32, output func(data []byte)) *KCP {
	k := &KCP{
		conv:      conv,
		mtu:       kcpMtuDef,
		sndWnd:    kcpWndSnd,
		rcvWnd:    kcpWndRcv,
		rmtWnd:    kcpWndRcv,
		rxRto:     kcpRtoDef,
		rxMinrto:  kcpRtoMin,
		cwnd:      1,
		interval:  100,
		tsFlush:   100,
		deadLink:  kcpDeadLink,
		Output:    output,
	}
	k.mss = k.mtu - kcpOverhead
	k.incr = k.mss
	k.buffer = make([]byte, (k.mtu+kcpOverhead)*3)
	return k
}

// SetNoDelay configures the "turbo" knobs: nodelay mode, flush interval,
// fast-resend threshold and whether congestion control is disabled.
func (k *KCP) SetNoDelay(nodelay, interval, resend int, nc bool) {
	if nodelay >= 0 {
		k.nodelay = uint32(nodelay)
		if nodelay != 0 {
			k.rxMinrto = kcpRtoNdl
		} else {
			k.rxMinrto = kcpRtoMin
		}
	}
	if interval >= 0 {
		if interval > 5000 {
			interval = 5000
		} else if interval < 10 {
			interval = 10
		}
		k.interval = uint32(interval)
	}
	if resend >= 0 {
		k.fastresend = int32(resend)
	}
	if nc {
		k.nocwnd = 1
	} else {
		k.nocwnd = 0
	}
}

// WndSize sets the send/receive window sizes in segments.
func (k *KCP) WndSize(sndWnd, rcvWnd int) {
	if sndWnd > 0 {
		k.sndWnd = uint32(sndWnd)
	}
	if rcvWnd > 0 {
		k.rcvWnd = uint32(rcvWnd)
	}
}

// PeekSize reports the byte length of the next ready message in rcvQueue,
// or -1 if none is ready yet.
func (k *KCP) PeekSize() int {
	if len(k.rcvQueue) == 0 {
		return -1
	}
	seg := &k.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if uint32(len(k.rcvQueue)) < uint32(seg.frg)+1 {
		return -1
	}
	length := 0
	for i := range k.rcvQueue {
		s := &k.rcvQueue[i]
		length += len(s.data)
		if s.frg == 0 {
			break
		}
	}
	return length
}

// Recv copies the next ready message into buf. Returns errPeekExceedsBuffer
// if buf is too small for it without consuming anything.
func (k *KCP) Recv(buf []byte) (int, error) {
	if len(k.rcvQueue) == 0 {
		return 0, nil
	}
	peekSize := k.PeekSize()
	if peekSize < 0 {
		return 0, nil
	}
	if peekSize > len(buf) {
		return 0, errPeekExceedsBuffer
	}

	fragCount := 0
	n := 0
	for i := range k.rcvQueue {
		seg := &k.rcvQueue[i]
		copy(buf[n:], seg.data)
		n += len(seg.data)
		fragCount++
		if seg.frg == 0 {
			break
		}
	}
	k.rcvQueue = k.rcvQueue[fragCount:]
	k.fillRcvQueue()
	return n, nil
}

func (k *KCP) fillRcvQueue() {
	for len(k.rcvBuf) > 0 {
		seg := &k.rcvBuf[0]
		if seg.sn != k.rcvNxt || uint32(len(k.rcvQueue)) >= k.rcvWnd {
			break
		}
		k.rcvQueue = append(k.rcvQueue, *seg)
		k.rcvBuf = k.rcvBuf[1:]
		k.rcvNxt++
	}
}

// Send fragments data into MSS-sized segments and enqueues them for
// transmission. Streaming mode (enabled via SetStream) instead merges small
// trailing fragments, matching ikcp's byte-stream variant.
func (k *KCP) Send(data []byte) error {
	if len(data) == 0 {
		return errors.New("netio: kcp: empty write")
	}

	var count int
	if k.stream != 0 && len(k.sndQueue) > 0 {
		old := &k.sndQueue[len(k.sndQueue)-1]
		if uint32(len(old.data)) < k.mss {
			capacity := int(k.mss) - len(old.data)
			extend := capacity
			if extend > len(data) {
				extend = len(data)
			}
			old.data = append(old.data, data[:extend]...)
			old.frg = 0
			data = data[extend:]
		}
	}
	if len(data) == 0 {
		return nil
	}

	if len(data) <= int(k.mss) {
		count = 1
	} else {
		count = (len(data) + int(k.mss) - 1) / int(k.mss)
	}
	if count > 255 {
		return errors.New("netio: kcp: message too large to fragment")
	}

	for i := 0; i < count; i++ {
		size := int(k.mss)
		if len(data) < size {
			size = len(data)
		}
		seg := segment{data: append([]byte(nil), data[:size]...)}
		if k.stream == 0 {
			seg.frg = uint8(count - i - 1)
		}
		k.sndQueue = append(k.sndQueue, seg)
		data = data[size:]
	}
	return nil
}

// Input feeds one received raw datagram into the session: updates RTT
// estimates from ACKs, reorders data segments into rcvBuf and acknowledges
// them.
func (k *KCP) Input(data []byte) error {
	if len(data) < kcpOverhead {
		return errors.New("netio: kcp: short segment")
	}

	una := k.sndUna
	for len(data) >= kcpOverhead {
		conv := binary.LittleEndian.Uint32(data[0:])
		if conv != k.conv {
			return errors.New("netio: kcp: conversation id mismatch")
		}
		cmd := data[4]
		frg := data[5]
		wnd := binary.LittleEndian.Uint16(data[6:])
		ts := binary.LittleEndian.Uint32(data[8:])
		sn := binary.LittleEndian.Uint32(data[12:])
		una2 := binary.LittleEndian.Uint32(data[16:])
		length := binary.LittleEndian.Uint32(data[20:])
		data = data[24:]
		if uint32(len(data)) < length {
			return errors.New("netio: kcp: truncated segment payload")
		}

		k.rmtWnd = uint32(wnd)
		k.parseUna(una2)
		k.shrinkBuf()

		switch cmd {
		case kcpCmdAck:
			if timediff(k.current, ts) >= 0 {
				k.updateAck(timediff(k.current, ts))
			}
			k.parseAck(sn)
			k.shrinkBuf()
		case kcpCmdPush:
			if sn < k.rcvNxt+k.rcvWnd {
				k.ackPush(sn, ts)
				if sn >= k.rcvNxt {
					seg := segment{frg: frg, sn: sn, ts: ts, data: append([]byte(nil), data[:length]...)}
					k.parseData(seg)
				}
			}
		case kcpCmdWaskKcp:
			k.probe |= kcpAskTell
		case kcpCmdWins:
			// peer informs us of its window size; already applied above.
		default:
			return errors.New("netio: kcp: unknown command")
		}

		data = data[length:]
	}

	if timediff(k.sndUna, una) > 0 && k.cwnd < k.rmtWnd {
		mss := k.mss
		if k.cwnd < k.incr {
			k.cwnd++
			k.incr += mss
		}
	}
	return nil
}

func (k *KCP) parseUna(una uint32) {
	for len(k.sndBuf) > 0 && timediff(una, k.sndBuf[0].sn) > 0 {
		k.sndBuf = k.sndBuf[1:]
	}
}

func (k *KCP) parseAck(sn uint32) {
	if timediff(sn, k.sndUna) < 0 || timediff(sn, k.sndNxt) >= 0 {
		return
	}
	for i := range k.sndBuf {
		if sn == k.sndBuf[i].sn {
			k.sndBuf = append(k.sndBuf[:i], k.sndBuf[i+1:]...)
			return
		}
		if timediff(sn, k.sndBuf[i].sn) < 0 {
			break
		}
	}
}

func (k *KCP) shrinkBuf() {
	if len(k.sndBuf) > 0 {
		k.sndUna = k.sndBuf[0].sn
	} else {
		k.sndUna = k.sndNxt
	}
}

func (k *KCP) ackPush(sn, ts uint32) {
	k.acklist = append(k.acklist, sn, ts)
}

func (k *KCP) parseData(newseg segment) {
	sn := newseg.sn
	if timediff(sn, k.rcvNxt+k.rcvWnd) >= 0 || timediff(sn, k.rcvNxt) < 0 {
		return
	}

	insertIdx := -1
	repeat := false
	for i := len(k.rcvBuf) - 1; i >= 0; i-- {
		if k.rcvBuf[i].sn == sn {
			repeat = true
			break
		}
		if timediff(sn, k.rcvBuf[i].sn) > 0 {
			insertIdx = i + 1
			break
		}
	}
	if !repeat {
		if insertIdx < 0 {
			k.rcvBuf = append([]segment{newseg}, k.rcvBuf...)
		} else {
			k.rcvBuf = append(k.rcvBuf, segment{})
			copy(k.rcvBuf[insertIdx+1:], k.rcvBuf[insertIdx:])
			k.rcvBuf[insertIdx] = newseg
		}
	}
	k.fillRcvQueue()
}

func (k *KCP) updateAck(rtt int32) {
	if k.rxSrtt == 0 {
		k.rxSrtt = rtt
		k.rxRttval = rtt / 2
	} else {
		delta := rtt - k.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		k.rxRttval = (3*k.rxRttval + delta) / 4
		k.rxSrtt = (7*k.rxSrtt + rtt) / 8
		if k.rxSrtt < 1 {
			k.rxSrtt = 1
		}
	}
	rto := k.rxSrtt + max32(int32(k.interval), 4*k.rxRttval)
	k.rxRto = clampU32(uint32(rto), k.rxMinrto, kcpRtoMax)
}

func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Update drives retransmission and flush timing; callers tick it at a fixed
// interval (see KcpConnection's 10ms update loop).
func (k *KCP) Update(current uint32) {
	k.current = current
	if k.updated == 0 {
		k.updated = 1
		k.tsFlush = k.current
	}
	slap := timediff(k.current, k.tsFlush)
	if slap >= 10000 || slap < -10000 {
		k.tsFlush = k.current
		slap = 0
	}
	if slap >= 0 {
		k.tsFlush += k.interval
		if timediff(k.current, k.tsFlush) >= 0 {
			k.tsFlush = k.current + k.interval
		}
		k.flush()
	}
}

func (k *KCP) flush() {
	current := k.current
	buf := k.buffer
	seg := segment{conv: k.conv, cmd: kcpCmdAck, wnd: k.wndUnused(), una: k.rcvNxt}

	ptr := append([]byte(nil), buf[:0]...)
	for i := 0; i+1 < len(k.acklist); i += 2 {
		if len(ptr)+kcpOverhead > int(k.mtu) {
			k.Output(ptr)
			ptr = append([]byte(nil), buf[:0]...)
		}
		seg.sn, seg.ts = k.acklist[i], k.acklist[i+1]
		out := make([]byte, 24)
		seg.encode(out)
		ptr = append(ptr, out...)
	}
	k.acklist = k.acklist[:0]

	if k.rmtWnd == 0 {
		k.probeWindow(current)
	}

	if k.probe&kcpAskSend != 0 {
		seg.cmd = kcpCmdWaskKcp
		out := make([]byte, 24)
		seg.encode(out)
		ptr = append(ptr, out...)
	}
	if k.probe&kcpAskTell != 0 {
		seg.cmd = kcpCmdWins
		out := make([]byte, 24)
		seg.encode(out)
		ptr = append(ptr, out...)
	}
	k.probe = 0

	cwnd := minU32(k.sndWnd, k.rmtWnd)
	if k.nocwnd == 0 {
		cwnd = minU32(cwnd, k.cwnd)
	}
	for len(k.sndQueue) > 0 && timediff(k.sndNxt, k.sndUna+cwnd) < 0 {
		newseg := k.sndQueue[0]
		k.sndQueue = k.sndQueue[1:]
		newseg.conv = k.conv
		newseg.cmd = kcpCmdPush
		newseg.wnd = seg.wnd
		newseg.ts = current
		newseg.sn = k.sndNxt
		newseg.una = k.rcvNxt
		newseg.resendt = current
		newseg.rto = k.rxRto
		k.sndNxt++
		k.sndBuf = append(k.sndBuf, newseg)
	}

	resent := uint32(k.fastresend)
	if k.fastresend <= 0 {
		resent = 0xffffffff
	}
	for i := range k.sndBuf {
		s := &k.sndBuf[i]
		needsend := false
		if s.xmit == 0 {
			needsend = true
			s.xmit++
			s.rto = k.rxRto
			s.resendt = current + s.rto
		} else if timediff(current, s.resendt) >= 0 {
			needsend = true
			s.xmit++
			s.rto += s.rto / 2
			s.resendt = current + s.rto
		} else if s.fastack >= resent {
			needsend = true
			s.xmit++
			s.fastack = 0
			s.resendt = current + s.rto
		}
		if needsend {
			s.ts = current
			s.wnd = seg.wnd
			s.una = k.rcvNxt
			encoded := make([]byte, 24+len(s.data))
			s.encode(encoded)
			if len(ptr)+len(encoded) > int(k.mtu) {
				k.Output(ptr)
				ptr = append([]byte(nil), buf[:0]...)
			}
			ptr = append(ptr, encoded...)
		}
	}
	if len(ptr) > 0 {
		k.Output(ptr)
	}
}

func (k *KCP) wndUnused() uint16 {
	if uint32(len(k.rcvQueue)) < k.rcvWnd {
		return uint16(k.rcvWnd - uint32(len(k.rcvQueue)))
	}
	return 0
}

func (k *KCP) probeWindow(current uint32) {
	if k.tsProbe == 0 {
		k.tsProbe = current
		k.probeWait = 7000
	} else if timediff(current, k.tsProbe) >= 0 {
		if k.probeWait < 7000 {
			k.probeWait = 7000
		}
		k.probeWait += k.probeWait / 2
		if k.probeWait > 120000 {
			k.probeWait = 120000
		}
		k.tsProbe = current + k.probeWait
		k.probe |= kcpAskSend
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// SetStream toggles ikcp's byte-stream mode, where Send may coalesce small
// writes into the previous segment's trailing space instead of always
// starting a new fragment chain.
func (k *KCP) SetStream(on bool) {
	if on {
		k.stream = 1
	} else {
		k.stream = 0
	}
}

// WaitSnd reports how many segments are still unacknowledged or unsent,
// for callers enforcing their own send high-watermark atop the engine.
func (k *KCP) WaitSnd() int {
	return len(k.sndBuf) + len(k.sndQueue)
}
