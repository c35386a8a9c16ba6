package netio

import (
	"encoding/binary"
	"net"
)

// NetKey uniquely names one connection within a process for the lifetime of
// that connection. The zero value means "not yet bound": the remote
// endpoint isn't known yet (pre-connect) or is no longer known (post-close).
type NetKey uint64

// tcpKey packs a TCP connection's remote IPv4 address, remote port and the
// local listening port (to disambiguate several local listeners sharing one
// remote peer) into a single 64-bit key, per spec: remote<<32 | port<<16 |
// listenPort.
func tcpKey(remote *net.TCPAddr, listenPort uint16) NetKey {
	ip4 := remote.IP.To4()
	if ip4 == nil {
		return 0
	}
	ipBits := binary.BigEndian.Uint32(ip4)
	return NetKey(uint64(ipBits)<<32 | uint64(uint16(remote.Port))<<16 | uint64(listenPort))
}

// kcpKey packs a KCP session's remote IPv4 address, remote port and
// conversation id into a 64-bit key: remote<<32 | port<<16 | conv.
func kcpKey(remote *net.UDPAddr, conv uint16) NetKey {
	ip4 := remote.IP.To4()
	if ip4 == nil {
		return 0
	}
	ipBits := binary.BigEndian.Uint32(ip4)
	return NetKey(uint64(ipBits)<<32 | uint64(uint16(remote.Port))<<16 | uint64(conv))
}
