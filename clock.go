package netio

import (
	"sync"
	"time"
)

// refTime anchors every KCP session's 32-bit millisecond clock to process
// start, the way ikcp's reference implementations do, so timestamps stay
// small and wrap predictably instead of reflecting wall-clock time.
var refTime = time.Now()

func currentMs() uint32 {
	return uint32(time.Since(refTime) / time.Millisecond)
}

// datagramBuf is a shared pool of maximum-size datagram buffers, used by
// KcpConnection and KcpAcceptor read loops to avoid a fresh allocation on
// every inbound packet.
var datagramBuf = sync.Pool{
	New: func() interface{} {
		return make([]byte, 65536)
	},
}
