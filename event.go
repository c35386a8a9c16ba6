package netio

// EventKind enumerates the lifecycle and data events a connection can push
// onto an EventQueue.
type EventKind int

const (
	// EventAccept fires once a TCP connection handed to this module by an
	// acceptor has been registered and is ready to use.
	EventAccept EventKind = iota
	// EventConnect fires once an outbound dial succeeds.
	EventConnect
	// EventDisconnect fires exactly once per connection, always last.
	EventDisconnect
	// EventRecv fires once per fully-framed inbound message.
	EventRecv
	// EventError fires on I/O failures and on EventDriver decode failures.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "Accept"
	case EventConnect:
		return "Connect"
	case EventDisconnect:
		return "Disconnect"
	case EventRecv:
		return "Recv"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrorKind classifies why an EventError fired.
type ErrorKind int

const (
	// ErrRecv is an I/O read/receive failure.
	ErrRecv ErrorKind = iota
	// ErrSend is an I/O write failure.
	ErrSend
	// ErrConnect is a dial failure.
	ErrConnect
	// ErrUnknownMsgID fires when no router is registered for a msgid, or the
	// Recv payload is too short to contain a Package header.
	ErrUnknownMsgID
	// ErrParse fires when a registered decoder fails to parse the payload.
	ErrParse
	// ErrPeerOversized fires when a KCP peer's message exceeds our read
	// buffer (ikcp's "peek size exceeds buffer" condition).
	ErrPeerOversized
	// ErrCancelled marks an operation cancelled by Close, for completeness;
	// connections fold this into silent unwinding rather than surfacing it
	// (see TcpConnection/KcpConnection Close semantics), but it is kept as a
	// named kind for callers that want to log it explicitly.
	ErrCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRecv:
		return "RECV_ERR"
	case ErrSend:
		return "SEND_ERR"
	case ErrConnect:
		return "CONNECT_ERR"
	case ErrUnknownMsgID:
		return "UNKNOWN_MSG_ID"
	case ErrParse:
		return "PARSE_ERR"
	case ErrPeerOversized:
		return "PEER_OVERSIZED"
	case ErrCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN_ERR"
	}
}

// NetEvent is one entry of an EventQueue. Only EventRecv carries a payload,
// which EventQueue.PopOne returns alongside the event.
type NetEvent struct {
	Key  NetKey
	Kind EventKind

	// IP/Port are populated for Accept, Connect and Disconnect.
	IP   string
	Port uint16

	// Err is populated for Error.
	Err ErrorKind
}
