package netio

import "sync"

// Connection is the subset of TcpConnection/KcpConnection's contract the
// owner registry and the rest of the package need. Both connection types
// satisfy it.
type Connection interface {
	Key() NetKey
	Write(data []byte) bool
	Close()
}

// ConnectionOwner is a registry of live connections keyed by NetKey. It
// holds the strong reference an accepted or dialed connection lives on: a
// connection is registered once its NetKey is known (after accept/connect
// succeeds) and removed exactly once, from its own Close path.
type ConnectionOwner struct {
	mu    sync.Mutex
	conns map[NetKey]Connection
}

// NewConnectionOwner returns an empty ConnectionOwner.
func NewConnectionOwner() *ConnectionOwner {
	return &ConnectionOwner{conns: make(map[NetKey]Connection)}
}

// AddConn registers conn under its current Key. Overwrites any previous
// entry at that key.
func (o *ConnectionOwner) AddConn(conn Connection) {
	o.mu.Lock()
	o.conns[conn.Key()] = conn
	o.mu.Unlock()
}

// DelConn removes the connection at key, if present. Tolerates keys that
// were never registered (e.g. a connection that failed before its first
// successful connect/accept).
func (o *ConnectionOwner) DelConn(key NetKey) {
	o.mu.Lock()
	delete(o.conns, key)
	o.mu.Unlock()
}

// GetConn looks up the connection currently registered under key.
func (o *ConnectionOwner) GetConn(key NetKey) (Connection, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.conns[key]
	return c, ok
}

// Len reports how many connections are currently registered.
func (o *ConnectionOwner) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns)
}
