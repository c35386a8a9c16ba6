// Package netio implements the connection-handling core of an asynchronous,
// length-prefixed message transport: a reliable TCP framer and a
// reliable-over-UDP (KCP) framer, fed into a single thread-safe event queue
// and demultiplexed to application handlers by msgid.
//
// The package treats the listening/accept loop, the wire schema codec and
// the logging/config surface as collaborators: callers hand it already
// dialed or accepted sockets, register decoders for their own message types,
// and pump NetEvents off the queue with an EventDriver.
package netio
