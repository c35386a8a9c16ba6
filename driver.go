package netio

import (
	"encoding/binary"

	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
)

// packageHeaderSize is the Package wire header: a 2-byte msgid followed by
// a 2-byte flag field, both little-endian, ahead of the message body.
const packageHeaderSize = 4

// Package is a Recv payload split into its routing header and body. It
// mirrors the wire layout every AN_Msg body carries once it reaches the
// EventDriver: msgid identifies which decoder/handler pair to invoke, flag
// is passed through uninterpreted for application use.
type Package struct {
	MsgID uint16
	Flag  uint16
	Data  []byte
}

func unpackPackage(raw []byte) (Package, bool) {
	if len(raw) < packageHeaderSize {
		return Package{}, false
	}
	return Package{
		MsgID: binary.LittleEndian.Uint16(raw[0:2]),
		Flag:  binary.LittleEndian.Uint16(raw[2:4]),
		Data:  raw[packageHeaderSize:],
	}, true
}

// PackMessage assembles a Package's wire form given a msgid and an already
// encoded message body, ready to hand to Connection.Write.
func PackMessage(msgID, flag uint16, body []byte) []byte {
	out := make([]byte, packageHeaderSize+len(body))
	binary.LittleEndian.PutUint16(out[0:2], msgID)
	binary.LittleEndian.PutUint16(out[2:4], flag)
	copy(out[packageHeaderSize:], body)
	return out
}

// Decoder turns a Package's raw body into an application message. Decoders
// are registered per msgid with AddRouter.
type Decoder func(data []byte) (interface{}, error)

// Handler receives one decoded message for the connection it arrived on.
type Handler func(key NetKey, msg interface{})

// LifecycleHandler receives an Accept/Connect/Disconnect event.
type LifecycleHandler func(key NetKey, ip string, port uint16)

// ErrHandler receives an Error event.
type ErrHandler func(key NetKey, kind ErrorKind)

type route struct {
	decode Decoder
	handle Handler
}

// EventDriver demultiplexes an EventQueue's events: lifecycle events go to
// one handler per kind, Recv events are routed by their Package's msgid to
// a registered (Decoder, Handler) pair, and anything that fails along the
// way — an unrecognized msgid, too short a payload, a decode error —
// becomes an Error event routed to the error handler instead.
type EventDriver struct {
	queue   *EventQueue
	routers map[uint16]route

	onAccept     LifecycleHandler
	onConnect    LifecycleHandler
	onDisconnect LifecycleHandler
	onError      ErrHandler
}

// NewEventDriver returns a driver pulling events from queue. No routes or
// handlers are registered; RunOne silently drops anything it has no
// handler for.
func NewEventDriver(queue *EventQueue) *EventDriver {
	return &EventDriver{queue: queue, routers: make(map[uint16]route)}
}

// AddRouter registers the decoder/handler pair invoked for Recv payloads
// whose Package.MsgID equals msgID. Replaces any existing route for that
// id.
func (d *EventDriver) AddRouter(msgID uint16, decode Decoder, handle Handler) {
	d.routers[msgID] = route{decode: decode, handle: handle}
}

// RegisterAcceptHandler sets the handler invoked for Accept events.
func (d *EventDriver) RegisterAcceptHandler(h LifecycleHandler) { d.onAccept = h }

// RegisterConnectHandler sets the handler invoked for Connect events.
func (d *EventDriver) RegisterConnectHandler(h LifecycleHandler) { d.onConnect = h }

// RegisterDisconnectHandler sets the handler invoked for Disconnect events.
func (d *EventDriver) RegisterDisconnectHandler(h LifecycleHandler) { d.onDisconnect = h }

// RegisterErrHandler sets the handler invoked for Error events, including
// ones RunOne synthesizes internally (unknown msgid, parse failure).
func (d *EventDriver) RegisterErrHandler(h ErrHandler) { d.onError = h }

// RunOne pops and dispatches exactly one event, returning false if the
// queue was empty. Intended to be called in a tight loop (or pumped off a
// dedicated goroutine) by the application driving the event loop itself —
// the driver never spawns its own pump goroutine.
func (d *EventDriver) RunOne() bool {
	ev, payload, ok := d.queue.PopOne()
	if !ok {
		return false
	}

	switch ev.Kind {
	case EventAccept:
		if d.onAccept != nil {
			d.onAccept(ev.Key, ev.IP, ev.Port)
		}
	case EventConnect:
		if d.onConnect != nil {
			d.onConnect(ev.Key, ev.IP, ev.Port)
		}
	case EventDisconnect:
		if d.onDisconnect != nil {
			d.onDisconnect(ev.Key, ev.IP, ev.Port)
		}
	case EventError:
		if d.onError != nil {
			d.onError(ev.Key, ev.Err)
		}
	case EventRecv:
		d.dispatchRecv(ev.Key, payload)
	}
	return true
}

func (d *EventDriver) dispatchRecv(key NetKey, payload []byte) {
	pkg, ok := unpackPackage(payload)
	if !ok {
		if d.onError != nil {
			d.onError(key, ErrUnknownMsgID)
		}
		return
	}
	r, ok := d.routers[pkg.MsgID]
	if !ok {
		if d.onError != nil {
			d.onError(key, ErrUnknownMsgID)
		}
		return
	}
	msg, err := r.decode(pkg.Data)
	if err != nil {
		if d.onError != nil {
			d.onError(key, ErrParse)
		}
		return
	}
	r.handle(key, msg)
}

// ProtoDecoder adapts a gogo/protobuf message factory into the Decoder
// shape AddRouter wants. factory must return a fresh zero-valued message
// each call (a method value like (&pb.Login{}).Reset is not reusable
// across concurrent decodes).
func ProtoDecoder(factory func() proto.Message) Decoder {
	return func(data []byte) (interface{}, error) {
		msg := factory()
		if err := proto.Unmarshal(data, msg); err != nil {
			return nil, errors.Wrap(err, "netio: protobuf decode")
		}
		return msg, nil
	}
}
