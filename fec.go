package netio

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
)

// fecHeaderSize is the group header every FEC-encoded datagram carries in
// front of its shard payload: group id (4 bytes), shard index (1 byte),
// shard count (1 byte).
const fecHeaderSize = 6

// fecSizeFieldLen is a 2-byte length prefix placed INSIDE each shard's RS
// payload (not the outer wire header) before coding, so it participates in
// Reed-Solomon's error correction: a reconstructed shard that was never
// received over the wire still recovers its true original length, because
// the length travels through the same math as the data itself.
const fecSizeFieldLen = 2

// FECOption configures an fecCodec. Returned by WithFEC and passed to
// WithKcpFEC.
type FECOption struct {
	dataShards   int
	parityShards int
}

// WithFEC enables Reed-Solomon forward error correction over a
// KcpConnection's outbound/inbound datagrams: dataShards original shards are
// padded out with parityShards recovery shards per group, so a group
// survives the loss of up to parityShards datagrams.
func WithFEC(dataShards, parityShards int) FECOption {
	return FECOption{dataShards: dataShards, parityShards: parityShards}
}

// defaultFEC is a 4-data, 1-parity redundancy profile. Nothing in the
// package applies it automatically; FEC is on only with WithKcpFEC.
var defaultFEC = FECOption{dataShards: 4, parityShards: 1}

// fecGroup accumulates the shards seen so far for one encode group, so a
// decoder can attempt reconstruction once enough of them have arrived.
type fecGroup struct {
	shards [][]byte
	marks  []bool
	count  int
}

// fecCodec implements the FEC envelope described in SPEC_FULL.md: encode
// splits an outbound datagram's shard set and appends parity shards;
// decode buffers shards by group id and reconstructs once a group is
// complete or unrecoverable.
type fecCodec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder

	nextGroup uint32

	groups   map[uint32]*fecGroup
	groupSeq []uint32
}

// newFECCodec builds a codec from opt, or returns nil if opt is the zero
// value (FEC disabled).
func newFECCodec(opt FECOption) (*fecCodec, error) {
	if opt.dataShards == 0 && opt.parityShards == 0 {
		return nil, nil
	}
	enc, err := reedsolomon.New(opt.dataShards, opt.parityShards)
	if err != nil {
		return nil, err
	}
	return &fecCodec{
		dataShards:   opt.dataShards,
		parityShards: opt.parityShards,
		enc:          enc,
		groups:       make(map[uint32]*fecGroup),
	}, nil
}

// encodeGroup takes up to dataShards raw datagrams (already KCP-framed) and
// returns dataShards+parityShards wire-ready shards, each carrying a
// fecHeaderSize header identifying its group, index and shard count.
func (f *fecCodec) encodeGroup(datagrams [][]byte) ([][]byte, error) {
	group := f.nextGroup
	f.nextGroup++

	total := f.dataShards + f.parityShards
	maxLen := 0
	for _, d := range datagrams {
		if fecSizeFieldLen+len(d) > maxLen {
			maxLen = fecSizeFieldLen + len(d)
		}
	}

	shards := make([][]byte, total)
	for i := 0; i < total; i++ {
		shards[i] = make([]byte, maxLen)
		if i < len(datagrams) {
			binary.LittleEndian.PutUint16(shards[i][0:], uint16(len(datagrams[i])))
			copy(shards[i][fecSizeFieldLen:], datagrams[i])
		}
	}
	if err := f.enc.Encode(shards); err != nil {
		return nil, err
	}

	out := make([][]byte, total)
	for i, s := range shards {
		hdr := make([]byte, fecHeaderSize+len(s))
		binary.LittleEndian.PutUint32(hdr[0:], group)
		hdr[4] = uint8(i)
		hdr[5] = uint8(total)
		copy(hdr[fecHeaderSize:], s)
		out[i] = hdr
	}
	return out, nil
}

// decodeShard buffers one received FEC shard. Once its group has enough
// shards present to reconstruct (>= dataShards of the total), it returns the
// recovered original datagrams for that group. A group that never gathers
// dataShards shards produces no output and no error: it stays buffered until
// evictStale drops it — mirroring UDP's no-delivery-guarantee semantics
// rather than surfacing a NetEvent error.
func (f *fecCodec) decodeShard(shard []byte) ([][]byte, bool) {
	if len(shard) < fecHeaderSize {
		return nil, false
	}
	group := binary.LittleEndian.Uint32(shard[0:])
	idx := int(shard[4])
	total := int(shard[5])
	payload := shard[fecHeaderSize:]

	g, ok := f.groups[group]
	if !ok {
		g = &fecGroup{
			shards: make([][]byte, total),
			marks:  make([]bool, total),
		}
		f.groups[group] = g
		f.groupSeq = append(f.groupSeq, group)
		f.evictStale()
	}
	if idx >= len(g.shards) || g.marks[idx] {
		return nil, false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	g.shards[idx] = buf
	g.marks[idx] = true
	g.count++

	if g.count < f.dataShards {
		return nil, false
	}
	if g.count < len(g.shards) {
		missing := len(g.shards) - g.count
		if missing > f.parityShards {
			delete(f.groups, group)
			return nil, false
		}
		if err := f.enc.Reconstruct(g.shards); err != nil {
			delete(f.groups, group)
			return nil, false
		}
	}

	out := make([][]byte, 0, f.dataShards)
	for i := 0; i < f.dataShards && i < len(g.shards); i++ {
		s := g.shards[i]
		if s == nil || len(s) < fecSizeFieldLen {
			continue
		}
		n := int(binary.LittleEndian.Uint16(s[0:]))
		if fecSizeFieldLen+n > len(s) {
			continue
		}
		out = append(out, s[fecSizeFieldLen:fecSizeFieldLen+n])
	}
	delete(f.groups, group)
	return out, true
}

// evictStale bounds memory for groups that never complete (all their
// shards lost beyond repair) by dropping the oldest outstanding groups once
// too many accumulate.
func (f *fecCodec) evictStale() {
	const maxOutstanding = 256
	for len(f.groupSeq) > maxOutstanding {
		stale := f.groupSeq[0]
		f.groupSeq = f.groupSeq[1:]
		delete(f.groups, stale)
	}
}
