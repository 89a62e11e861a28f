// Package ieee802154 is an illustrative tsch.Framer: a minimal,
// fixed-layout encoding of data frames, enhanced ACKs, and the Sync-IE
// carried in both (spec.md §6 "Enhanced Beacon wire format" and
// "enhanced ACK"). It is not a byte-exact rendering of the 802.15.4-2015
// frame format (that needs variable-length addressing modes and a full
// Information Element container, neither of which spec.md's data model
// requires) -- it exists so tsch.Engine has a real, wireable Framer
// instead of a stub, in the same spirit as the teacher's kiss_frame.go
// giving the TNC a concrete wire encoding for its KISS command set.
package ieee802154

import (
	"encoding/binary"
	"fmt"

	"github.com/tsch-go/tsch/tsch"
)

const (
	frameTypeData = 0
	frameTypeAck  = 1
	frameTypeEB   = 2
)

// headerLen is frameType(1) + sequence(1) + dest(8) + src(8).
const headerLen = 1 + 1 + 8 + 8

// syncIELen is present(1) + driftTicks(4) + nack(1) + asn(5) + joinPriority(1).
const syncIELen = 1 + 4 + 1 + 5 + 1

// Framer implements tsch.Framer over the layout documented above.
type Framer struct {
	// Self is the local device address, stamped into every frame's
	// source field; Create and CreateAck never read attrs.Sender.
	Self tsch.Address
}

var _ tsch.Framer = (*Framer)(nil)

// Parse decodes a received frame's header into attrs and returns the
// remaining payload. EB frames are treated identically to data frames
// here -- the caller distinguishes them by attrs.Sender/neighbour
// lookup, as spec.md's RX path does.
func (f *Framer) Parse(raw []byte, attrs *tsch.FrameAttributes) ([]byte, bool) {
	if len(raw) < headerLen {
		return nil, false
	}

	var frameType = raw[0]
	if frameType != frameTypeData && frameType != frameTypeEB {
		return nil, false
	}

	attrs.Sequence = raw[1]
	copy(attrs.Receiver[:], raw[2:10])
	copy(attrs.Sender[:], raw[10:18])
	attrs.IsBroadcast = attrs.Receiver == tsch.BroadcastAddress
	attrs.ExpectAck = !attrs.IsBroadcast

	return raw[headerLen:], true
}

// Create encodes a data frame into dst and returns the number of bytes
// written. EBs are encoded the same way, with the data frame type.
func (f *Framer) Create(dst []byte, attrs tsch.FrameAttributes, payload []byte) (int, error) {
	var total = headerLen + len(payload)
	if len(dst) < total {
		return 0, fmt.Errorf("ieee802154: buffer too small: need %d, have %d", total, len(dst))
	}

	dst[0] = frameTypeData
	dst[1] = attrs.Sequence
	copy(dst[2:10], attrs.Receiver[:])
	copy(dst[10:18], f.Self[:])
	copy(dst[headerLen:], payload)

	return total, nil
}

// CreateAck encodes an enhanced ACK acknowledging attrs.Sequence, with
// an optional Sync-IE carrying drift/ASN/join-priority.
func (f *Framer) CreateAck(dst []byte, attrs tsch.FrameAttributes, sync tsch.SyncIE) (int, error) {
	var total = headerLen + syncIELen
	if len(dst) < total {
		return 0, fmt.Errorf("ieee802154: ack buffer too small: need %d, have %d", total, len(dst))
	}

	dst[0] = frameTypeAck
	dst[1] = attrs.Sequence
	copy(dst[2:10], attrs.Sender[:])
	copy(dst[10:18], f.Self[:])

	var ie = dst[headerLen : headerLen+syncIELen]
	ie[0] = 1
	binary.BigEndian.PutUint32(ie[1:5], uint32(sync.DriftTicks))

	var nack byte
	if sync.Nack {
		nack = 1
	}
	ie[5] = nack

	putUint40(ie[6:11], uint64(sync.ASN))
	ie[11] = sync.JoinPrio

	return total, nil
}

// ParseAck decodes a received ACK. ok is true only for an ACK frame
// whose sequence matches expectedSeq; hasSync reports whether a
// Sync-IE was present and sync holds its contents if so.
func (f *Framer) ParseAck(raw []byte, expectedSeq uint8) (sync tsch.SyncIE, hasSync bool, ok bool) {
	if len(raw) < headerLen {
		return tsch.SyncIE{}, false, false
	}

	if raw[0] != frameTypeAck || raw[1] != expectedSeq {
		return tsch.SyncIE{}, false, false
	}

	if len(raw) < headerLen+syncIELen {
		return tsch.SyncIE{}, false, true
	}

	var ie = raw[headerLen : headerLen+syncIELen]
	if ie[0] == 0 {
		return tsch.SyncIE{}, false, true
	}

	sync.DriftTicks = int32(binary.BigEndian.Uint32(ie[1:5]))
	sync.Nack = ie[5] != 0
	sync.ASN = tsch.ASN(getUint40(ie[6:11]))
	sync.JoinPrio = ie[11]

	return sync, true, true
}

// StampEB rewrites the ASN and join-priority bytes of an already-built
// EB frame's Sync-IE in place, at transmit time. The EB payload (as
// produced by the caller's BuildEB-style construction) must reserve a
// syncIELen-byte Sync-IE block at its start for this to apply.
func (f *Framer) StampEB(buf []byte, sync tsch.SyncIE) bool {
	if len(buf) < syncIELen {
		return false
	}

	var ie = buf[:syncIELen]
	putUint40(ie[6:11], uint64(sync.ASN))
	ie[11] = sync.JoinPrio

	return true
}

func putUint40(b []byte, v uint64) {
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}

func getUint40(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}
