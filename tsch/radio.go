package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	External interfaces the slot engine is built against
 *		(spec.md §6): the radio driver, the framer, and the
 *		packet buffer. All three are external collaborators per
 *		spec.md §1 -- this file only defines the contracts; see
 *		packages radio/gpioradio and framer/ieee802154 for
 *		illustrative, test-grade implementations.
 *
 *------------------------------------------------------------------*/

import "context"

// Radio is the pull-mode radio driver contract from spec.md §6. No
// interrupts: every transition is driven by the slot engine calling
// in, never by a callback from the driver.
type Radio interface {
	SetChannel(ctx context.Context, channel uint8) error
	On(ctx context.Context) error
	Off(ctx context.Context) error
	Prepare(ctx context.Context, buf []byte) error
	Transmit(ctx context.Context, length int) error
	ReceivingPacket(ctx context.Context) bool
	PendingPacket(ctx context.Context) bool
	Read(ctx context.Context, dest []byte) (n int, rssi int8, err error)
	ChannelClear(ctx context.Context) (bool, error)
}

// AddressFilter is the optional address-decode capability from
// spec.md §6: when enabled, the radio hands ACK frames up to the MAC
// instead of filtering them by address itself.
type AddressFilter interface {
	SetAddressDecode(ctx context.Context, enabled bool) error
}

// SFDTimestamper is the optional hardware start-of-frame-delimiter
// timestamp capability from spec.md §6, used for higher-precision
// sync instead of a software-observed busy-wait edge.
type SFDTimestamper interface {
	ReadSFDTimer(ctx context.Context) (uint32, error)
}

// FrameAttributes is the shared packet-buffer scratch area from
// spec.md §6: the MAC sets these before calling Framer.Create and
// reads them back after Framer.Parse.
type FrameAttributes struct {
	Sender       Address
	Receiver     Address
	Sequence     uint8
	RSSI         int8
	ExpectAck    bool
	IsBroadcast  bool
	FramePending bool
}

// SyncIE is the synchronisation information element carried in an
// enhanced ACK or an EB, per spec.md §6.
type SyncIE struct {
	DriftTicks int32 // signed drift, hardware timer ticks
	Nack       bool
	ASN        ASN  // EB only
	JoinPrio   uint8 // EB only
}

// Framer is the wire-codec contract from spec.md §6: parse/create the
// 802.15.4 header against the shared packet buffer and its attributes.
type Framer interface {
	// Parse decodes raw into attrs and returns the payload slice
	// (a view into raw, or nil on a malformed frame).
	Parse(raw []byte, attrs *FrameAttributes) (payload []byte, ok bool)

	// Create encodes a data or beacon frame with the given attributes
	// and payload into dst, returning the number of bytes written.
	Create(dst []byte, attrs FrameAttributes, payload []byte) (n int, err error)

	// CreateAck encodes an enhanced ACK addressed to the sender of the
	// frame described by attrs, carrying sync, into dst.
	CreateAck(dst []byte, attrs FrameAttributes, sync SyncIE) (n int, err error)

	// ParseAck decodes an enhanced ACK from raw. ok is false if raw is
	// not a valid ACK for the expected sequence number.
	ParseAck(raw []byte, expectedSeq uint8) (sync SyncIE, hasSync bool, ok bool)

	// StampEB rewrites the ASN and join-priority fields of an
	// already-built EB frame's Sync-IE in place, at transmit time, per
	// spec.md §4.4 TX step b and §6 ("the Sync-IE in an EB must be
	// stamped at transmit time with the current ASN"). ok is false if
	// buf is too short to hold a Sync-IE.
	StampEB(buf []byte, sync SyncIE) (ok bool)
}
