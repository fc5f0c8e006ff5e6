package unison

import (
	"errors"
	"time"
)

// Packet bundles a decoded header with its wire payload bytes (§4.3).
// The wire bytes are retained so that a later PayloadView call stays
// valid without re-reading from the network.
type Packet struct {
	header PacketHeader
	wire   []byte // payload bytes exactly as carried on the wire
}

// Header returns the packet's header.
func (p *Packet) Header() *PacketHeader { return &p.header }

// WireBytes returns the raw payload bytes as carried on the wire
// (compressed, if the COMPRESSED flag is set).
func (p *Packet) WireBytes() []byte { return p.wire }

// Payload decodes and materializes a typed payload from the packet.
// This may allocate and may decompress (§4.3).
func Payload[T any](p *Packet) (T, error) {
	return DecodePayload[T](&p.header, p.wire)
}

// PayloadView returns a zero-copy view of the packet's payload. It
// fails with ErrViewRequiresUncompressed if the payload is compressed (§4.3).
func PayloadView[T any](p *Packet) (*ArchivedView[T], error) {
	return ViewPayload[T](&p.header, p.wire)
}

// PacketBuilder assembles a Packet field by field before encoding a
// payload into it (§4.3). Obtain one with NewPacketBuilder.
type PacketBuilder struct {
	header       PacketHeader
	withChecksum bool
}

// NewPacketBuilder returns a builder with spec-mandated defaults:
// version=1, type=Data, flags=0, sequence=0, stream_id=0,
// message_id=0, response_to=0, timestamp=now.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{
		header: PacketHeader{
			Version:   CurrentVersion,
			Type:      PacketTypeData,
			Timestamp: nowMicros(),
		},
	}
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (b *PacketBuilder) Type(t PacketType) *PacketBuilder {
	b.header.Type = t
	return b
}

func (b *PacketBuilder) Flags(f PacketFlags) *PacketBuilder {
	b.header.Flags = f
	return b
}

func (b *PacketBuilder) StreamID(id uint64) *PacketBuilder {
	b.header.StreamID = id
	return b
}

func (b *PacketBuilder) SequenceNumber(n uint64) *PacketBuilder {
	b.header.SequenceNumber = n
	return b
}

func (b *PacketBuilder) MessageID(id uint64) *PacketBuilder {
	b.header.MessageID = id
	return b
}

func (b *PacketBuilder) ResponseTo(id uint64) *PacketBuilder {
	b.header.ResponseTo = id
	return b
}

func (b *PacketBuilder) Timestamp(t uint64) *PacketBuilder {
	b.header.Timestamp = t
	return b
}

// WithChecksum marks the built packet to be CRC32-checksummed.
func (b *PacketBuilder) WithChecksum() *PacketBuilder {
	b.withChecksum = true
	return b
}

// Build encodes payload and returns the finished Packet, filling in
// payload_length/compressed_length/flags/checksum (§4.3).
func Build[T any](b *PacketBuilder, payload T) (*Packet, error) {
	if b.header.MessageID == 0 && b.header.ResponseTo != 0 {
		return nil, &PacketError{Kind: PacketInvalidHeader, Err: &HeaderError{Kind: HeaderInvalidRole}}
	}

	enc, err := EncodePayload(payload, b.withChecksum)
	if err != nil {
		if pe, ok := err.(*PayloadError); ok && pe.Kind == PayloadTooLarge {
			return nil, &PacketError{Kind: PacketPayloadTooLarge, Err: pe}
		}
		return nil, &PacketError{Kind: PacketInvalidArchive, Err: err}
	}

	h := b.header
	h.PayloadLength = enc.PayloadLength
	h.CompressedLength = enc.CompressedLength
	h.Checksum = enc.Checksum
	h.Flags = h.Flags.With(enc.Flags)

	if HeaderSize+len(enc.Wire) > MaxWireSize {
		return nil, &PacketError{Kind: PacketPayloadTooLarge, Err: &PayloadError{Kind: PayloadTooLarge, Size: HeaderSize + len(enc.Wire), Max: MaxWireSize}}
	}

	return &Packet{header: h, wire: enc.Wire}, nil
}

// ToBytes serializes the packet as header followed by payload, contiguous.
func (p *Packet) ToBytes() []byte {
	buf := make([]byte, HeaderSize+len(p.wire))
	p.header.Encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], p.wire)
	return buf
}

// FromBytes validates the header and payload of a wire-format buffer
// and returns an owned Packet. The returned packet retains a reference
// to the payload region of data.
func FromBytes(data []byte) (*Packet, error) {
	if len(data) > MaxWireSize {
		return nil, &PacketError{Kind: PacketPayloadTooLarge, Err: &PayloadError{Kind: PayloadTooLarge, Size: len(data), Max: MaxWireSize}}
	}

	h, err := DecodeHeader(data)
	if err != nil {
		if he, ok := err.(*HeaderError); ok && he.Kind == HeaderUnsupportedVersion {
			return nil, &PacketError{Kind: PacketUnsupportedVersion, Err: err}
		}
		return nil, &PacketError{Kind: PacketInvalidHeader, Err: err}
	}

	want := HeaderSize + int(h.ActualPayloadSize())
	if len(data) < want {
		return nil, &PacketError{Kind: PacketInvalidHeader, Err: &HeaderError{Kind: HeaderInvalidSize, Detail: "truncated payload"}}
	}

	wire := data[HeaderSize:want]
	// archivedBytes both verifies the checksum and, for a compressed
	// payload, decompresses it, so a corrupt archive is caught here
	// rather than deferred to whatever later code calls Payload(). Both
	// failure kinds are reported as distinct PacketError kinds so the
	// caller can tell a checksum mismatch (drop the packet, connection
	// stays up per §4.6.2) from a decompression failure (the affected
	// stream's framing is unrecoverable; the connection is not).
	if _, err := archivedBytes(&h, wire); err != nil {
		var pe *PayloadError
		if errors.As(err, &pe) {
			switch pe.Kind {
			case PayloadChecksumMismatch:
				return nil, &PacketError{Kind: PacketChecksumMismatch, Err: err}
			case PayloadDecompressionFailed:
				return nil, &PacketError{Kind: PacketDecompressionFailed, Err: err}
			}
		}
		return nil, &PacketError{Kind: PacketInvalidArchive, Err: err}
	}

	return &Packet{header: h, wire: wire}, nil
}

// PeekHeader reads just the header from data without validating or
// touching the payload, for dispatch decisions before the full packet
// has arrived (§4.1 design note).
func PeekHeader(data []byte) (PacketHeader, error) {
	return DecodeHeader(data)
}
