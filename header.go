package unison

import "encoding/binary"

// PacketType identifies the kind of a Packet (§3.1). Values beyond the
// ones listed here are reserved for future extension but are accepted
// on decode; only Heartbeat and Handshake packets are given special
// handling by Connection.
type PacketType uint8

const (
	PacketTypeData PacketType = iota
	PacketTypeControl
	PacketTypeHeartbeat
	PacketTypeHandshake
	PacketTypeError
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeData:
		return "Data"
	case PacketTypeControl:
		return "Control"
	case PacketTypeHeartbeat:
		return "Heartbeat"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// PacketHeader is the fixed 64-byte metadata block that precedes every
// Packet's payload on the wire (§3.1). All multi-byte integers are
// little-endian.
type PacketHeader struct {
	Version          uint8
	Type             PacketType
	Flags            PacketFlags
	PayloadLength    uint32
	CompressedLength uint32
	Checksum         uint32
	SequenceNumber   uint64
	Timestamp        uint64
	StreamID         uint64
	MessageID        uint64
	ResponseTo       uint64
}

// wire byte offsets within the 64-byte header.
const (
	offVersion          = 0
	offType             = 1
	offFlags            = 2
	offPayloadLength    = 4
	offCompressedLength = 8
	offChecksum         = 12
	offSequenceNumber   = 16
	offTimestamp        = 24
	offStreamID         = 32
	offMessageID        = 40
	offResponseTo       = 48
	// bytes 56-63 are reserved padding, always zero on the wire.
)

// Encode writes h into dst in little-endian wire format. dst must be
// exactly HeaderSize bytes. Reserved bytes are zeroed.
func (h *PacketHeader) Encode(dst []byte) {
	_ = dst[HeaderSize-1] // bounds check hint
	dst[offVersion] = h.Version
	dst[offType] = uint8(h.Type)
	binary.LittleEndian.PutUint16(dst[offFlags:], uint16(h.Flags))
	binary.LittleEndian.PutUint32(dst[offPayloadLength:], h.PayloadLength)
	binary.LittleEndian.PutUint32(dst[offCompressedLength:], h.CompressedLength)
	binary.LittleEndian.PutUint32(dst[offChecksum:], h.Checksum)
	binary.LittleEndian.PutUint64(dst[offSequenceNumber:], h.SequenceNumber)
	binary.LittleEndian.PutUint64(dst[offTimestamp:], h.Timestamp)
	binary.LittleEndian.PutUint64(dst[offStreamID:], h.StreamID)
	binary.LittleEndian.PutUint64(dst[offMessageID:], h.MessageID)
	binary.LittleEndian.PutUint64(dst[offResponseTo:], h.ResponseTo)
	for i := 56; i < HeaderSize; i++ {
		dst[i] = 0
	}
}

// DecodeHeader parses a PacketHeader from src (§4.1). It performs no
// allocation and does not look at any bytes past HeaderSize.
func DecodeHeader(src []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(src) < HeaderSize {
		return h, &HeaderError{Kind: HeaderInvalidSize, Detail: "short header"}
	}

	h.Version = src[offVersion]
	if h.Version != CurrentVersion {
		return h, &HeaderError{Kind: HeaderUnsupportedVersion}
	}

	h.Type = PacketType(src[offType])
	h.Flags = PacketFlags(binary.LittleEndian.Uint16(src[offFlags:]))
	if h.Flags.HasReserved() {
		return h, &HeaderError{Kind: HeaderReservedFlagSet}
	}

	h.PayloadLength = binary.LittleEndian.Uint32(src[offPayloadLength:])
	h.CompressedLength = binary.LittleEndian.Uint32(src[offCompressedLength:])
	h.Checksum = binary.LittleEndian.Uint32(src[offChecksum:])
	h.SequenceNumber = binary.LittleEndian.Uint64(src[offSequenceNumber:])
	h.Timestamp = binary.LittleEndian.Uint64(src[offTimestamp:])
	h.StreamID = binary.LittleEndian.Uint64(src[offStreamID:])
	h.MessageID = binary.LittleEndian.Uint64(src[offMessageID:])
	h.ResponseTo = binary.LittleEndian.Uint64(src[offResponseTo:])

	if h.MessageID == 0 && h.ResponseTo != 0 {
		return h, &HeaderError{Kind: HeaderInvalidRole, Detail: "message_id=0 with response_to set"}
	}

	if h.Flags.Has(FlagCompressed) != (h.CompressedLength > 0) {
		return h, &HeaderError{Kind: HeaderInconsistentCompression}
	}

	return h, nil
}

// IsRequest reports whether the header identifies a Request (§3.2).
func (h *PacketHeader) IsRequest() bool {
	return h.MessageID > 0 && h.ResponseTo == 0
}

// IsResponse reports whether the header identifies a Response (§3.2).
func (h *PacketHeader) IsResponse() bool {
	return h.MessageID > 0 && h.ResponseTo > 0
}

// IsOneway reports whether the header identifies a Oneway message (§3.2).
func (h *PacketHeader) IsOneway() bool {
	return h.MessageID == 0 && h.ResponseTo == 0
}

// ActualPayloadSize returns the number of payload bytes carried on the
// wire: CompressedLength when set, else PayloadLength.
func (h *PacketHeader) ActualPayloadSize() uint32 {
	if h.CompressedLength > 0 {
		return h.CompressedLength
	}
	return h.PayloadLength
}
