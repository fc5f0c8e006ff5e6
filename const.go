package unison

// Protocol-wide constants shared by the wire format and the QUIC
// framing layer.
const (
	// CurrentVersion is the only protocol version this implementation speaks.
	CurrentVersion uint8 = 1

	// HeaderSize is the fixed, exact size of a PacketHeader on the wire.
	HeaderSize = 64

	// MaxWireSize is the largest total size (header + payload) a single
	// Packet may occupy on the wire.
	MaxWireSize = 16 * 1024 * 1024 // 16 MiB

	// CompressionThreshold is the minimum uncompressed payload size at
	// which compression is attempted. Smaller payloads are always sent
	// uncompressed.
	CompressionThreshold = 2048

	// ALPN is the TLS 1.3 application protocol identifier negotiated on
	// every QUIC connection.
	ALPN = "unison/0.1"

	// ProtocolVersionString is exchanged in the handshake's Version message.
	ProtocolVersionString = "0.1.0"

	// MaxPendingUserBytes bounds how many bytes of inbound user-stream
	// (id >= 100) packets a Connection buffers while its handshake has
	// not yet reached Ready (§3.6, §4.5). Packets beyond this budget are
	// dropped rather than buffered.
	MaxPendingUserBytes = 1 << 20 // 1 MiB
)

// Reserved QUIC stream id ranges (§3.4). These are logical stream ids
// carried in PacketHeader.StreamID, not raw QUIC stream numbers.
const (
	StreamHandshake = 1
	StreamKeepalive = 2
	StreamNodeInfo  = 3

	StreamControlMin = 4
	StreamControlMax = 9

	StreamRoutingMin = 10
	StreamRoutingMax = 19

	StreamAuthMin = 20
	StreamAuthMax = 29

	StreamReservedMin = 30
	StreamReservedMax = 99

	StreamUserMin = 100
)

// IsReservedStreamID reports whether id falls in the system-reserved
// range 1-99. Opening such a stream from application code is a
// protocol error (§3.4).
func IsReservedStreamID(id uint64) bool {
	return id >= 1 && id <= StreamReservedMax
}

// IsUserStreamID reports whether id is in the application-assignable
// range (>= 100).
func IsUserStreamID(id uint64) bool {
	return id >= StreamUserMin
}
