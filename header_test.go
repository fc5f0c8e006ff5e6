package unison

import "testing"

func sampleHeader() PacketHeader {
	return PacketHeader{
		Version:          CurrentVersion,
		Type:             PacketTypeData,
		Flags:            FlagChecksummed,
		PayloadLength:    128,
		CompressedLength: 0,
		Checksum:         0xdeadbeef,
		SequenceNumber:   7,
		Timestamp:        123456789,
		StreamID:         100,
		MessageID:        42,
		ResponseTo:       0,
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHeader()
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestHeaderEncodeZeroesReservedPadding(t *testing.T) {
	h := sampleHeader()
	buf := make([]byte, HeaderSize)
	for i := range buf {
		buf[i] = 0xff
	}
	h.Encode(buf)
	for i := 56; i < HeaderSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d of reserved padding was not zeroed", i)
		}
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	he, ok := err.(*HeaderError)
	if !ok || he.Kind != HeaderInvalidSize {
		t.Fatalf("expected HeaderInvalidSize, got %v", err)
	}
}

func TestDecodeHeaderUnsupportedVersion(t *testing.T) {
	h := sampleHeader()
	h.Version = CurrentVersion + 1
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	_, err := DecodeHeader(buf)
	he, ok := err.(*HeaderError)
	if !ok || he.Kind != HeaderUnsupportedVersion {
		t.Fatalf("expected HeaderUnsupportedVersion, got %v", err)
	}
}

func TestDecodeHeaderRejectsReservedFlags(t *testing.T) {
	h := sampleHeader()
	h.Flags = h.Flags.With(PacketFlags(0x0800))
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	_, err := DecodeHeader(buf)
	he, ok := err.(*HeaderError)
	if !ok || he.Kind != HeaderReservedFlagSet {
		t.Fatalf("expected HeaderReservedFlagSet, got %v", err)
	}
}

func TestDecodeHeaderRejectsResponseToWithoutMessageID(t *testing.T) {
	h := sampleHeader()
	h.MessageID = 0
	h.ResponseTo = 5
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	_, err := DecodeHeader(buf)
	he, ok := err.(*HeaderError)
	if !ok || he.Kind != HeaderInvalidRole {
		t.Fatalf("expected HeaderInvalidRole, got %v", err)
	}
}

func TestDecodeHeaderRejectsInconsistentCompression(t *testing.T) {
	h := sampleHeader()
	h.Flags = h.Flags.With(FlagCompressed)
	h.CompressedLength = 0
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	_, err := DecodeHeader(buf)
	he, ok := err.(*HeaderError)
	if !ok || he.Kind != HeaderInconsistentCompression {
		t.Fatalf("expected HeaderInconsistentCompression, got %v", err)
	}
}

func TestHeaderRoleHelpers(t *testing.T) {
	cases := []struct {
		name                         string
		messageID, responseTo        uint64
		request, response, oneway    bool
	}{
		{"oneway", 0, 0, false, false, true},
		{"request", 5, 0, true, false, false},
		{"response", 5, 3, false, true, false},
	}
	for _, c := range cases {
		h := PacketHeader{MessageID: c.messageID, ResponseTo: c.responseTo}
		if h.IsRequest() != c.request {
			t.Errorf("%s: IsRequest() = %v, want %v", c.name, h.IsRequest(), c.request)
		}
		if h.IsResponse() != c.response {
			t.Errorf("%s: IsResponse() = %v, want %v", c.name, h.IsResponse(), c.response)
		}
		if h.IsOneway() != c.oneway {
			t.Errorf("%s: IsOneway() = %v, want %v", c.name, h.IsOneway(), c.oneway)
		}
	}
}

func TestHeaderActualPayloadSize(t *testing.T) {
	h := PacketHeader{PayloadLength: 100}
	if h.ActualPayloadSize() != 100 {
		t.Fatalf("expected 100, got %d", h.ActualPayloadSize())
	}
	h.CompressedLength = 40
	if h.ActualPayloadSize() != 40 {
		t.Fatalf("expected compressed length 40, got %d", h.ActualPayloadSize())
	}
}
