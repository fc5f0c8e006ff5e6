package unison

import (
	"errors"
	"hash/crc32"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// encoder/decoder are shared across the process; zstd's own types are
// safe for concurrent use once constructed (klauspost/compress docs).
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdOnce    sync.Once
	zstdInitErr error
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
}

// cborEncMode is a canonical, deterministic CBOR encode mode so two
// encodes of the same value always produce the same bytes.
var cborEncMode, _ = cbor.CanonicalEncOptions().EncMode()

// EncodedPayload is the result of running the payload codec's encode
// pipeline (§4.2) over a typed value: the bytes to place on the wire
// plus the header fields they imply.
type EncodedPayload struct {
	Wire             []byte
	PayloadLength    uint32
	CompressedLength uint32
	Checksum         uint32
	Flags            PacketFlags
}

// EncodePayload archives v, optionally compresses it, and optionally
// checksums it, following §4.2's encode algorithm exactly.
func EncodePayload[T any](v T, withChecksum bool) (EncodedPayload, error) {
	archived, err := cborEncMode.Marshal(v)
	if err != nil {
		return EncodedPayload{}, &PayloadError{Kind: PayloadInvalidArchive, Err: err}
	}

	u := len(archived)
	if u > MaxWireSize {
		return EncodedPayload{}, &PayloadError{Kind: PayloadTooLarge, Size: u, Max: MaxWireSize}
	}

	out := EncodedPayload{
		Wire:          archived,
		PayloadLength: uint32(u),
	}

	if u >= CompressionThreshold {
		initZstd()
		if zstdInitErr == nil {
			compressed := zstdEncoder.EncodeAll(archived, nil)
			if len(compressed) < u {
				out.Wire = compressed
				out.CompressedLength = uint32(len(compressed))
				out.Flags = out.Flags.With(FlagCompressed)
			}
		}
	}

	if withChecksum {
		out.Checksum = crc32.ChecksumIEEE(out.Wire)
		out.Flags = out.Flags.With(FlagChecksummed)
	}

	if HeaderSize+len(out.Wire) > MaxWireSize {
		return EncodedPayload{}, &PayloadError{Kind: PayloadTooLarge, Size: HeaderSize + len(out.Wire), Max: MaxWireSize}
	}

	return out, nil
}

// verifyChecksum recomputes CRC32 over wire and compares it to the
// header's checksum field, per §4.2 step 1.
func verifyChecksum(h *PacketHeader, wire []byte) error {
	if !h.Flags.Has(FlagChecksummed) {
		return nil
	}
	got := crc32.ChecksumIEEE(wire)
	if got != h.Checksum {
		return &PayloadError{Kind: PayloadChecksumMismatch}
	}
	return nil
}

// archivedBytes reverses compression (if any) and returns the
// uncompressed archive bytes ready for unmarshaling, per §4.2 steps 1-2.
func archivedBytes(h *PacketHeader, wire []byte) ([]byte, error) {
	if err := verifyChecksum(h, wire); err != nil {
		return nil, err
	}

	if !h.Flags.Has(FlagCompressed) {
		return wire, nil
	}

	initZstd()
	if zstdInitErr != nil {
		return nil, &PayloadError{Kind: PayloadDecompressionFailed, Err: zstdInitErr}
	}

	out, err := zstdDecoder.DecodeAll(wire, make([]byte, 0, h.PayloadLength))
	if err != nil {
		return nil, &PayloadError{Kind: PayloadDecompressionFailed, Err: err}
	}
	if uint32(len(out)) != h.PayloadLength {
		return nil, &PayloadError{Kind: PayloadDecompressionFailed, Err: errDecompressedSizeMismatch}
	}
	return out, nil
}

var errDecompressedSizeMismatch = errors.New("unison: decompressed size does not match payload_length")

// DecodePayload materializes a typed value from wire bytes, following
// §4.2's decode algorithm: verify checksum, decompress, validate and
// unmarshal. This may allocate and may decompress.
func DecodePayload[T any](h *PacketHeader, wire []byte) (T, error) {
	var zero T

	archived, err := archivedBytes(h, wire)
	if err != nil {
		return zero, err
	}

	if len(archived) == 0 {
		return zero, nil
	}

	if err := cbor.Valid(archived); err != nil {
		return zero, &PayloadError{Kind: PayloadInvalidArchive, Err: err}
	}

	var v T
	if err := cbor.Unmarshal(archived, &v); err != nil {
		return zero, &PayloadError{Kind: PayloadInvalidArchive, Err: err}
	}
	return v, nil
}

// ArchivedView is a zero-copy-in-spirit handle on a payload's archived
// bytes: it holds a reference into the caller's byte buffer without
// copying, and only materializes a typed value (and only once) the
// first time Get is called. The caller owns the lifetime of the
// underlying buffer; the view must not outlive it.
type ArchivedView[T any] struct {
	raw  []byte
	once sync.Once
	val  T
	err  error
}

// Get materializes and caches the typed value behind the view.
func (v *ArchivedView[T]) Get() (T, error) {
	v.once.Do(func() {
		v.err = cbor.Unmarshal(v.raw, &v.val)
	})
	return v.val, v.err
}

// Raw returns the undecoded archive bytes backing the view.
func (v *ArchivedView[T]) Raw() []byte { return v.raw }

// ViewPayload returns a zero-copy view over wire, available only when
// the payload is not compressed (§4.2): a compressed payload must be
// decompressed into a fresh buffer before it can be materialized, so
// no zero-copy path exists for it.
func ViewPayload[T any](h *PacketHeader, wire []byte) (*ArchivedView[T], error) {
	if h.Flags.Has(FlagCompressed) {
		return nil, ErrViewRequiresUncompressed
	}
	if err := verifyChecksum(h, wire); err != nil {
		return nil, err
	}
	if len(wire) > 0 {
		if err := cbor.Valid(wire); err != nil {
			return nil, &PayloadError{Kind: PayloadInvalidArchive, Err: err}
		}
	}
	return &ArchivedView[T]{raw: wire}, nil
}
