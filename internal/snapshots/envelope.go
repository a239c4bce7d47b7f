package snapshots

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

// Envelope layout: magic(4) version(1) compression(1) size(4 LE) crc32(4 LE) reserved(6) body.
const (
	// HeaderSize is the fixed length of the binary envelope header.
	HeaderSize = 20
	// EnvelopeVersion is the only envelope version this build reads and writes.
	EnvelopeVersion byte = 1

	offsetVersion     = 4
	offsetCompression = 5
	offsetSize        = 6
	offsetChecksum    = 10
	offsetReserved    = 14

	flagNone byte = 0
	flagGzip byte = 1
)

const gzipHeaderSize = 10

var envelopeMagic = [4]byte{'W', 'T', 'S', 'S'}

// canonicalGzipHeader is the member header gzipBytes always writes. The inflater ignores its
// mtime, xfl, and os bytes, so Decode compares them explicitly.
var canonicalGzipHeader = func() []byte {
	empty, err := gzipBytes(nil)
	if err != nil {
		panic(err)
	}
	return empty[:gzipHeaderSize]
}()

var (
	// ErrChecksumMismatch indicates that the envelope body does not match its recorded CRC-32.
	ErrChecksumMismatch = errors.New("snapshots: checksum mismatch")
	// ErrUnsupportedSnapshotVersion indicates an envelope version this build cannot read.
	ErrUnsupportedSnapshotVersion = errors.New("snapshots: unsupported snapshot version")
	// ErrMalformedSnapshot indicates an envelope whose header or body cannot be parsed.
	ErrMalformedSnapshot = errors.New("snapshots: malformed snapshot")
	// ErrLegacySnapshot indicates a pre-envelope payload that must be upgraded during recovery.
	ErrLegacySnapshot = errors.New("snapshots: legacy snapshot requires upgrade")
)

// Compression identifies how an envelope body is stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// LegacyFormat classifies pre-envelope snapshot payloads.
type LegacyFormat string

const (
	LegacyNone LegacyFormat = ""
	LegacyGzip LegacyFormat = "raw_gzip"
	LegacyJSON LegacyFormat = "raw_json"
)

// Header is the decoded fixed envelope header.
type Header struct {
	Version          byte
	Compression      Compression
	UncompressedSize uint32
	Checksum         uint32
}

// Encode wraps a serialized document payload in the versioned, checksummed envelope.
func Encode(payload []byte, compress bool) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds envelope limit", ErrMalformedSnapshot, len(payload))
	}
	checksum := crc32.ChecksumIEEE(payload)

	body := payload
	flag := flagNone
	if compress {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, err
		}
		body = compressed
		flag = flagGzip
	}

	envelope := make([]byte, HeaderSize+len(body))
	copy(envelope[:offsetVersion], envelopeMagic[:])
	envelope[offsetVersion] = EnvelopeVersion
	envelope[offsetCompression] = flag
	binary.LittleEndian.PutUint32(envelope[offsetSize:offsetChecksum], uint32(len(payload)))
	binary.LittleEndian.PutUint32(envelope[offsetChecksum:offsetReserved], checksum)
	copy(envelope[HeaderSize:], body)
	return envelope, nil
}

// Decode validates an envelope and returns the uncompressed payload it carries.
func Decode(data []byte) ([]byte, Header, error) {
	header, err := ReadHeader(data)
	if err != nil {
		return nil, Header{}, err
	}
	body := data[HeaderSize:]

	payload := body
	if header.Compression == CompressionGzip {
		if len(body) < gzipHeaderSize || !bytes.Equal(body[:gzipHeaderSize], canonicalGzipHeader) {
			return nil, Header{}, fmt.Errorf("%w: gzip member header altered", ErrChecksumMismatch)
		}
		payload, err = gunzipBytes(body, int64(header.UncompressedSize))
		if err != nil {
			return nil, Header{}, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
	}
	if uint64(len(payload)) != uint64(header.UncompressedSize) {
		return nil, Header{}, fmt.Errorf("%w: size %d, header records %d", ErrChecksumMismatch, len(payload), header.UncompressedSize)
	}
	if computed := crc32.ChecksumIEEE(payload); computed != header.Checksum {
		return nil, Header{}, fmt.Errorf("%w: computed %08x, stored %08x", ErrChecksumMismatch, computed, header.Checksum)
	}
	return payload, header, nil
}

// ReadHeader parses and validates the fixed header without touching the body.
func ReadHeader(data []byte) (Header, error) {
	if format := DetectLegacy(data); format != LegacyNone {
		return Header{}, fmt.Errorf("%w: %s", ErrLegacySnapshot, format)
	}
	if len(data) < HeaderSize || !bytes.Equal(data[:offsetVersion], envelopeMagic[:]) {
		return Header{}, fmt.Errorf("%w: missing envelope header", ErrMalformedSnapshot)
	}
	version := data[offsetVersion]
	if version != EnvelopeVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedSnapshotVersion, version)
	}
	for _, reserved := range data[offsetReserved:HeaderSize] {
		if reserved != 0 {
			return Header{}, fmt.Errorf("%w: reserved header bytes are not zero", ErrMalformedSnapshot)
		}
	}

	header := Header{
		Version:          version,
		UncompressedSize: binary.LittleEndian.Uint32(data[offsetSize:offsetChecksum]),
		Checksum:         binary.LittleEndian.Uint32(data[offsetChecksum:offsetReserved]),
	}
	switch data[offsetCompression] {
	case flagNone:
		header.Compression = CompressionNone
	case flagGzip:
		header.Compression = CompressionGzip
	default:
		return Header{}, fmt.Errorf("%w: unknown compression flag %d", ErrMalformedSnapshot, data[offsetCompression])
	}
	return header, nil
}

// DetectLegacy reports whether data is a pre-envelope payload and which kind.
func DetectLegacy(data []byte) LegacyFormat {
	if len(data) >= len(envelopeMagic) && bytes.Equal(data[:len(envelopeMagic)], envelopeMagic[:]) {
		return LegacyNone
	}
	if len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B {
		return LegacyGzip
	}
	if len(data) >= 1 && data[0] == '{' {
		return LegacyJSON
	}
	return LegacyNone
}

// UpgradeLegacy re-encodes a raw-gzip or raw-JSON payload into the current envelope.
func UpgradeLegacy(data []byte, compress bool) ([]byte, LegacyFormat, error) {
	format := DetectLegacy(data)
	var payload []byte
	switch format {
	case LegacyGzip:
		decompressed, err := gunzipBytes(data, -1)
		if err != nil {
			return nil, format, fmt.Errorf("%w: legacy gzip: %v", ErrMalformedSnapshot, err)
		}
		payload = decompressed
	case LegacyJSON:
		payload = data
	default:
		return nil, LegacyNone, fmt.Errorf("%w: not a legacy payload", ErrMalformedSnapshot)
	}
	if !json.Valid(payload) {
		return nil, format, fmt.Errorf("%w: legacy payload is not valid json", ErrMalformedSnapshot)
	}
	envelope, err := Encode(payload, compress)
	if err != nil {
		return nil, format, err
	}
	return envelope, format, nil
}

func gzipBytes(payload []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(payload); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// gunzipBytes inflates body; a non-negative limit caps the output at limit bytes.
func gunzipBytes(body []byte, limit int64) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var source io.Reader = reader
	if limit >= 0 {
		source = io.LimitReader(reader, limit+1)
	}
	payload, err := io.ReadAll(source)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && int64(len(payload)) > limit {
		return nil, fmt.Errorf("inflated body exceeds %d bytes", limit)
	}
	return payload, nil
}
