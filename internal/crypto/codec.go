package crypto

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// Codec format headers. The header byte lets the decoder reject payloads
// produced by a different (or corrupted) pipeline instead of feeding
// garbage to gzip.
const (
	formatGzipJSON byte = 0x01
)

// CodecStats reports the size of a payload at each stage of the
// serialize pipeline. Used for envelope metadata and telemetry.
type CodecStats struct {
	OriginalSize   int
	CompressedSize int
	FinalSize      int
}

// SerializationError wraps a failure while encoding a value for encryption.
type SerializationError struct {
	Cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("crypto: serialization failed: %v", e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// DeserializationError wraps a failure while decoding a decrypted payload.
type DeserializationError struct {
	Cause error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("crypto: deserialization failed: %v", e.Cause)
}

func (e *DeserializationError) Unwrap() error { return e.Cause }

// Marshal encodes v as JSON, compresses it with gzip and prepends the
// format header. The inverse is Unmarshal.
func Marshal(v any) ([]byte, CodecStats, error) {
	var stats CodecStats

	plain, err := json.Marshal(v)
	if err != nil {
		return nil, stats, &SerializationError{Cause: err}
	}
	stats.OriginalSize = len(plain)

	var buf bytes.Buffer
	buf.WriteByte(formatGzipJSON)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, stats, &SerializationError{Cause: err}
	}
	if err := zw.Close(); err != nil {
		return nil, stats, &SerializationError{Cause: err}
	}

	stats.CompressedSize = buf.Len() - 1
	stats.FinalSize = buf.Len()
	return buf.Bytes(), stats, nil
}

// Unmarshal reverses Marshal: strips the header, gunzips and JSON-decodes
// into out. Partial data is never returned; any failure surfaces as a
// DeserializationError.
func Unmarshal(b []byte, out any) error {
	if len(b) < 2 {
		return &DeserializationError{Cause: fmt.Errorf("payload too short (%d bytes)", len(b))}
	}
	if b[0] != formatGzipJSON {
		return &DeserializationError{Cause: fmt.Errorf("unknown format header 0x%02x", b[0])}
	}

	zr, err := gzip.NewReader(bytes.NewReader(b[1:]))
	if err != nil {
		return &DeserializationError{Cause: err}
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return &DeserializationError{Cause: err}
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return &DeserializationError{Cause: err}
	}
	return nil
}
