// Package wire implements the Kafka-compatible request framer (§4.2, §6):
// it turns a length-prefixed byte stream into a RequestHeader plus an
// opaque payload, and encodes responses back onto the wire. It does not
// implement per-API message codecs — those are an external collaborator,
// out of scope per spec.md §1.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// FramingError is a fatal, connection-terminating protocol violation (§7):
// negative/oversize length prefixes, truncated headers, or invalid UTF-8
// client ids.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "framing error: " + e.Reason }

// RequestHeader is the generic Kafka request header (§3): apiKey,
// apiVersion, correlationId, and an optional UTF-8 client id.
type RequestHeader struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      *string // nil means "no client id" (wire clientIdSize == -1)
}

// APIName returns a human-readable name for the header's API key, for log
// fields, falling back to the numeric key for keys kmsg doesn't recognize
// (this broker implements only a subset of the real API surface).
func (h RequestHeader) APIName() string {
	name := kmsg.NameForKey(h.APIKey)
	if name == "" {
		return fmt.Sprintf("unknown(%d)", h.APIKey)
	}
	return name
}

// Request is a single framed request: its header, opaque payload bytes,
// and the admitted-memory reservation and throttle delay computed while
// framing it (§3). AdmittedMemory is owned by the request for its full
// lifetime — release is the caller's responsibility once dispatch
// completes or fails terminally.
type Request struct {
	Header                RequestHeader
	Payload               []byte
	AdmittedMemory        int64
	AssignedThrottleDelay int64 // nanoseconds; 0 if unthrottled
}

// EstimateMemory computes the admission-control memory reservation for a
// frame of the given size, per the memEstimate = size*multiplier+overhead
// heuristic (§4.2, §9). Both constants are configuration knobs, not magic
// numbers baked into the formula.
func EstimateMemory(size int64, multiplier, overheadBytes int64) int64 {
	return size*multiplier + overheadBytes
}

// ReadHeader reads exactly one frame's fixed-size header from r: the 4-byte
// size is assumed to have already been consumed by the caller (admission
// must run between reading size and reading the header, per §4.2 step 2-4).
// It returns the header and the number of header+clientId bytes consumed,
// so the caller can compute the remaining payload length.
func ReadHeader(r io.Reader) (RequestHeader, int, error) {
	fixed := make([]byte, 8) // apiKey(2) + apiVersion(2) + correlationId(4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return RequestHeader{}, 0, &FramingError{Reason: fmt.Sprintf("read header: %v", err)}
	}

	rd := &kbin.Reader{Src: fixed}
	h := RequestHeader{
		APIKey:        rd.Int16(),
		APIVersion:    rd.Int16(),
		CorrelationID: rd.Int32(),
	}
	if err := rd.Complete(); err != nil {
		return RequestHeader{}, 0, &FramingError{Reason: fmt.Sprintf("decode header: %v", err)}
	}

	consumed := 8

	sizeBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return RequestHeader{}, 0, &FramingError{Reason: fmt.Sprintf("read client id size: %v", err)}
	}
	clientIDSize := int16(binary.BigEndian.Uint16(sizeBuf))
	consumed += 2

	switch {
	case clientIDSize == -1:
		// No client id.
	case clientIDSize == 0:
		empty := ""
		h.ClientID = &empty
	case clientIDSize > 0:
		buf := make([]byte, clientIDSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return RequestHeader{}, 0, &FramingError{Reason: fmt.Sprintf("read client id: %v", err)}
		}
		if !utf8.Valid(buf) {
			return RequestHeader{}, 0, &FramingError{Reason: "client id is not valid UTF-8"}
		}
		s := string(buf)
		h.ClientID = &s
		consumed += int(clientIDSize)
	default:
		return RequestHeader{}, 0, &FramingError{Reason: fmt.Sprintf("negative client id size %d", clientIDSize)}
	}

	return h, consumed, nil
}

// ReadSize reads the 4-byte big-endian frame size prefix. A negative size
// is a fatal framing error (§4.2 step 1). A stream that ends before the
// first size byte returns io.EOF itself, so callers can tell a clean close
// from a truncated frame.
func ReadSize(r io.Reader) (int32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, &FramingError{Reason: fmt.Sprintf("read size: %v", err)}
	}
	size := int32(binary.BigEndian.Uint32(buf))
	if size < 0 {
		return 0, &FramingError{Reason: fmt.Sprintf("negative frame size %d", size)}
	}
	return size, nil
}

// Response is the on-wire response: a correlation id and a sequence of
// opaque payload chunks, written concatenated (§3).
type Response struct {
	CorrelationID int32
	PayloadChunks [][]byte
}

// Encode renders the response to its wire form: a 4-byte big-endian total
// size (covering correlationId + payload), the 4-byte correlationId, then
// the payload chunks concatenated.
func (r *Response) Encode() []byte {
	payloadLen := 0
	for _, c := range r.PayloadChunks {
		payloadLen += len(c)
	}

	out := make([]byte, 0, 8+payloadLen)
	out = kbin.AppendInt32(out, int32(4+payloadLen))
	out = kbin.AppendInt32(out, r.CorrelationID)
	for _, c := range r.PayloadChunks {
		out = append(out, c...)
	}
	return out
}
