// Package ipc implements the framing between a worker subprocess and its
// supervisor: 4-byte big-endian length prefix followed by a msgpack-encoded
// wire message whose content stays raw JSON bytes. The supervisor relays the
// content onto the WebSocket without re-encoding it.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/theory/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error terminates the run.
// Partial and oversized frames are fatal; a single undecodable payload is not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// wireFrame is the msgpack shape on the pipe. Content carries JSON bytes.
type wireFrame struct {
	Kind    string `msgpack:"kind"`
	Content []byte `msgpack:"content"`
}

// Decoder decodes length-prefixed frames from a stream.
type Decoder struct {
	reader io.Reader
}

// NewDecoder creates a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// Read reads a single wire message from the stream.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
//   - *FrameError with Kind=FrameErrorDecode: undecodable payload
func (d *Decoder) Read() (*types.Message, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	var frame wireFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode frame",
			Err:  err,
		}
	}
	return &types.Message{Kind: types.Kind(frame.Kind), Content: frame.Content}, nil
}

// Encoder writes length-prefixed frames to a stream.
// Safe for concurrent use: emit paths in the worker harness run on multiple
// goroutines (entry code plus the upload reporter).
type Encoder struct {
	mu     sync.Mutex
	writer *bufio.Writer
}

// NewEncoder creates a frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w)}
}

// Write encodes and flushes a single wire message.
func (e *Encoder) Write(m *types.Message) error {
	payload, err := msgpack.Marshal(wireFrame{Kind: string(m.Kind), Content: m.Content})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := e.writer.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := e.writer.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return e.writer.Flush()
}
