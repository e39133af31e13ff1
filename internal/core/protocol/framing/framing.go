// Package framing delimits envelopes on byte streams with a 4-byte
// little-endian length prefix.
package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/pkg/generic"
)

const (
	HeaderSize = 4

	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
)

// FrameReader yields one complete message body per call. io.EOF means the
// peer closed cleanly between frames.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FrameWriter writes one complete message body per call.
type FrameWriter interface {
	WriteFrame(body []byte) error
}

var bufferPool = generic.NewHotPool(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 512)) },
	(*bytes.Buffer).Reset,
	8,
)

// AppendFrame appends the length prefix and body to dst.
func AppendFrame(dst, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// StreamReader reassembles frames from a byte stream regardless of how the
// stream splits its reads.
type StreamReader struct {
	r       *bufio.Reader
	maxSize int
	header  [HeaderSize]byte
}

func NewStreamReader(r io.Reader, maxSize int) *StreamReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &StreamReader{r: bufio.NewReader(r), maxSize: maxSize}
}

func (s *StreamReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(s.r, s.header[:]); err != nil {
		// ReadFull reports EOF only when no header byte arrived.
		return nil, err
	}

	size := binary.LittleEndian.Uint32(s.header[:])
	if uint64(size) > uint64(s.maxSize) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes, limit %d", size, s.maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(s.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// StreamWriter emits each frame with a single Write. It is safe for
// concurrent use.
type StreamWriter struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int
}

func NewStreamWriter(w io.Writer, maxSize int) *StreamWriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &StreamWriter{w: w, maxSize: maxSize}
}

func (s *StreamWriter) WriteFrame(body []byte) error {
	if len(body) > s.maxSize {
		return errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes, limit %d", len(body), s.maxSize)
	}

	buf := bufferPool.Get()
	defer bufferPool.Put(buf)
	buf.Write(AppendFrame(buf.AvailableBuffer(), body))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(buf.Bytes())
	return err
}

// ReadEnvelope reads and decodes the next envelope. Decode failures come
// back as *envelope.DecodeError and leave the reader usable.
func ReadEnvelope(r FrameReader) (envelope.Envelope, error) {
	body, err := r.ReadFrame()
	if err != nil {
		return envelope.Envelope{}, err
	}
	if len(body) == 0 {
		return envelope.Envelope{}, &envelope.DecodeError{Err: envelope.ErrMalformed, Cause: ErrEmptyFrame}
	}
	return envelope.Decode(body)
}

func WriteEnvelope(w FrameWriter, env envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return w.WriteFrame(body)
}
