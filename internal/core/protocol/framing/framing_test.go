package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
)

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

func TestFramesSurviveArbitrarySplits(t *testing.T) {
	bodies := [][]byte{[]byte(`{"kind":"setup"}`), []byte("x"), bytes.Repeat([]byte("ab"), 3000)}

	var stream []byte
	for _, b := range bodies {
		stream = AppendFrame(stream, b)
	}

	r := NewStreamReader(iotest.OneByteReader(bytes.NewReader(stream)), 0)
	for _, want := range bodies {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderIsLittleEndian(t *testing.T) {
	frame := AppendFrame(nil, []byte("hello"))
	require.Len(t, frame, HeaderSize+5)
	assert.Equal(t, []byte{5, 0, 0, 0}, frame[:HeaderSize])
}

func TestTruncatedFrame(t *testing.T) {
	frame := AppendFrame(nil, []byte("truncated body"))

	_, err := NewStreamReader(bytes.NewReader(frame[:len(frame)-3]), 0).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewStreamReader(bytes.NewReader(frame[:2]), 0).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOversizedFrameRejected(t *testing.T) {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], 1024)

	_, err := NewStreamReader(bytes.NewReader(header[:]), 512).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	err = NewStreamWriter(io.Discard, 4).WriteFrame([]byte("too long"))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriterEmitsOneWritePerFrame(t *testing.T) {
	w := &countingWriter{}
	sw := NewStreamWriter(w, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sw.WriteFrame([]byte("payload")))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, w.writes)

	r := NewStreamReader(&w.Buffer, 0)
	for i := 0; i < 20; i++ {
		body, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, "payload", string(body))
	}
}

func TestEnvelopeStreamKeepsOrderAndSkipsBadFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf, 0)

	first := envelope.New(envelope.StateChange{AgentID: "sphere_1", State: envelope.StateWalking})
	second := envelope.New(envelope.DestinationChange{AgentID: "sphere_1", LocationName: "Fountain"})

	require.NoError(t, WriteEnvelope(w, first))
	require.NoError(t, w.WriteFrame([]byte(`{bad json`)))
	require.NoError(t, w.WriteFrame(nil))
	require.NoError(t, WriteEnvelope(w, second))

	r := NewStreamReader(&buf, 0)

	got, err := ReadEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	_, err = ReadEnvelope(r)
	assert.True(t, envelope.IsDecodeError(err))

	_, err = ReadEnvelope(r)
	assert.ErrorIs(t, err, envelope.ErrMalformed)

	got, err = ReadEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadEnvelope(r)
	assert.ErrorIs(t, err, io.EOF)
}
