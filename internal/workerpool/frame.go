package workerpool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single frame's payload, guarding against a
// misbehaving worker advertising an unbounded length prefix.
const maxFrameSize = 64 << 20

// FrameWriter serializes Frames as 4-byte big-endian length + JSON payload
// (spec.md §4.2 transport), matching the on-the-wire format exactly. Writes
// are serialized with a mutex since multiple goroutines (dispatch, cancel,
// ping) may write to the same worker concurrently.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

func (fw *FrameWriter) Write(f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("workerpool: encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("workerpool: frame too large: %d bytes", len(body))
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := fw.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("workerpool: write length prefix: %w", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return fmt.Errorf("workerpool: write frame body: %w", err)
	}
	return nil
}

// FrameReader deserializes Frames from the length-prefixed stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (fr *FrameReader) Read() (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(fr.r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Frame{}, fmt.Errorf("workerpool: frame length %d exceeds max %d", n, maxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Frame{}, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("workerpool: decode frame: %w", err)
	}
	return f, nil
}
