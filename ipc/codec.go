package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/yllada/ocvpn/common"
)

// frameHeaderSize is the big-endian length prefix.
const frameHeaderSize = 4

// ErrFrameTooLarge is returned for frames over common.MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame encodes v as JSON and writes it as one frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", common.ErrIPC, err)
	}
	if len(body) > common.MaxFrameSize {
		return fmt.Errorf("%w: %w (%d bytes)", common.ErrIPC, ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write frame: %w", common.ErrIPC, err)
	}
	return nil
}

// ReadFrame reads one frame and decodes it into v. A connection closed
// cleanly between frames returns io.EOF unwrapped.
func ReadFrame(r io.Reader, v any) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("%w: read frame header: %w", common.ErrIPC, err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > common.MaxFrameSize {
		return fmt.Errorf("%w: %w (%d bytes)", common.ErrIPC, ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: read frame body: %w", common.ErrIPC, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode frame: %v", common.ErrIPC, err)
	}
	return nil
}
