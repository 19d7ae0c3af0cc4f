package netman

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"veilnet/internal/wire"
)

// framer reads/writes length-prefixed frames over the TCP stream
// transport (WS/WSS carry one message per Operation instead), matching the wire
// codec's own u32-length-prefix convention so TCP carries exactly one
// Operation per frame.
type framer struct {
	r *bufio.Reader
	w io.Writer
}

func newFramer(rw io.ReadWriter) *framer {
	return &framer{r: bufio.NewReader(rw), w: rw}
}

func (f *framer) readFrame() ([]byte, error) {
	var lbuf [4]byte
	if _, err := io.ReadFull(f.r, lbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lbuf[:])
	if n > wire.MaxOperationSize {
		return nil, fmt.Errorf("netman: frame exceeds max operation size (%d)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > wire.MaxOperationSize {
		return fmt.Errorf("netman: frame exceeds max operation size (%d)", len(payload))
	}
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(payload)))
	if _, err := w.Write(lbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
