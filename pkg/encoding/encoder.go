package encoding

import (
	"encoding/binary"
	"io"
)

// Encoder encodes canonical trace records to a writer.
// Warning: The encoder is unbuffered, not supplying a buffered writer will
// result in much slower performance on large traces.
type Encoder struct {
	w   io.Writer // output writer
	err error     // sticky error
	buf [RecordSize]byte
}

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes r to the encoder's writer or returns an error.
func (e *Encoder) Encode(r Record) error {
	// Return error if any previous call to Encode failed
	if e.err != nil {
		return e.err
	}
	binary.LittleEndian.PutUint16(e.buf[0:2], uint16(r.Type))
	binary.LittleEndian.PutUint16(e.buf[2:4], r.Size)
	// Bytes 4-8 are reserved padding and stay zero.
	binary.LittleEndian.PutUint32(e.buf[4:8], 0)
	binary.LittleEndian.PutUint64(e.buf[8:16], r.Addr)
	_, e.err = e.w.Write(e.buf[:])
	return e.err
}
