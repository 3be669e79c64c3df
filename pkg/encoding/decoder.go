package encoding

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Decoder decodes canonical trace records from a reader.
type Decoder struct {
	in  *bufio.Reader
	buf [RecordSize]byte
	off int64
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{in: bufio.NewReader(r)}
}

// Decode parses a record or returns an error. A clean end of the trace is
// reported as io.EOF, a record cut short as io.ErrUnexpectedEOF.
func (d *Decoder) Decode(r *Record) error {
	if _, err := io.ReadFull(d.in, d.buf[:]); err != nil {
		return err
	}
	d.off += RecordSize
	r.Type = RecordType(binary.LittleEndian.Uint16(d.buf[0:2]))
	r.Size = binary.LittleEndian.Uint16(d.buf[2:4])
	r.Addr = binary.LittleEndian.Uint64(d.buf[8:16])
	return nil
}

// Offset returns the number of bytes consumed from the trace so far.
func (d *Decoder) Offset() int64 {
	return d.off
}
