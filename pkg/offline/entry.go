// Package offline implements the raw per-thread log format written by the
// online tracer. Each log is a sequence of fixed-width 16-byte little-endian
// entries, starting with a version header and ending with a footer.
package offline

import "encoding/binary"

// EntrySize is the wire size of every offline entry in bytes.
const EntrySize = 16

// FileVersion is the offline log format version this package understands.
// Logs with a different version in their header entry are rejected.
const FileVersion = 1

// EntryType is the tag discriminating offline entry variants.
type EntryType uint8

const (
	// TypeExtended carries a subtype in the Ext field (header or footer).
	TypeExtended EntryType = iota
	// TypeTimestamp carries a microsecond counter in Value. Timestamps are
	// monotonic within a thread and mark points where the merger may switch
	// threads.
	TypeTimestamp
	// TypeThread carries a thread id in Value.
	TypeThread
	// TypePid carries a process id in Value.
	TypePid
	// TypePC describes the next executed basic block: module index in ModIdx,
	// module offset in Value, instruction count in InstrCount.
	TypePC
	// TypeMemref carries the low half of a memory reference address. The
	// Value field holds the full combined address and is read as such.
	TypeMemref
	// TypeMemrefHigh is the platform-dependent high-half pairing of
	// TypeMemref. The Value field is read directly as a full address.
	TypeMemrefHigh
	// TypeIFlush carries an instruction cache flush boundary. Flushes come
	// in begin/end pairs of two consecutive entries.
	TypeIFlush
)

// Extended entry subtypes, stored in the Ext field.
const (
	ExtHeader uint8 = 0 // first entry of a log, Value holds FileVersion
	ExtFooter uint8 = 1 // final entry of a log, nothing may follow
)

// Entry is one decoded offline entry. Only the fields relevant to the
// entry's Type are meaningful; the rest are zero.
type Entry struct {
	Type       EntryType
	Ext        uint8  // extended subtype (TypeExtended only)
	InstrCount uint16 // basic block length (TypePC only)
	ModIdx     uint32 // module table index (TypePC only)
	Value      uint64 // usec | tid | pid | modoffs | addr | version
}

// IsMemref returns true for both memref variants.
func (e Entry) IsMemref() bool {
	return e.Type == TypeMemref || e.Type == TypeMemrefHigh
}

// IsFooter returns true if e is an extended footer entry.
func (e Entry) IsFooter() bool {
	return e.Type == TypeExtended && e.Ext == ExtFooter
}

// Append appends the 16-byte wire encoding of e to buf and returns the
// extended slice.
func (e Entry) Append(buf []byte) []byte {
	var b [EntrySize]byte
	b[0] = byte(e.Type)
	b[1] = e.Ext
	binary.LittleEndian.PutUint16(b[2:4], e.InstrCount)
	binary.LittleEndian.PutUint32(b[4:8], e.ModIdx)
	binary.LittleEndian.PutUint64(b[8:16], e.Value)
	return append(buf, b[:]...)
}

// decodeEntry decodes the 16-byte wire encoding in b.
func decodeEntry(b []byte) Entry {
	return Entry{
		Type:       EntryType(b[0]),
		Ext:        b[1],
		InstrCount: binary.LittleEndian.Uint16(b[2:4]),
		ModIdx:     binary.LittleEndian.Uint32(b[4:8]),
		Value:      binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Header returns a version header entry.
func Header(version uint64) Entry {
	return Entry{Type: TypeExtended, Ext: ExtHeader, Value: version}
}

// Footer returns a log footer entry.
func Footer() Entry {
	return Entry{Type: TypeExtended, Ext: ExtFooter}
}

// Timestamp returns a timestamp entry for the given microsecond counter.
func Timestamp(usec uint64) Entry {
	return Entry{Type: TypeTimestamp, Value: usec}
}

// Thread returns a thread id entry.
func Thread(tid uint64) Entry {
	return Entry{Type: TypeThread, Value: tid}
}

// Pid returns a process id entry.
func Pid(pid uint64) Entry {
	return Entry{Type: TypePid, Value: pid}
}

// PC returns a basic block entry for instrCount instructions at
// modIdx+modOffs.
func PC(modIdx uint32, modOffs uint64, instrCount uint16) Entry {
	return Entry{Type: TypePC, ModIdx: modIdx, InstrCount: instrCount, Value: modOffs}
}

// Memref returns a memory reference entry for addr.
func Memref(addr uint64) Entry {
	return Entry{Type: TypeMemref, Value: addr}
}

// IFlush returns one instruction cache flush boundary entry.
func IFlush(addr uint64) Entry {
	return Entry{Type: TypeIFlush, Value: addr}
}
