// Package encoding implements the canonical memory-access trace format
// consumed by downstream cache and TLB simulators. A trace is a flat stream
// of fixed-width records framed as a packed 16-byte triple: type (uint16
// little-endian), size (uint16 little-endian), 4 reserved padding bytes, and
// addr (uint64 little-endian). The first record of a trace is a header whose
// addr holds the trace format version, the last is a footer.
package encoding

import "strconv"

// TraceVersion is the canonical trace format version carried in the header
// record's Addr field.
const TraceVersion = 2

// RecordSize is the wire size of every canonical record in bytes.
const RecordSize = 16

// Record is one canonical trace record.
type Record struct {
	Type RecordType
	// Size is the operand width of a memory access, the encoded length of a
	// fetched instruction, or the span of a flush. It is zero for
	// instruction fetches recorded in L0-filtered mode.
	Size uint16
	// Addr is the referenced memory address, the instruction's address in
	// the traced run, or a marker payload (tid, pid, version).
	Addr uint64
}

type RecordType uint16

// Record types in the trace. The instr and prefetch groups are specialized
// by opcode class.
const (
	RecordRead            RecordType = 0  // data load [addr, operand size]
	RecordWrite           RecordType = 1  // data store [addr, operand size]
	RecordPrefetch        RecordType = 2  // generic prefetch hint
	RecordPrefetchT0      RecordType = 3  // prefetch into all cache levels
	RecordPrefetchT1      RecordType = 4  // prefetch into L2 and up
	RecordPrefetchT2      RecordType = 5  // prefetch into L3 and up
	RecordPrefetchNTA     RecordType = 6  // non-temporal prefetch
	RecordPrefetchWrite   RecordType = 7  // prefetch with intent to write
	RecordInstr           RecordType = 8  // non-branch instruction fetch
	RecordInstrDirectJump RecordType = 9  // direct unconditional branch
	RecordInstrIndirJump  RecordType = 10 // indirect unconditional branch
	RecordInstrCondJump   RecordType = 11 // conditional branch
	RecordInstrDirectCall RecordType = 12 // direct call
	RecordInstrIndirCall  RecordType = 13 // indirect call
	RecordInstrReturn     RecordType = 14 // return
	RecordInstrFlush      RecordType = 15 // instruction cache flush [start, span]
	RecordDataFlush       RecordType = 16 // data cache flush [addr, operand size]
	RecordThread          RecordType = 17 // thread id marker [tid]
	RecordThreadExit      RecordType = 18 // thread exit marker [tid]
	RecordPid             RecordType = 19 // process id marker [pid]
	RecordHeader          RecordType = 20 // first record [trace version]
	RecordFooter          RecordType = 21 // last record
	recordTypeCount       RecordType = 22
)

var recordTypeNames = [recordTypeCount]string{
	"read",
	"write",
	"prefetch",
	"prefetch_t0",
	"prefetch_t1",
	"prefetch_t2",
	"prefetch_nta",
	"prefetch_write",
	"instr",
	"instr_direct_jump",
	"instr_indirect_jump",
	"instr_conditional_jump",
	"instr_direct_call",
	"instr_indirect_call",
	"instr_return",
	"instr_flush",
	"data_flush",
	"thread",
	"thread_exit",
	"pid",
	"header",
	"footer",
}

func (t RecordType) String() string {
	if t < recordTypeCount {
		return recordTypeNames[t]
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// IsInstr returns true for all instruction fetch record types.
func (t RecordType) IsInstr() bool {
	return t >= RecordInstr && t <= RecordInstrReturn
}

// IsPrefetch returns true for all prefetch record types.
func (t RecordType) IsPrefetch() bool {
	return t >= RecordPrefetch && t <= RecordPrefetchWrite
}

