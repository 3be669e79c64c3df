// Package decoder decodes x86-64 instructions out of mapped module bytes
// and caches the decoded descriptors. Basic block expansion hits the same
// hot instructions on every dynamic execution, so lookups vastly outnumber
// decodes.
package decoder

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/felixge/memtraceutils/pkg/encoding"
)

// ErrUndecodable is returned (wrapped) for invalid or undecodable bytes.
// Callers abort the current basic block when they see it.
var ErrUndecodable = errors.New("invalid/undecodable instruction")

// Key identifies the raw bytes of one instruction: the module table index
// and the offset of the instruction within the module.
type Key struct {
	Mod int
	Off uint64
}

// initialBuckets pre-sizes the cache for lookup-heavy workloads so that the
// table stays at a low load factor without rehashing during a run.
const initialBuckets = 1 << 16

// Cache interns decoded instruction descriptors. It grows monotonically for
// the duration of a run; entries are released together with the cache.
type Cache struct {
	table map[Key]*Instr
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{table: make(map[Key]*Instr, initialBuckets)}
}

// Len returns the number of interned descriptors.
func (c *Cache) Len() int {
	return len(c.table)
}

// Lookup returns the descriptor for the instruction at mod+off, decoding
// from code on a miss. code must hold the instruction's bytes starting at
// its first byte; a nil slice means the bytes are not resolvable and is
// reported as undecodable.
func (c *Cache) Lookup(mod int, off uint64, code []byte) (*Instr, error) {
	key := Key{Mod: mod, Off: off}
	if instr, ok := c.table[key]; ok {
		return instr, nil
	}
	if len(code) == 0 {
		return nil, errors.Wrap(ErrUndecodable, "no bytes to decode")
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, errors.Wrap(ErrUndecodable, err.Error())
	}
	instr := classify(&inst)
	c.table[key] = instr
	return instr, nil
}

// Operand describes one memory operand of an instruction.
type Operand struct {
	// Size is the operand width in bytes.
	Size uint16
}

// Instr is a decoded instruction descriptor. All classification queries are
// precomputed at decode time.
type Instr struct {
	// Op is the decoded mnemonic.
	Op x86asm.Op
	// Len is the encoded instruction length in bytes.
	Len int

	recType      encoding.RecordType
	prefetchKind encoding.RecordType
	prefetch     bool
	flush        bool
	cti          bool
	repString    bool
	srcs         []Operand
	dsts         []Operand
}

// RecordType returns the instruction fetch record type for the opcode
// class.
func (i *Instr) RecordType() encoding.RecordType {
	return i.recType
}

// IsControlTransfer returns true for jumps, calls and returns. A control
// transfer may only appear as the last instruction of a basic block.
func (i *Instr) IsControlTransfer() bool {
	return i.cti
}

// IsPrefetch returns true for prefetch hint instructions.
func (i *Instr) IsPrefetch() bool {
	return i.prefetch
}

// PrefetchKind returns the prefetch record type for the hint's sub-kind.
func (i *Instr) PrefetchKind() encoding.RecordType {
	return i.prefetchKind
}

// IsFlush returns true for data cache flush instructions.
func (i *Instr) IsFlush() bool {
	return i.flush
}

// RepString returns true for the rep/repne string family
// (ins/outs/movs/stos/lods/cmps/scas). The tracer expands these hardware
// loops into per-iteration entries that the converter collapses again.
func (i *Instr) RepString() bool {
	return i.repString
}

// ReadsMemory returns true if the instruction has source memory operands.
// Address-only operands (lea) do not count.
func (i *Instr) ReadsMemory() bool {
	return len(i.srcs) > 0
}

// WritesMemory returns true if the instruction has destination memory
// operands.
func (i *Instr) WritesMemory() bool {
	return len(i.dsts) > 0
}

// Srcs returns the source memory operands in operand order.
func (i *Instr) Srcs() []Operand {
	return i.srcs
}

// Dsts returns the destination memory operands in operand order.
func (i *Instr) Dsts() []Operand {
	return i.dsts
}

// classify precomputes the descriptor for a decoded instruction.
func classify(inst *x86asm.Inst) *Instr {
	i := &Instr{
		Op:      inst.Op,
		Len:     inst.Len,
		recType: instrRecordType(inst),
	}
	i.cti = i.recType != encoding.RecordInstr
	i.prefetchKind, i.prefetch = prefetchKind(inst.Op)
	i.flush = inst.Op == x86asm.CLFLUSH
	i.repString = isRepString(inst)
	i.srcs, i.dsts = memOperands(inst)
	return i
}

// instrRecordType maps the opcode class to an instruction fetch record
// type.
func instrRecordType(inst *x86asm.Inst) encoding.RecordType {
	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP:
		if _, ok := inst.Args[0].(x86asm.Rel); ok {
			return encoding.RecordInstrDirectJump
		}
		return encoding.RecordInstrIndirJump
	case x86asm.CALL, x86asm.LCALL:
		if _, ok := inst.Args[0].(x86asm.Rel); ok {
			return encoding.RecordInstrDirectCall
		}
		return encoding.RecordInstrIndirCall
	case x86asm.RET, x86asm.LRET:
		return encoding.RecordInstrReturn
	}
	if condJumps[inst.Op] {
		return encoding.RecordInstrCondJump
	}
	return encoding.RecordInstr
}

// prefetchKind returns the memref record type for a prefetch hint.
func prefetchKind(op x86asm.Op) (encoding.RecordType, bool) {
	switch op {
	case x86asm.PREFETCHT0:
		return encoding.RecordPrefetchT0, true
	case x86asm.PREFETCHT1:
		return encoding.RecordPrefetchT1, true
	case x86asm.PREFETCHT2:
		return encoding.RecordPrefetchT2, true
	case x86asm.PREFETCHNTA:
		return encoding.RecordPrefetchNTA, true
	case x86asm.PREFETCHW:
		return encoding.RecordPrefetchWrite, true
	}
	return 0, false
}

// prefixMeta masks the decoder's prefix annotation bits.
const prefixMeta = x86asm.PrefixImplicit | x86asm.PrefixIgnored | x86asm.PrefixInvalid

// isRepString returns true for rep/repne string instructions.
func isRepString(inst *x86asm.Inst) bool {
	if !stringOps[inst.Op] {
		return false
	}
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		switch p &^ prefixMeta {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			return true
		}
	}
	return false
}

var condJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

var stringOps = map[x86asm.Op]bool{
	x86asm.MOVSB: true, x86asm.MOVSW: true, x86asm.MOVSD: true, x86asm.MOVSQ: true,
	x86asm.STOSB: true, x86asm.STOSW: true, x86asm.STOSD: true, x86asm.STOSQ: true,
	x86asm.LODSB: true, x86asm.LODSW: true, x86asm.LODSD: true, x86asm.LODSQ: true,
	x86asm.CMPSB: true, x86asm.CMPSW: true, x86asm.CMPSD: true, x86asm.CMPSQ: true,
	x86asm.SCASB: true, x86asm.SCASW: true, x86asm.SCASD: true, x86asm.SCASQ: true,
	x86asm.INSB: true, x86asm.INSW: true, x86asm.INSD: true,
	x86asm.OUTSB: true, x86asm.OUTSW: true, x86asm.OUTSD: true,
}
