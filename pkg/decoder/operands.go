package decoder

import "golang.org/x/arch/x86/x86asm"

// stackWidth is the width of implicit stack references in 64-bit mode.
const stackWidth = 8

// memOperands derives the source and destination memory operand lists for a
// decoded instruction. This covers the explicit mem operands plus the
// implicit stack and string-op references the tracer instruments. lea-class
// address-only operands are excluded.
func memOperands(inst *x86asm.Inst) (srcs, dsts []Operand) {
	switch inst.Op {
	case x86asm.LEA, x86asm.NOP:
		// Address-only / hint operands, no memory access.
		return nil, nil
	}

	// Implicit string-op operands. The explicit Args are absent for these.
	if n, ok := stringOpWidth(inst.Op); ok {
		switch inst.Op {
		case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
			return []Operand{{Size: n}}, []Operand{{Size: n}}
		case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
			return []Operand{{Size: n}, {Size: n}}, nil
		case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
			x86asm.INSB, x86asm.INSW, x86asm.INSD:
			return nil, []Operand{{Size: n}}
		default: // lods, outs, scas
			return []Operand{{Size: n}}, nil
		}
	}

	// Implicit stack operands.
	switch inst.Op {
	case x86asm.PUSH:
		dsts = append(dsts, Operand{Size: stackWidth})
		if w, ok := explicitMem(inst, 0); ok {
			srcs = append(srcs, Operand{Size: w})
		}
		return srcs, dsts
	case x86asm.POP:
		srcs = append(srcs, Operand{Size: stackWidth})
		if w, ok := explicitMem(inst, 0); ok {
			dsts = append(dsts, Operand{Size: w})
		}
		return srcs, dsts
	case x86asm.CALL, x86asm.LCALL:
		if w, ok := explicitMem(inst, 0); ok {
			srcs = append(srcs, Operand{Size: w})
		}
		dsts = append(dsts, Operand{Size: stackWidth})
		return srcs, dsts
	case x86asm.RET, x86asm.LRET, x86asm.LEAVE:
		return []Operand{{Size: stackWidth}}, nil
	}

	// Explicit memory operands. The first argument is the written one
	// unless the opcode only reads it; read-modify-write opcodes count it
	// on both sides.
	for argIdx, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(x86asm.Mem); !ok {
			continue
		}
		w := uint16(inst.MemBytes)
		if w == 0 {
			// Prefetch hints and cache line flushes carry no access width;
			// they count as one-byte reads of the referenced line.
			if _, ok := prefetchKind(inst.Op); !ok && inst.Op != x86asm.CLFLUSH {
				continue
			}
			w = 1
		}
		if argIdx > 0 || readOnlyDst[inst.Op] {
			srcs = append(srcs, Operand{Size: w})
			continue
		}
		if rmwOps[inst.Op] {
			srcs = append(srcs, Operand{Size: w})
		}
		dsts = append(dsts, Operand{Size: w})
	}
	return srcs, dsts
}

// explicitMem returns the width of Args[argIdx] if it is a memory operand.
func explicitMem(inst *x86asm.Inst, argIdx int) (uint16, bool) {
	if _, ok := inst.Args[argIdx].(x86asm.Mem); !ok {
		return 0, false
	}
	if inst.MemBytes == 0 {
		return 0, false
	}
	return uint16(inst.MemBytes), true
}

// stringOpWidth returns the element width of a string instruction.
func stringOpWidth(op x86asm.Op) (uint16, bool) {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB, x86asm.CMPSB, x86asm.SCASB,
		x86asm.INSB, x86asm.OUTSB:
		return 1, true
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW, x86asm.CMPSW, x86asm.SCASW,
		x86asm.INSW, x86asm.OUTSW:
		return 2, true
	case x86asm.MOVSD, x86asm.STOSD, x86asm.LODSD, x86asm.CMPSD, x86asm.SCASD,
		x86asm.INSD, x86asm.OUTSD:
		return 4, true
	case x86asm.MOVSQ, x86asm.STOSQ, x86asm.LODSQ, x86asm.CMPSQ, x86asm.SCASQ:
		return 8, true
	}
	return 0, false
}

// readOnlyDst marks opcodes whose first memory argument is only read.
var readOnlyDst = map[x86asm.Op]bool{
	x86asm.CMP: true, x86asm.TEST: true, x86asm.BT: true,
	x86asm.PREFETCHT0: true, x86asm.PREFETCHT1: true, x86asm.PREFETCHT2: true,
	x86asm.PREFETCHNTA: true, x86asm.PREFETCHW: true,
	x86asm.CLFLUSH: true,
}

// rmwOps marks opcodes whose first memory argument is read and written.
var rmwOps = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.ADC: true, x86asm.SUB: true, x86asm.SBB: true,
	x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true,
	x86asm.INC: true, x86asm.DEC: true, x86asm.NEG: true, x86asm.NOT: true,
	x86asm.ROL: true, x86asm.ROR: true, x86asm.RCL: true, x86asm.RCR: true,
	x86asm.SHL: true, x86asm.SHR: true, x86asm.SAR: true,
	x86asm.SHLD: true, x86asm.SHRD: true,
	x86asm.XADD: true, x86asm.XCHG: true, x86asm.CMPXCHG: true,
	x86asm.BTC: true, x86asm.BTR: true, x86asm.BTS: true,
}
