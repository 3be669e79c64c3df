package convert

import (
	"github.com/pkg/errors"

	"github.com/felixge/memtraceutils/pkg/decoder"
	"github.com/felixge/memtraceutils/pkg/encoding"
	"github.com/felixge/memtraceutils/pkg/offline"
)

// appendBB expands one basic block entry: it walks the module bytes the
// entry points at, decodes each instruction, and emits instruction fetch
// records interleaved with the memory references consumed from the thread's
// log. The returned handled flag is false when the target module cannot be
// decoded, so the caller treats subsequent memref entries as orphan data
// references.
func (c *Converter) appendBB(tidx int, ent offline.Entry) (handled bool, err error) {
	modIdx := int(ent.ModIdx)
	if modIdx >= len(c.table.Modules) {
		return false, errors.Errorf("PC entry references unknown module %d", modIdx)
	}
	mod := c.table.Modules[modIdx]
	instrCount := int(ent.InstrCount)
	if (ent.ModIdx == 0 && ent.Value == 0) || !mod.Decodable() {
		// Code not in any known module (vsyscall, JIT, ...): nothing to
		// decode, the memrefs are handled by the caller.
		c.vlog(3, "Skipping ifetch for %d instrs not in a module", instrCount)
		return false, nil
	}
	c.vlog(3, "Appending %d instrs in bb at mod %d +0x%x = %s", instrCount, modIdx, ent.Value, mod.Path)

	skipIcache := false
	if instrCount == 0 {
		// L0 filtering adds a zero-count block entry before each memref,
		// describing a single instruction. Once seen, the mode persists
		// for the rest of the conversion.
		skipIcache = true
		instrCount = 1
		c.instrsAreSeparate = true
	}
	if c.instrsAreSeparate && instrCount != 1 {
		return false, errors.New("cannot mix 0-count and >1-count")
	}

	decodeOff := ent.Value
	for i := 0; i < instrCount; i++ {
		origPC := mod.OrigBase + decodeOff
		instr, err := c.cache.Lookup(modIdx, decodeOff, mod.Bytes(decodeOff))
		if err != nil {
			// The rest of the log stays consistent because no memrefs are
			// consumed for the failed instruction.
			c.log.Warnf("Encountered invalid/undecodable instr @ %s+0x%x", mod.Path, ent.Value)
			break
		}
		if instr.IsControlTransfer() && i != instrCount-1 {
			return false, errors.New("invalid cti")
		}

		skipInstr := false
		if instr.RepString() {
			// Make it look like the original rep string instead of the
			// expanded per-iteration loop: only the first instance of a
			// run emits an instruction fetch.
			if !c.prevInstrWasRepString {
				c.prevInstrWasRepString = true
			} else {
				skipInstr = true
			}
		} else {
			c.prevInstrWasRepString = false
		}

		if !skipInstr {
			size := uint16(instr.Len)
			if skipIcache {
				size = 0
			}
			rec := encoding.Record{Type: instr.RecordType(), Size: size, Addr: origPC}
			if err := c.enc.Encode(rec); err != nil {
				return false, errors.New("Failed to write to output file")
			}
		} else {
			c.vlog(3, "Skipping instr fetch for mod %d +0x%x", modIdx, decodeOff)
		}
		decodeOff += uint64(instr.Len)

		// Interleave the memrefs consumed by this instruction. In
		// separate-instr mode only zero-count blocks carry a memref.
		if (!c.instrsAreSeparate || skipIcache) &&
			(instr.ReadsMemory() || instr.WritesMemory()) {
			for _, op := range instr.Srcs() {
				if err := c.appendMemref(tidx, instr, op, false); err != nil {
					return false, err
				}
			}
			for _, op := range instr.Dsts() {
				if err := c.appendMemref(tidx, instr, op, true); err != nil {
					return false, err
				}
			}
		}
	}
	return true, nil
}

// appendMemref consumes one memref entry from the thread's log and emits
// the matching canonical record for the given operand. If the next entry is
// not a memref it is put back and nothing is emitted: a predicated memref
// did not fire. (With multiple predicated memrefs in one block the
// instr-vs-data interleaving may be off; this is a known limitation.)
func (c *Converter) appendMemref(tidx int, instr *decoder.Instr, op decoder.Operand, write bool) error {
	ent, err := c.threads[tidx].Read()
	if err != nil {
		return errors.New("Trace ends mid-block")
	}
	if !ent.IsMemref() {
		c.vlog(4, "Missing memref (next type is %d)", ent.Type)
		return c.threads[tidx].Unread()
	}
	var rec encoding.Record
	switch {
	case instr.IsPrefetch():
		rec = encoding.Record{Type: instr.PrefetchKind(), Size: 1}
	case instr.IsFlush():
		rec = encoding.Record{Type: encoding.RecordDataFlush, Size: op.Size}
	case write:
		rec = encoding.Record{Type: encoding.RecordWrite, Size: op.Size}
	default:
		rec = encoding.Record{Type: encoding.RecordRead, Size: op.Size}
	}
	// Take the full combined value, covering the low and high halves.
	rec.Addr = ent.Value
	c.vlog(4, "Appended memref to 0x%x", rec.Addr)
	if err := c.enc.Encode(rec); err != nil {
		return errors.New("Failed to write to output file")
	}
	return nil
}
