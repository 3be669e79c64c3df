package convert

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/felixge/memtraceutils/pkg/encoding"
	"github.com/felixge/memtraceutils/pkg/offline"
)

// sideMod describes one module of a synthetic sidecar. The code bytes are
// embedded in the sidecar, so no mapping from disk is needed.
type sideMod struct {
	start uint64
	code  []byte
	path  string
}

// moduleMap builds a sidecar listing the given modules.
func moduleMap(mods ...sideMod) []byte {
	buf := []byte(fmt.Sprintf("Module Table: version 2, count %d\n", len(mods)))
	for i, m := range mods {
		buf = append(buf, []byte(fmt.Sprintf("%d, %d, 0x%x, 0x%x, v#2,%d,", i, i, m.start, m.start+0x1000, len(m.code)))...)
		buf = append(buf, m.code...)
		buf = append(buf, []byte(fmt.Sprintf(", %s\n", m.path))...)
	}
	return buf
}

// threadLog builds a raw thread log starting with a version header.
func threadLog(entries ...offline.Entry) []byte {
	buf := offline.Header(offline.FileVersion).Append(nil)
	for _, e := range entries {
		buf = e.Append(buf)
	}
	return buf
}

// textAt places code at the given module offset, padding the gap with nops.
func textAt(off int, code ...byte) []byte {
	buf := bytes.Repeat([]byte{0x90}, off)
	return append(buf, code...)
}

// runConvert converts the given logs and decodes the resulting trace.
func runConvert(t *testing.T, modmap []byte, logs ...[]byte) ([]encoding.Record, *logtest.Hook, error) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	var files []io.Reader
	for _, l := range logs {
		files = append(files, bytes.NewReader(l))
	}
	var out bytes.Buffer
	c, err := New(Config{ModuleMap: modmap, ThreadFiles: files, Out: &out, Log: log})
	require.NoError(t, err)
	convErr := c.Convert()

	var records []encoding.Record
	dec := encoding.NewDecoder(bytes.NewReader(out.Bytes()))
	for {
		var r encoding.Record
		if err := dec.Decode(&r); err != nil {
			break
		}
		records = append(records, r)
	}
	return records, hook, convErr
}

// TestSingleThreadTwoModules converts a single thread referencing a mapped
// and an undecodable module and checks the exact output sequence.
func TestSingleThreadTwoModules(t *testing.T) {
	modmap := moduleMap(
		sideMod{start: 0x400000, code: textAt(0x10,
			0x48, 0x89, 0x18, // mov [rax], rbx
			0xc3, // ret
		), path: "libA.so"},
		sideMod{start: 0x500000, path: "<unknown>"},
	)
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x10, 2),
		offline.Memref(0x7fff00),
		offline.Footer(),
	)

	records, _, err := runConvert(t, modmap, log)
	require.NoError(t, err)
	require.Equal(t, []encoding.Record{
		{Type: encoding.RecordHeader, Addr: encoding.TraceVersion},
		{Type: encoding.RecordThread, Size: 4, Addr: 7},
		{Type: encoding.RecordInstr, Size: 3, Addr: 0x400010},
		{Type: encoding.RecordWrite, Size: 8, Addr: 0x7fff00},
		{Type: encoding.RecordInstrReturn, Size: 1, Addr: 0x400013},
		{Type: encoding.RecordThreadExit, Size: 4, Addr: 7},
		{Type: encoding.RecordFooter},
	}, records)
}

// TestL0FilteredBlock converts a zero-count block: one instruction fetch of
// size zero followed by its memref.
func TestL0FilteredBlock(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0x20,
		0x48, 0x89, 0x18, // mov [rax], rbx
	), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x20, 0),
		offline.Memref(0x7fff08),
		offline.Footer(),
	)

	records, _, err := runConvert(t, modmap, log)
	require.NoError(t, err)
	require.Equal(t, []encoding.Record{
		{Type: encoding.RecordHeader, Addr: encoding.TraceVersion},
		{Type: encoding.RecordThread, Size: 4, Addr: 7},
		{Type: encoding.RecordInstr, Size: 0, Addr: 0x400020},
		{Type: encoding.RecordWrite, Size: 8, Addr: 0x7fff08},
		{Type: encoding.RecordThreadExit, Size: 4, Addr: 7},
		{Type: encoding.RecordFooter},
	}, records)
}

// TestSeparateInstrModeViolation checks that zero-count and multi-instr
// blocks cannot mix once a thread latched into separate-instr mode.
func TestSeparateInstrModeViolation(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0x10,
		0x48, 0x89, 0x18, // mov [rax], rbx
		0xc3, // ret
	), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x10, 0),
		offline.Memref(0x7fff00),
		offline.PC(0, 0x10, 2),
		offline.Memref(0x7fff00),
		offline.Footer(),
	)

	_, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "cannot mix 0-count and >1-count")
}

// TestRepStringCollapse converts three expanded iterations of the same rep
// string: one instruction fetch, all memrefs preserved.
func TestRepStringCollapse(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0x10,
		0xf3, 0xa4, // rep movsb
	), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x10, 1),
		offline.Memref(0x1000),
		offline.PC(0, 0x10, 1),
		offline.Memref(0x1001),
		offline.PC(0, 0x10, 1),
		offline.Memref(0x1002),
		offline.Footer(),
	)

	records, _, err := runConvert(t, modmap, log)
	require.NoError(t, err)
	require.Equal(t, []encoding.Record{
		{Type: encoding.RecordHeader, Addr: encoding.TraceVersion},
		{Type: encoding.RecordThread, Size: 4, Addr: 7},
		{Type: encoding.RecordInstr, Size: 2, Addr: 0x400010},
		{Type: encoding.RecordRead, Size: 1, Addr: 0x1000},
		{Type: encoding.RecordRead, Size: 1, Addr: 0x1001},
		{Type: encoding.RecordRead, Size: 1, Addr: 0x1002},
		{Type: encoding.RecordThreadExit, Size: 4, Addr: 7},
		{Type: encoding.RecordFooter},
	}, records)
}

// TestCrossThreadOrdering merges two threads and checks that the thread
// with the smaller initial timestamp is emitted first.
func TestCrossThreadOrdering(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"})
	logA := threadLog(
		offline.Timestamp(100),
		offline.Thread(11),
		offline.Footer(),
	)
	logB := threadLog(
		offline.Timestamp(50),
		offline.Thread(22),
		offline.Footer(),
	)

	records, _, err := runConvert(t, modmap, logA, logB)
	require.NoError(t, err)
	require.Equal(t, []encoding.Record{
		{Type: encoding.RecordHeader, Addr: encoding.TraceVersion},
		{Type: encoding.RecordThread, Size: 4, Addr: 22},
		{Type: encoding.RecordThreadExit, Size: 4, Addr: 22},
		{Type: encoding.RecordThread, Size: 4, Addr: 11},
		{Type: encoding.RecordThreadExit, Size: 4, Addr: 11},
		{Type: encoding.RecordFooter},
	}, records)
}

// TestTruncatedThreadFile converts a log that is cut short in the middle of
// an entry. A warning is reported and the output still ends with a
// well-formed footer.
func TestTruncatedThreadFile(t *testing.T) {
	code := textAt(0x10)
	for i := 0; i < 5; i++ {
		code = append(code, 0x48, 0x89, 0x18) // mov [rax], rbx
	}
	code = append(code, 0x90, 0x90, 0x90, 0x90) // 4x nop
	code = append(code, 0xeb, 0x00)             // jmp rel8
	modmap := moduleMap(sideMod{start: 0x400000, code: code, path: "libA.so"})

	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x10, 10),
		offline.Memref(0x1000),
		offline.Memref(0x1008),
		offline.Memref(0x1010),
		offline.Memref(0x1018),
		offline.Memref(0x1020),
	)
	log = append(log, 0x01, 0x02, 0x03) // partial entry

	records, hook, err := runConvert(t, modmap, log)
	require.NoError(t, err)

	var truncWarns int
	for _, e := range hook.Entries {
		if e.Message == "Input file for thread 7 is truncated" {
			truncWarns++
		}
	}
	require.Equal(t, 1, truncWarns)

	// All ten instructions and five memrefs made it out, and the trace is
	// footer-terminated.
	var ifetches, memrefs int
	for _, r := range records {
		if r.Type.IsInstr() {
			ifetches++
		}
		if r.Type == encoding.RecordWrite {
			memrefs++
		}
	}
	require.Equal(t, 10, ifetches)
	require.Equal(t, 5, memrefs)
	require.Equal(t, encoding.RecordFooter, records[len(records)-1].Type)
}

// TestUnknownTag injects an unrecognized entry type at byte offset 48 of a
// thread log. The conversion fails and no footer is produced.
func TestUnknownTag(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0x10, 0x90), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.PC(0, 0x10, 1),
		offline.Entry{Type: offline.EntryType(238)},
		offline.Footer(),
	)

	records, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "Unknown trace type 238")
	for _, r := range records {
		require.NotEqual(t, encoding.RecordFooter, r.Type)
	}
}

// TestOrphanMemref converts a memref following a block in an undecodable
// module into a placeholder read of size one.
func TestOrphanMemref(t *testing.T) {
	modmap := moduleMap(
		sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"},
		sideMod{start: 0x500000, path: "<unknown>"},
	)
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(1, 0x10, 3),
		offline.Memref(0xdeadbeef),
		offline.Footer(),
	)

	records, _, err := runConvert(t, modmap, log)
	require.NoError(t, err)
	require.Contains(t, records, encoding.Record{Type: encoding.RecordRead, Size: 1, Addr: 0xdeadbeef})
}

// TestMemrefOutsideBlock checks that a memref with no preceding block in a
// decodable module is a protocol violation.
func TestMemrefOutsideBlock(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.Memref(0x1000),
		offline.Footer(),
	)

	_, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "memref entry found outside of bb")
}

// TestIFlush converts an instruction cache flush pair into one flush record
// spanning the range.
func TestIFlush(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.IFlush(0x400000),
		offline.IFlush(0x400040),
		offline.Footer(),
	)

	records, _, err := runConvert(t, modmap, log)
	require.NoError(t, err)
	require.Contains(t, records, encoding.Record{Type: encoding.RecordInstrFlush, Size: 64, Addr: 0x400000})
}

// TestIFlushMissingSecond checks that a flush without its end boundary is
// rejected.
func TestIFlushMissingSecond(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.IFlush(0x400000),
		offline.Footer(),
	)

	_, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "Flush missing 2nd entry")
}

// TestVersionMismatch rejects a log with the wrong format version.
func TestVersionMismatch(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"})
	log := offline.Header(9).Append(nil)
	log = offline.Footer().Append(log)

	_, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "Version mismatch: expect 1 vs 9")
}

// TestMissingTimestamp rejects a log that does not lead with a timestamp.
func TestMissingTimestamp(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"})
	log := threadLog(
		offline.Thread(7),
		offline.Timestamp(1000),
		offline.Footer(),
	)

	_, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "Missing timestamp entry")
}

// TestFooterNotFinal rejects a log with bytes after its footer.
func TestFooterNotFinal(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0, 0x90), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.Footer(),
		offline.Timestamp(2000),
	)

	_, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "Footer is not the final entry")
}

// TestUndecodableInstr checks that an invalid instruction aborts the block
// with a warning while the rest of the log stays consistent.
func TestUndecodableInstr(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0x10,
		0x48, 0x89, 0x18, // mov [rax], rbx
		0x06, // invalid in 64-bit mode
	), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x10, 3),
		offline.Memref(0x7fff00),
		offline.Footer(),
	)

	records, hook, err := runConvert(t, modmap, log)
	require.NoError(t, err)

	var warned bool
	for _, e := range hook.Entries {
		if e.Message == "Encountered invalid/undecodable instr @ libA.so+0x10" {
			warned = true
		}
	}
	require.True(t, warned)
	require.Equal(t, []encoding.Record{
		{Type: encoding.RecordHeader, Addr: encoding.TraceVersion},
		{Type: encoding.RecordThread, Size: 4, Addr: 7},
		{Type: encoding.RecordInstr, Size: 3, Addr: 0x400010},
		{Type: encoding.RecordWrite, Size: 8, Addr: 0x7fff00},
		{Type: encoding.RecordThreadExit, Size: 4, Addr: 7},
		{Type: encoding.RecordFooter},
	}, records)
}

// TestControlTransferNotLast rejects a block with a branch before its final
// instruction.
func TestControlTransferNotLast(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0x10,
		0xc3, // ret
		0x90, // nop
	), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x10, 2),
		offline.Footer(),
	)

	_, _, err := runConvert(t, modmap, log)
	require.ErrorContains(t, err, "invalid cti")
}

// TestDeterministic converts the same inputs twice and requires
// byte-identical traces.
func TestDeterministic(t *testing.T) {
	modmap := moduleMap(sideMod{start: 0x400000, code: textAt(0x10,
		0x48, 0x89, 0x18, // mov [rax], rbx
		0xc3, // ret
	), path: "libA.so"})
	log := threadLog(
		offline.Timestamp(1000),
		offline.Thread(7),
		offline.PC(0, 0x10, 2),
		offline.Memref(0x7fff00),
		offline.Footer(),
	)

	var out1, out2 bytes.Buffer
	for _, out := range []*bytes.Buffer{&out1, &out2} {
		logger, _ := logtest.NewNullLogger()
		c, err := New(Config{
			ModuleMap:   modmap,
			ThreadFiles: []io.Reader{bytes.NewReader(log)},
			Out:         out,
			Log:         logger,
		})
		require.NoError(t, err)
		require.NoError(t, c.Convert())
	}
	require.Equal(t, out1.Bytes(), out2.Bytes())
}
