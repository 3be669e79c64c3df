// Package modules parses the module-map sidecar produced by the tracer and
// resolves, for every module loaded during the traced run, the executable
// bytes to decode from. Modules with contents embedded in the sidecar are
// used in place, everything else is memory-mapped from disk.
package modules

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// customVersion is the version token of the converter-owned custom field
// inside each sidecar record. Records with a different or missing token go
// through the legacy fallback.
const customVersion = 2

// sidecarVersion is the expected version of the sidecar file header.
const sidecarVersion = 2

// Plugin is a user-supplied parser for the opaque field that callers may
// append to each sidecar record. Either all three callbacks are supplied or
// none.
type Plugin struct {
	// Parse consumes the opaque field at the start of src and returns the
	// remaining bytes plus the parsed data.
	Parse func(src []byte) (rest []byte, data any, err error)
	// Process is invoked once per module after the table is built.
	Process func(m *Module, data any) error
	// Free releases data when the table is closed.
	Free func(data any)
}

func (p *Plugin) valid() bool {
	return p.Parse != nil && p.Process != nil && p.Free != nil
}

// segment is one decodable range of a module, relative to the module base.
type segment struct {
	off  uint64
	data []byte
}

// Module is one entry of the module table.
type Module struct {
	// Path is the file system path recorded by the tracer, or a pseudo path
	// such as <unknown> or [vdso].
	Path string
	// OrigBase is the address the module was loaded at in the traced run.
	// Instruction fetch records carry addresses relative to this base.
	OrigBase uint64
	// MapSize is the span of the mapped image. It is zero for secondary
	// segments that share an earlier module's mapping, which must not be
	// unmapped separately.
	MapSize uint64
	// IsExternal is true when the module bytes were embedded in the sidecar
	// rather than mapped from disk.
	IsExternal bool
	// ContainingIdx is the table index of the primary segment this module
	// belongs to. It equals the module's own index for primary segments.
	ContainingIdx int

	segs     []segment
	img      *image // owned mapping, nil for external/secondary/undecodable
	userData any
	hasUser  bool
}

// Decodable reports whether the module's bytes are available for decoding.
func (m *Module) Decodable() bool {
	return len(m.segs) > 0
}

// Bytes returns the module bytes starting at the given module offset, up to
// the end of the containing segment, or nil if the offset falls outside
// every decodable range.
func (m *Module) Bytes(off uint64) []byte {
	for _, s := range m.segs {
		if off >= s.off && off < s.off+uint64(len(s.data)) {
			return s.data[off-s.off:]
		}
	}
	return nil
}

// Table is the ordered module list parsed from a sidecar. It owns the
// memory-mapped executable ranges of its modules until Close is called.
type Table struct {
	Modules []*Module

	plugin        *Plugin
	log           *logrus.Logger
	verbosity     int
	hasCustomData bool
	legacyWarned  bool
}

// Options configures Load.
type Options struct {
	// Plugin parses the caller-defined opaque field of each record. All
	// three callbacks must be set, or none.
	Plugin *Plugin
	// Log receives warnings and verbose tracing. Defaults to the standard
	// logger.
	Log *logrus.Logger
	// Verbosity gates per-module tracing.
	Verbosity int
}

// Load parses the in-memory sidecar contents and resolves every module's
// bytes. The returned table must be closed after all thread logs have been
// consumed; mapped ranges stay valid until then. Embedded module contents
// reference modmap directly, so modmap must outlive the table.
func Load(modmap []byte, opts Options) (*Table, error) {
	if opts.Plugin != nil && !opts.Plugin.valid() {
		return nil, errors.New("custom module plugin requires parse, process and free callbacks")
	}
	t := &Table{
		plugin:        opts.Plugin,
		log:           opts.Log,
		verbosity:     opts.Verbosity,
		hasCustomData: true,
	}
	if t.log == nil {
		t.log = logrus.StandardLogger()
	}
	t.vlog(1, "Reading module file from memory")
	recs, err := t.parse(modmap)
	if err != nil {
		return nil, err
	}
	if err := t.mapModules(recs); err != nil {
		t.Close()
		return nil, err
	}
	if t.plugin != nil {
		for i, m := range t.Modules {
			if err := t.plugin.Process(m, recs[i].userData); err != nil {
				t.Close()
				return nil, err
			}
		}
	}
	t.vlog(1, "Successfully read %d modules", len(t.Modules))
	return t, nil
}

// Close releases user plugin data and unmaps every owned mapping. Secondary
// segments and external modules own nothing.
func (t *Table) Close() error {
	for _, m := range t.Modules {
		if m.hasUser && t.plugin != nil {
			t.plugin.Free(m.userData)
			m.hasUser = false
		}
		if !m.IsExternal && m.img != nil && m.MapSize != 0 {
			if err := m.img.close(); err != nil {
				t.log.Warnf("Failed to unmap module %s: %v", m.Path, err)
			}
			m.img = nil
		}
	}
	return nil
}

// Find returns the index and module whose original address range contains
// addr, or -1 and nil. Secondary segments resolve to their primary.
func (t *Table) Find(addr uint64) (int, *Module) {
	for i, m := range t.Modules {
		if m.MapSize == 0 {
			continue
		}
		if addr >= m.OrigBase && addr < m.OrigBase+m.MapSize {
			return i, m
		}
	}
	return -1, nil
}

func (t *Table) vlog(level int, format string, args ...any) {
	if t.verbosity >= level {
		t.log.Infof(format, args...)
	}
}

// record is one parsed sidecar record prior to resolution.
type record struct {
	index      int
	containing int
	start      uint64
	end        uint64
	contents   []byte
	userData   any
	hasUser    bool
	path       string
}

// parse reads the sidecar header and every module record.
func (t *Table) parse(modmap []byte) ([]record, error) {
	buf := modmap
	var version, count int
	header, rest, err := cutLine(buf)
	if err != nil {
		return nil, errors.New("Failed to parse module file: missing header")
	}
	if _, err := fmt.Sscanf(string(header), "Module Table: version %d, count %d", &version, &count); err != nil {
		return nil, errors.New("Failed to parse module file: malformed header")
	}
	if version != sidecarVersion {
		return nil, errors.Errorf("Module file version mismatch: expect %d vs %d", sidecarVersion, version)
	}
	buf = rest

	recs := make([]record, 0, count)
	sawLegacy, sawCurrent := false, false
	for i := 0; i < count; i++ {
		rec, rest, legacy, err := t.parseRecord(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to parse module file: record %d", i)
		}
		if legacy {
			sawLegacy = true
		} else {
			sawCurrent = true
		}
		// A sidecar mixing legacy and current records is not meaningful: the
		// custom-data flag is latched across the whole list.
		if sawLegacy && sawCurrent {
			return nil, errors.New("Failed to parse module file: mixed legacy and current records")
		}
		if rec.index != i {
			return nil, errors.Errorf("Failed to parse module file: record %d has index %d", i, rec.index)
		}
		if rec.containing < 0 || rec.containing > i {
			return nil, errors.Errorf("Failed to parse module file: record %d has bad containing index %d", i, rec.containing)
		}
		recs = append(recs, rec)
		buf = rest
	}
	return recs, nil
}

// parseRecord parses one sidecar record:
//
//	<index>, <containing>, <start>, <end>, v#2,<size>,<size bytes><opaque>, <path>\n
//
// On a missing or mismatched version token the legacy fallback applies: the
// user plugin is tried alone, then a path prefix heuristic.
func (t *Table) parseRecord(buf []byte) (record, []byte, bool, error) {
	var rec record
	var err error
	if rec.index, buf, err = intField(buf); err != nil {
		return rec, nil, false, err
	}
	if rec.containing, buf, err = intField(buf); err != nil {
		return rec, nil, false, err
	}
	if rec.start, buf, err = uintField(buf); err != nil {
		return rec, nil, false, err
	}
	if rec.end, buf, err = uintField(buf); err != nil {
		return rec, nil, false, err
	}

	buf = skipSpaces(buf)
	version := -1
	if comma := bytes.IndexByte(buf, ','); comma >= 0 && bytes.HasPrefix(buf, []byte("v#")) {
		if v, perr := strconv.Atoi(string(buf[2:comma])); perr == nil {
			version = v
		}
	}
	if version != customVersion {
		// It's not what we expect. Try to handle legacy formats before
		// bailing.
		t.hasCustomData = false
		if !t.legacyWarned {
			t.log.Warnf("Incorrect module field version %d: attempting to handle legacy format", version)
			t.legacyWarned = true
		}
		// First, see if the user plugin is happy with the field on its own.
		if t.plugin != nil {
			if rest, data, perr := t.plugin.Parse(buf); perr == nil {
				rec.userData = data
				rec.hasUser = true
				if rest, err = expectComma(rest); err != nil {
					return rec, nil, true, err
				}
				rec.path, buf, err = cutLine(skipSpaces(rest))
				return rec, buf, true, err
			}
		}
		// Now look for no custom field at all: if the next field looks like
		// a path we assume the old format without one.
		if len(buf) > 0 && (buf[0] == '/' || bytes.HasPrefix(buf, []byte("[vdso]"))) {
			rec.path, buf, err = cutLine(buf)
			return rec, buf, true, err
		}
		return rec, nil, true, errors.New("Unable to parse module data: custom field mismatch")
	}

	// Current format: v#2,<size>, then exactly size raw bytes of contents,
	// then the optional user opaque field.
	buf = buf[bytes.IndexByte(buf, ',')+1:]
	var size uint64
	if size, buf, err = uintField(buf); err != nil {
		return rec, nil, false, err
	}
	if size > uint64(len(buf)) {
		return rec, nil, false, errors.Errorf("embedded contents of %d bytes exceed file", size)
	}
	if size > 0 {
		rec.contents = buf[:size]
		buf = buf[size:]
	}
	if t.plugin != nil {
		var data any
		if buf, data, err = t.plugin.Parse(buf); err != nil {
			return rec, nil, false, err
		}
		rec.userData = data
		rec.hasUser = true
	}
	if buf, err = expectComma(buf); err != nil {
		return rec, nil, false, err
	}
	rec.path, buf, err = cutLine(skipSpaces(buf))
	return rec, buf, false, err
}

// mapModules resolves the bytes to decode from for every parsed record.
func (t *Table) mapModules(recs []record) error {
	for _, rec := range recs {
		m := &Module{
			Path:          rec.path,
			OrigBase:      rec.start,
			ContainingIdx: rec.containing,
			userData:      rec.userData,
			hasUser:       rec.hasUser,
		}
		switch {
		case len(rec.contents) > 0:
			// The sidecar carries the bytes, no mapping needed.
			t.vlog(1, "Using module %d %s stored %d-byte contents", len(t.Modules), rec.path, len(rec.contents))
			m.IsExternal = true
			m.MapSize = uint64(len(rec.contents))
			m.segs = []segment{{0, rec.contents}}
		case rec.path == "<unknown>" || (!t.hasCustomData && rec.path == "[vdso]"):
			// No way to get the bytes; blocks in this module are skipped.
		case rec.containing != rec.index:
			// For split segments the recorded offsets are relative to the
			// lowest base, so the primary's single mapping covers this one.
			// Zero map size marks it as not separately unmapped.
			primary := t.Modules[rec.containing]
			t.vlog(1, "Separate segment assumed covered: module %d seg 0x%x = %s", len(t.Modules), rec.start, rec.path)
			m.OrigBase = primary.OrigBase
			m.segs = primary.segs
			m.IsExternal = primary.IsExternal
		default:
			img, err := mapExecutable(rec.path)
			if err != nil {
				// The relocated instrumentation runtime is expected to be
				// unmappable; anything else is fatal.
				if strings.Contains(rec.path, "dynamorio") {
					t.log.Warnf("Failed to map instrumentation runtime module %s: %v", rec.path, err)
					break
				}
				return errors.Wrapf(err, "Failed to map module %s", rec.path)
			}
			t.vlog(1, "Mapped module %d = %s", len(t.Modules), rec.path)
			m.img = img
			m.MapSize = img.size
			m.segs = img.segs
		}
		t.Modules = append(t.Modules, m)
	}
	return nil
}

// cutLine returns the bytes before the next newline as a string and the
// bytes after it.
func cutLine(buf []byte) (string, []byte, error) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return "", nil, errors.New("unexpected end of file")
	}
	return string(bytes.TrimSpace(buf[:nl])), buf[nl+1:], nil
}

// intField parses a comma-terminated decimal field.
func intField(buf []byte) (int, []byte, error) {
	v, rest, err := uintField(buf)
	return int(v), rest, err
}

// uintField parses a comma-terminated number field. Hex with an 0x prefix
// is accepted.
func uintField(buf []byte) (uint64, []byte, error) {
	buf = skipSpaces(buf)
	comma := bytes.IndexByte(buf, ',')
	if comma < 0 {
		return 0, nil, errors.New("missing field separator")
	}
	v, err := strconv.ParseUint(string(bytes.TrimSpace(buf[:comma])), 0, 64)
	if err != nil {
		return 0, nil, errors.Wrap(err, "bad number field")
	}
	return v, buf[comma+1:], nil
}

func expectComma(buf []byte) ([]byte, error) {
	if len(buf) == 0 || buf[0] != ',' {
		return nil, errors.New("missing field separator")
	}
	return buf[1:], nil
}

func skipSpaces(buf []byte) []byte {
	for len(buf) > 0 && buf[0] == ' ' {
		buf = buf[1:]
	}
	return buf
}
