package print

import (
	"fmt"
	"io"

	"github.com/felixge/memtraceutils/pkg/encoding"
)

// DefaultFilter returns a filter that matches all records.
func DefaultFilter() Filter {
	return Filter{MaxAddr: ^uint64(0)}
}

// Filter is used to filter records.
type Filter struct {
	// Types prints records with these types. If Types is empty, all
	// records are printed.
	Types []encoding.RecordType
	// MinAddr prints records with an address >= MinAddr. Marker records
	// (header, footer, thread, pid) are always printed.
	MinAddr uint64
	// MaxAddr prints records with an address <= MaxAddr.
	MaxAddr uint64
}

// Records prints all records contained in r that match the given filter to
// w, one line per record.
func Records(r io.Reader, w io.Writer, filter Filter) error {
	dec := encoding.NewDecoder(r)
	for {
		var rec encoding.Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !matchType(rec, filter.Types) || !matchAddr(rec, filter.MinAddr, filter.MaxAddr) {
			continue
		}
		printRecord(w, rec)
	}
}

// matchType returns true if rec's type is contained in types or types is
// empty.
func matchType(rec encoding.Record, types []encoding.RecordType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if rec.Type == t {
			return true
		}
	}
	return false
}

// matchAddr returns true for marker records and for records whose address
// falls inside [minAddr, maxAddr].
func matchAddr(rec encoding.Record, minAddr, maxAddr uint64) bool {
	switch rec.Type {
	case encoding.RecordHeader, encoding.RecordFooter,
		encoding.RecordThread, encoding.RecordThreadExit, encoding.RecordPid:
		return true
	}
	return rec.Addr >= minAddr && rec.Addr <= maxAddr
}

// printRecord prints a single record to w.
func printRecord(w io.Writer, rec encoding.Record) {
	switch rec.Type {
	case encoding.RecordHeader:
		fmt.Fprintf(w, "header version=%d\n", rec.Addr)
	case encoding.RecordFooter:
		fmt.Fprintf(w, "footer\n")
	case encoding.RecordThread:
		fmt.Fprintf(w, "thread tid=%d\n", rec.Addr)
	case encoding.RecordThreadExit:
		fmt.Fprintf(w, "thread_exit tid=%d\n", rec.Addr)
	case encoding.RecordPid:
		fmt.Fprintf(w, "pid pid=%d\n", rec.Addr)
	default:
		fmt.Fprintf(w, "%s size=%d addr=0x%x\n", rec.Type, rec.Size, rec.Addr)
	}
}
