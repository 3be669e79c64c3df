// Package convert post-processes the raw per-thread logs captured by the
// online tracer into a single canonical memory-access trace in timestamp
// order, suitable for cache and TLB simulators. It interleaves the thread
// logs at timestamp boundaries, reconstructs instruction fetches and memory
// references by decoding the original program text out of the mapped module
// images, and frames the result as canonical records.
package convert

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/felixge/memtraceutils/pkg/decoder"
	"github.com/felixge/memtraceutils/pkg/encoding"
	"github.com/felixge/memtraceutils/pkg/modules"
	"github.com/felixge/memtraceutils/pkg/offline"
)

// invalidThreadID is the sentinel for a thread whose id entry has not been
// seen yet.
const invalidThreadID = 0

// Config configures a Converter.
type Config struct {
	// ModuleMap is the in-memory contents of the module map sidecar
	// produced by the tracer.
	ModuleMap []byte
	// ThreadFiles holds one raw log stream per traced thread. The streams
	// are borrowed and not closed by the converter.
	ThreadFiles []io.Reader
	// Out receives the canonical trace. It is borrowed and not closed.
	Out io.Writer
	// Plugin optionally parses the caller-defined opaque field of each
	// sidecar record.
	Plugin *modules.Plugin
	// Log receives warnings and verbose tracing. Defaults to the standard
	// logger.
	Log *logrus.Logger
	// Verbosity gates annotated per-block tracing.
	Verbosity int
}

// Converter converts a set of raw thread logs into one canonical trace. It
// is single-threaded and used for exactly one conversion.
type Converter struct {
	cfg     Config
	log     *logrus.Logger
	table   *modules.Table
	cache   *decoder.Cache
	threads []*offline.Reader
	out     *bufio.Writer
	enc     *encoding.Encoder

	// instrsAreSeparate latches once a zero-count block is seen: from then
	// on every block describes a single instruction and carries its own
	// memref entry.
	instrsAreSeparate bool
	// prevInstrWasRepString tracks rep-string adjacency for collapsing the
	// tracer's per-iteration loop expansion.
	prevInstrWasRepString bool
}

// New returns a converter for the given inputs.
func New(cfg Config) (*Converter, error) {
	if len(cfg.ThreadFiles) == 0 {
		return nil, errors.New("no thread log files")
	}
	if cfg.Out == nil {
		return nil, errors.New("no output file")
	}
	c := &Converter{
		cfg:   cfg,
		log:   cfg.Log,
		cache: decoder.NewCache(),
		out:   bufio.NewWriter(cfg.Out),
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.enc = encoding.NewEncoder(c.out)
	for _, f := range cfg.ThreadFiles {
		c.threads = append(c.threads, offline.NewReader(f))
	}
	return c, nil
}

// Convert runs the conversion: it builds the module table, validates every
// thread log header, and merges the logs into the output in timestamp
// order. The first error encountered is returned as-is; no partial output
// is valid unless the truncation path produced it.
func (c *Converter) Convert() error {
	table, err := modules.Load(c.cfg.ModuleMap, modules.Options{
		Plugin:    c.cfg.Plugin,
		Log:       c.log,
		Verbosity: c.cfg.Verbosity,
	})
	if err != nil {
		return err
	}
	// The mapped images must outlive all decoding.
	defer table.Close()
	c.table = table

	for i := range c.threads {
		if err := c.checkThreadFile(i); err != nil {
			return err
		}
	}

	if err := c.enc.Encode(encoding.Record{Type: encoding.RecordHeader, Addr: encoding.TraceVersion}); err != nil {
		return errors.New("Failed to write header to output file")
	}
	if err := c.merge(); err != nil {
		return err
	}
	if err := c.enc.Encode(encoding.Record{Type: encoding.RecordFooter}); err != nil {
		return errors.New("Failed to write footer to output file")
	}
	if err := c.out.Flush(); err != nil {
		return errors.New("Failed to write to output file")
	}
	c.vlog(1, "Successfully converted %d thread files", len(c.threads))
	return nil
}

// checkThreadFile validates the version header of thread i's log.
func (c *Converter) checkThreadFile(i int) error {
	ent, err := c.threads[i].Read()
	if err != nil {
		return errors.New("Unable to read thread log file")
	}
	if ent.Type != offline.TypeExtended || ent.Ext != offline.ExtHeader {
		return errors.New("Thread log file is corrupted: missing version entry")
	}
	if ent.Value != offline.FileVersion {
		return errors.Errorf("Version mismatch: expect %d vs %d", offline.FileVersion, ent.Value)
	}
	return nil
}

// merge reads the thread logs simultaneously in lockstep and merges them
// into the output in timestamp order. The currently selected thread is
// tidx; -1 requests a rescan for the thread with the smallest pending
// timestamp. A thread is drained until it hits a timestamp, its footer, or
// the end of its log.
func (c *Converter) merge() error {
	var (
		tidx          = -1
		threadCount   = len(c.threads)
		times         = make([]uint64, len(c.threads))
		tids          = make([]uint64, len(c.threads))
		lastBBHandled = true
	)
	for threadCount > 0 {
		if tidx < 0 {
			// Pick the next thread by looking for the smallest timestamp.
			// Threads whose pending timestamp is unknown read one entry
			// first; it must be a timestamp.
			for i := range c.threads {
				if times[i] != 0 || c.threads[i].EOF() {
					continue
				}
				ent, err := c.threads[i].Read()
				if err != nil {
					return errors.New("Failed to read from input file")
				}
				if ent.Type != offline.TypeTimestamp {
					return errors.New("Missing timestamp entry")
				}
				times[i] = ent.Value
				c.vlog(3, "Thread %d timestamp is @0x%x", tids[i], times[i])
			}
			next := -1
			for i, ts := range times {
				if ts != 0 && (next < 0 || ts < times[next]) {
					next = i
				}
			}
			if next < 0 {
				return errors.New("Failed to find thread with pending timestamp")
			}
			c.vlog(2, "Next thread in timestamp order is %d @0x%x", tids[next], times[next])
			tidx = next
			times[tidx] = 0 // read the next timestamp from the file
			if tids[tidx] != invalidThreadID {
				// Re-anchor the consumer; the initial read of a file may
				// not have seen its tid entry yet.
				if err := c.appendMarker(encoding.RecordThread, tids[tidx]); err != nil {
					return err
				}
			}
		}

		ent, err := c.threads[tidx].Read()
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			// Rather than a fatal error we continue to provide partial
			// results in case the disk was full or there was some other
			// issue.
			c.log.Warnf("Input file for thread %d is truncated", tids[tidx])
			ent = offline.Footer()
		case err != nil:
			return errors.Errorf("Failed to read from file for thread %d", tids[tidx])
		}

		switch ent.Type {
		case offline.TypeExtended:
			if ent.Ext != offline.ExtFooter {
				return errors.Errorf("Invalid extension type %d", ent.Ext)
			}
			// Push forward to the end of the log: nothing may follow a
			// footer.
			if _, err := c.threads[tidx].Read(); err != io.EOF {
				return errors.New("Footer is not the final entry")
			}
			if tids[tidx] == invalidThreadID {
				return errors.New("Missing thread id")
			}
			c.vlog(2, "Thread %d exit", tids[tidx])
			if err := c.appendMarker(encoding.RecordThreadExit, tids[tidx]); err != nil {
				return err
			}
			threadCount--
			tidx = -1 // request thread rescan
		case offline.TypeTimestamp:
			c.vlog(2, "Thread %d timestamp 0x%x", tids[tidx], ent.Value)
			times[tidx] = ent.Value
			tidx = -1 // request thread rescan
		case offline.TypeMemref, offline.TypeMemrefHigh:
			if lastBBHandled {
				// We should have seen an instr entry first.
				return errors.New("memref entry found outside of bb")
			}
			// Data reference from code outside any known module. Emit a
			// placeholder read so the reference is not lost.
			c.vlog(4, "Appended non-module memref to 0x%x", ent.Value)
			if err := c.enc.Encode(encoding.Record{Type: encoding.RecordRead, Size: 1, Addr: ent.Value}); err != nil {
				return errors.New("Failed to write to output file")
			}
		case offline.TypePC:
			handled, err := c.appendBB(tidx, ent)
			if err != nil {
				return err
			}
			lastBBHandled = handled
		case offline.TypeThread:
			c.vlog(2, "Thread %d entry", ent.Value)
			if tids[tidx] == invalidThreadID {
				tids[tidx] = ent.Value
			}
			if err := c.appendMarker(encoding.RecordThread, ent.Value); err != nil {
				return err
			}
		case offline.TypePid:
			c.vlog(2, "Process %d entry", ent.Value)
			if err := c.appendMarker(encoding.RecordPid, ent.Value); err != nil {
				return err
			}
		case offline.TypeIFlush:
			second, err := c.threads[tidx].Read()
			if err != nil || second.Type != offline.TypeIFlush {
				return errors.New("Flush missing 2nd entry")
			}
			c.vlog(2, "Flush 0x%x-0x%x", ent.Value, second.Value)
			rec := encoding.Record{
				Type: encoding.RecordInstrFlush,
				Size: uint16(second.Value - ent.Value),
				Addr: ent.Value,
			}
			if err := c.enc.Encode(rec); err != nil {
				return errors.New("Failed to write to output file")
			}
		default:
			return errors.Errorf("Unknown trace type %d", ent.Type)
		}
	}
	return nil
}

// appendMarker writes a thread/pid marker record.
func (c *Converter) appendMarker(typ encoding.RecordType, id uint64) error {
	if err := c.enc.Encode(encoding.Record{Type: typ, Size: 4, Addr: id}); err != nil {
		return errors.New("Failed to write to output file")
	}
	return nil
}

func (c *Converter) vlog(level int, format string, args ...any) {
	if c.cfg.Verbosity >= level {
		c.log.Infof(format, args...)
	}
}
