// Package pprof folds the instruction fetch records of a canonical trace
// into a pprof profile, with one mapping per module of the traced run. The
// resulting profile shows where the traced program spent its instruction
// fetches.
package pprof

import (
	"io"

	"github.com/google/pprof/profile"

	"github.com/felixge/memtraceutils/pkg/encoding"
	"github.com/felixge/memtraceutils/pkg/modules"
)

type Options struct {
}

// Convert reads a canonical trace from r and writes a pprof profile of its
// instruction fetches to w. The module table is used to attribute addresses
// to mappings; addresses outside every module stay unmapped.
func Convert(r io.Reader, table *modules.Table, w io.Writer, opt Options) error {
	p := &profile.Profile{
		SampleType:        []*profile.ValueType{{Type: "ifetch", Unit: "count"}},
		DefaultSampleType: "ifetch",
	}

	// One mapping per primary module.
	mappingIdx := map[int]*profile.Mapping{}
	for i, m := range table.Modules {
		if m.MapSize == 0 || m.ContainingIdx != i {
			continue
		}
		mapping := &profile.Mapping{
			ID:    uint64(len(p.Mapping) + 1),
			Start: m.OrigBase,
			Limit: m.OrigBase + m.MapSize,
			File:  m.Path,
		}
		p.Mapping = append(p.Mapping, mapping)
		mappingIdx[i] = mapping
	}

	sampleIdx := map[uint64]*profile.Sample{}
	locationIdx := map[uint64]*profile.Location{}

	dec := encoding.NewDecoder(r)
	for {
		var rec encoding.Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if !rec.Type.IsInstr() {
			continue
		}

		sample, ok := sampleIdx[rec.Addr]
		if !ok {
			location, ok := locationIdx[rec.Addr]
			if !ok {
				location = &profile.Location{
					ID:      uint64(len(p.Location) + 1),
					Address: rec.Addr,
				}
				if idx, _ := table.Find(rec.Addr); idx >= 0 {
					location.Mapping = mappingIdx[table.Modules[idx].ContainingIdx]
				}
				p.Location = append(p.Location, location)
				locationIdx[rec.Addr] = location
			}
			sample = &profile.Sample{
				Location: []*profile.Location{location},
				Value:    []int64{0},
			}
			p.Sample = append(p.Sample, sample)
			sampleIdx[rec.Addr] = sample
		}
		sample.Value[0]++
	}

	return p.Write(w)
}
