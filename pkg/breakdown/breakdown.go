package breakdown

import (
	"io"

	"github.com/felixge/memtraceutils/pkg/encoding"
)

// ByRecordType reads a canonical trace from r and returns a breakdown of it
// by record type.
func ByRecordType(r io.Reader) (RecordTypeBreakdown, error) {
	dec := encoding.NewDecoder(r)
	breakdown := make(RecordTypeBreakdown)

	var rec encoding.Record
	for {
		err := dec.Decode(&rec)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		breakdown[rec.Type] = RecordTypeSummary{
			RecordType: rec.Type,
			Count:      breakdown[rec.Type].Count + 1,
			Bytes:      breakdown[rec.Type].Bytes + encoding.RecordSize,
		}
	}

	return breakdown, nil
}

// RecordTypeBreakdown breaks down a trace by record type.
type RecordTypeBreakdown map[encoding.RecordType]RecordTypeSummary

// RecordTypeSummary summarizes the occurrence of a record type inside of a
// trace.
type RecordTypeSummary struct {
	// RecordType is the type of record.
	RecordType encoding.RecordType
	// Count is the number of times this record type occurred in the trace.
	Count int64
	// Bytes is the amount of data occupied by records of this type.
	Bytes int64
}
