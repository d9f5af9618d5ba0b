package aggregate

import "github.com/ddtrace/cpuprof/internal/watcherspec"

// ValueType names one value slot of a profile sample (e.g. "samples"/
// "count" or a watcher's unit).
type ValueType struct {
	Type string
	Unit string
}

// SampleEntry is one profile sample: an ordered list of location ids
// (innermost frame first, base frame last) plus its per-value-type weights.
type SampleEntry struct {
	LocationIDs []int
	Values      []int64
}

// ProfileDoc is one of the two profile documents from spec.md §3: interned
// value-type declarations, the sample period, and a growing sample list.
// Locations, mappings, and symbols are stored out-of-line in the
// Aggregator's shared interning tables, not copied per document.
type ProfileDoc struct {
	ValueTypes []ValueType
	PeriodType ValueType
	Period     int64
	Samples    []SampleEntry
}

// newProfileDoc builds an empty document with value type 0 = sample count
// and value type (watcher.Pos + 1) = each watcher's own unit, per spec.md
// §4.5 "Profile aggregation".
func newProfileDoc(watchers []watcherspec.Watcher, periodNanos int64) *ProfileDoc {
	maxPos := 0
	for _, w := range watchers {
		if w.Pos+1 > maxPos {
			maxPos = w.Pos + 1
		}
	}
	vt := make([]ValueType, maxPos+1)
	vt[0] = ValueType{Type: "samples", Unit: "count"}
	for _, w := range watchers {
		vt[w.Pos+1] = ValueType{Type: w.Name, Unit: w.Unit}
	}
	return &ProfileDoc{
		ValueTypes: vt,
		PeriodType: ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     periodNanos,
	}
}

// addSample appends one sample entry built from locIDs (innermost first,
// base frame last per spec.md §4.5) with values[0]=1 and
// values[watcherPos+1]=period, all other slots left at zero.
func (d *ProfileDoc) addSample(locIDs []int, watcherPos int, period uint64) {
	values := make([]int64, len(d.ValueTypes))
	values[0] = 1
	if watcherPos+1 < len(values) {
		values[watcherPos+1] = int64(period)
	}
	d.Samples = append(d.Samples, SampleEntry{LocationIDs: locIDs, Values: values})
}

// reset drops accumulated samples while keeping the document's value-type
// layout, readying it for the next write cycle after export completes.
func (d *ProfileDoc) reset() {
	d.Samples = nil
}
