package pipeline

import (
	"fmt"
	"sort"
)

// Band maps one working stage onto a half-open slice [Start, End) of
// the global progress percentage. Global progress inside the band is
// rescaled to a 0-100 local progress for that stage's agent.
type Band struct {
	Stage Stage   `yaml:"stage" json:"stage"`
	Start float64 `yaml:"start" json:"start"`
	End   float64 `yaml:"end" json:"end"`
}

// BandTable is the ordered stage→progress-band mapping. The backend's
// stage timing determines these numbers, so the table is treated as
// configuration with DefaultBands as the shipped values rather than a
// hardcoded invariant.
type BandTable []Band

// DefaultBands returns the band table matching the backend's current
// stage timing.
func DefaultBands() BandTable {
	return BandTable{
		{Stage: StagePlanning, Start: 0, End: 10},
		{Stage: StageSearching, Start: 10, End: 25},
		{Stage: StageCurating, Start: 25, End: 40},
		{Stage: StageAnalyzing, Start: 40, End: 55},
		{Stage: StageWriting, Start: 55, End: 70},
		{Stage: StageCiting, Start: 70, End: 85},
		{Stage: StageReviewing, Start: 85, End: 95},
	}
}

// Validate checks the table covers every working stage exactly once
// with ordered, non-overlapping, non-empty bands.
func (t BandTable) Validate() error {
	if len(t) != len(pipelineStages) {
		return fmt.Errorf("band table must have %d entries, got %d", len(pipelineStages), len(t))
	}
	seen := make(map[Stage]bool, len(t))
	for i, b := range t {
		if _, ok := b.Stage.Order(); !ok {
			return fmt.Errorf("band %d: %q is not a working stage", i, b.Stage)
		}
		if seen[b.Stage] {
			return fmt.Errorf("band %d: duplicate stage %q", i, b.Stage)
		}
		seen[b.Stage] = true
		if b.Start < 0 || b.End > 100 || b.Start >= b.End {
			return fmt.Errorf("band %d (%s): invalid range [%g,%g)", i, b.Stage, b.Start, b.End)
		}
		if i > 0 && b.Start < t[i-1].End {
			return fmt.Errorf("band %d (%s): overlaps previous band", i, b.Stage)
		}
	}
	return nil
}

// sorted returns the table ordered by stage sequence position.
func (t BandTable) sorted() BandTable {
	out := make(BandTable, len(t))
	copy(out, t)
	sort.SliceStable(out, func(i, j int) bool {
		oi, _ := out[i].Stage.Order()
		oj, _ := out[j].Stage.Order()
		return oi < oj
	})
	return out
}

// LocalProgress maps a global progress percentage into the 0-100 local
// progress of the given stage's band. Progress below the band is 0,
// above it 100; unknown stages pass the clamped global value through,
// matching the backend's own fallback.
func (t BandTable) LocalProgress(s Stage, global float64) float64 {
	if global < 0 {
		global = 0
	}
	if global > 100 {
		global = 100
	}
	for _, b := range t {
		if b.Stage != s {
			continue
		}
		if global <= b.Start {
			return 0
		}
		if global >= b.End {
			return 100
		}
		return (global - b.Start) / (b.End - b.Start) * 100
	}
	return global
}

// StageFor returns the stage whose band contains the given global
// progress. Values past the last band map to the last stage; the table
// is consulted in sequence order.
func (t BandTable) StageFor(global float64) Stage {
	sorted := t.sorted()
	if len(sorted) == 0 {
		return StagePending
	}
	for _, b := range sorted {
		if global < b.End {
			return b.Stage
		}
	}
	return sorted[len(sorted)-1].Stage
}
