package validation

import (
	"fmt"
	"math"
)

// Flags maps a criterion position to its completed flag. Positions without an entry are
// not completed.
type Flags map[int]bool

// Clone returns an independent copy. A nil receiver yields an empty map.
func (f Flags) Clone() Flags {
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Progress is the completion of a single stage.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// StageFlags pairs a stage definition with its tracking flags.
type StageFlags struct {
	Stage StageDefinition
	Flags Flags
}

// StageProgress counts completed criteria in declared order. Flags beyond the declared
// criteria are ignored.
func StageProgress(stage StageDefinition, flags Flags) Progress {
	total := len(stage.Criteria)
	completed := 0
	for i := 0; i < total; i++ {
		if flags[i] {
			completed++
		}
	}
	return Progress{Completed: completed, Total: total, Percent: percent(completed, total)}
}

// OverallProgress weighs every criterion of every stage equally.
func OverallProgress(stages []StageFlags) int {
	var completed, total int
	for _, s := range stages {
		p := StageProgress(s.Stage, s.Flags)
		completed += p.Completed
		total += p.Total
	}
	return percent(completed, total)
}

func percent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}

// reachThreshold is the previous-stage completion that opens the next stage for display.
const reachThreshold = 50

// StageReport is a stage's completion plus its display reachability.
type StageReport struct {
	StageID   string   `json:"stage_id"`
	Label     string   `json:"label"`
	Criteria  []string `json:"criteria"`
	Flags     []bool   `json:"flags"`
	Reachable bool     `json:"reachable"`
	Progress
}

// Report is the whole journey at a point in time.
type Report struct {
	Stages  []StageReport `json:"stages"`
	Overall int           `json:"overall_percent"`
}

// Journey holds a project's tracking flags against a catalog. Methods never mutate the
// receiver.
type Journey struct {
	Catalog Catalog
	flags   map[string]Flags
}

// NewJourney copies flags so later changes by the caller do not leak in.
func NewJourney(catalog Catalog, flags map[string]Flags) Journey {
	j := Journey{Catalog: catalog, flags: make(map[string]Flags, len(catalog))}
	for id, f := range flags {
		j.flags[id] = f.Clone()
	}
	return j
}

// Flags returns a copy of the flags recorded for stageID.
func (j Journey) Flags(stageID string) Flags {
	return j.flags[stageID].Clone()
}

// WithStage replaces one stage's flags and returns the new journey.
func (j Journey) WithStage(stageID string, flags Flags) Journey {
	next := NewJourney(j.Catalog, j.flags)
	next.flags[stageID] = flags.Clone()
	return next
}

func (j Journey) stageFlags() []StageFlags {
	out := make([]StageFlags, len(j.Catalog))
	for i, s := range j.Catalog {
		out[i] = StageFlags{Stage: s, Flags: j.flags[s.ID]}
	}
	return out
}

// Overall is OverallProgress over the whole catalog.
func (j Journey) Overall() int {
	return OverallProgress(j.stageFlags())
}

// Stage returns one stage's progress.
func (j Journey) Stage(stageID string) (Progress, error) {
	def, err := j.Catalog.Stage(stageID)
	if err != nil {
		return Progress{}, err
	}
	return StageProgress(def, j.flags[stageID]), nil
}

// Report computes every stage's progress and reachability. The first stage is always
// reachable; a later stage is reachable once the previous stage is at least half done or
// it already has a completed criterion. Reachability never changes the numbers.
func (j Journey) Report() Report {
	r := Report{Stages: make([]StageReport, 0, len(j.Catalog))}
	prevPercent := 0
	for i, s := range j.Catalog {
		flags := j.flags[s.ID]
		p := StageProgress(s, flags)
		list := make([]bool, len(s.Criteria))
		for k := range list {
			list[k] = flags[k]
		}
		r.Stages = append(r.Stages, StageReport{
			StageID:   s.ID,
			Label:     s.Label,
			Criteria:  s.Criteria,
			Flags:     list,
			Reachable: i == 0 || prevPercent >= reachThreshold || p.Completed > 0,
			Progress:  p,
		})
		prevPercent = p.Percent
	}
	r.Overall = j.Overall()
	return r
}

// Update describes the effect of SetCriterion.
type Update struct {
	StageID   string   `json:"stage_id"`
	Index     int      `json:"index"`
	Completed bool     `json:"completed"`
	Changed   bool     `json:"changed"`
	Stage     Progress `json:"stage"`
	Overall   int      `json:"overall_percent"`
}

// SetCriterion flips exactly one flag and returns the new journey with the resulting
// stage and overall percentages. Nothing is persisted.
func (j Journey) SetCriterion(stageID string, index int, completed bool) (Journey, Update, error) {
	def, err := j.Catalog.Stage(stageID)
	if err != nil {
		return j, Update{}, err
	}
	if index < 0 || index >= len(def.Criteria) {
		return j, Update{}, fmt.Errorf("%w: stage %s has %d criteria, got %d", ErrCriterionOutOfRange, stageID, len(def.Criteria), index)
	}
	flags := j.flags[stageID].Clone()
	changed := flags[index] != completed
	flags[index] = completed
	next := j.WithStage(stageID, flags)
	return next, Update{
		StageID:   stageID,
		Index:     index,
		Completed: completed,
		Changed:   changed,
		Stage:     StageProgress(def, flags),
		Overall:   next.Overall(),
	}, nil
}
