package validation

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownStage        = errors.New("unknown stage")
	ErrCriterionOutOfRange = errors.New("criterion index out of range")
)

// StageDefinition is one step of the validation journey.
type StageDefinition struct {
	ID       string   `json:"id" yaml:"id"`
	Label    string   `json:"label" yaml:"label"`
	Criteria []string `json:"criteria" yaml:"criteria"`
}

// Catalog is the ordered list of stages. Order is the journey order.
type Catalog []StageDefinition

// Stage ids of the built-in catalog.
const (
	StageProblem  = "problem"
	StageSolution = "solution"
	StageMVP      = "mvp"
	StageMetrics  = "metrics"
	StagePivot    = "pivot"
	StageGrowth   = "growth"
)

// DefaultCatalog returns a fresh copy of the built-in six-stage journey.
func DefaultCatalog() Catalog {
	return Catalog{
		{ID: StageProblem, Label: "Problem validation", Criteria: []string{
			"Target customer segment identified",
			"Problem interviews conducted",
			"Pain points ranked by severity",
			"Problem statement validated",
		}},
		{ID: StageSolution, Label: "Solution validation", Criteria: []string{
			"Solution hypotheses written",
			"Value proposition drafted",
			"Solution interviews conducted",
			"Willingness to pay confirmed",
		}},
		{ID: StageMVP, Label: "MVP", Criteria: []string{
			"Core features scoped",
			"MVP built",
			"Early adopters onboarded",
			"Feedback loop in place",
		}},
		{ID: StageMetrics, Label: "Metrics", Criteria: []string{
			"Key metrics defined",
			"Targets and thresholds set",
			"Tracking instrumented",
			"Baseline measured",
		}},
		{ID: StagePivot, Label: "Pivot or persevere", Criteria: []string{
			"Pivot options listed",
			"Triggers linked to metrics",
			"Results reviewed with the team",
			"Pivot or persevere decision recorded",
		}},
		{ID: StageGrowth, Label: "Growth", Criteria: []string{
			"Growth engine chosen",
			"Acquisition channels tested",
			"Retention loop validated",
			"Unit economics positive",
		}},
	}
}

// Validate checks stage ids are unique and non-empty and every stage has a criterion.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errors.New("catalog has no stages")
	}
	seen := make(map[string]bool, len(c))
	for i, s := range c {
		if s.ID == "" {
			return fmt.Errorf("stage %d has empty id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate stage id %s", s.ID)
		}
		seen[s.ID] = true
		if len(s.Criteria) == 0 {
			return fmt.Errorf("stage %s has no criteria", s.ID)
		}
	}
	return nil
}

// Index returns the position of stageID in the catalog, or -1.
func (c Catalog) Index(stageID string) int {
	for i, s := range c {
		if s.ID == stageID {
			return i
		}
	}
	return -1
}

func (c Catalog) Stage(stageID string) (StageDefinition, error) {
	i := c.Index(stageID)
	if i < 0 {
		return StageDefinition{}, fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	return c[i], nil
}

// IDs lists stage ids in journey order.
func (c Catalog) IDs() []string {
	ids := make([]string, len(c))
	for i, s := range c {
		ids[i] = s.ID
	}
	return ids
}
