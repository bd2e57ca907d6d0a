// Package planner previews which steps of a deployment plan a run would
// execute, given the outcomes already recorded.
package planner

import (
	"fmt"
	"strings"

	"github.com/davidthor/chainctl/pkg/ledger"
	"github.com/davidthor/chainctl/pkg/plan"
)

// Action represents the type of operation a run would perform for a step.
type Action string

const (
	ActionCreate    Action = "create"
	ActionConfigure Action = "configure"
	ActionAttach    Action = "attach"
	ActionSkip      Action = "skip"
)

// StepChange describes the planned handling of one step.
type StepChange struct {
	Step      plan.Step
	Component string
	Action    Action

	// Existing is the recorded outcome for skipped steps.
	Existing *ledger.Outcome

	// Reason for the action
	Reason string

	// Dependencies are the ids of the steps this step references.
	Dependencies []string
}

// Preview is the projected execution of a plan.
type Preview struct {
	Plan    string
	Changes []*StepChange

	// Warnings lists recorded outcomes that disagree with the plan.
	Warnings []string

	// Summary
	ToCreate    int
	ToConfigure int
	ToAttach    int
	Skipped     int
}

// IsEmpty returns true if no step would execute.
func (p *Preview) IsEmpty() bool {
	return p.ToCreate == 0 && p.ToConfigure == 0 && p.ToAttach == 0
}

// Pending returns the number of steps that would execute.
func (p *Preview) Pending() int {
	return p.ToCreate + p.ToConfigure + p.ToAttach
}

// Planner generates previews.
type Planner struct{}

// NewPlanner creates a new planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan compares p with the outcomes in l.
func (pl *Planner) Plan(p *plan.Plan, l *ledger.Ledger) *Preview {
	if l == nil {
		l = ledger.New()
	}

	preview := &Preview{Plan: p.Name()}

	for _, s := range p.Steps() {
		change := &StepChange{
			Step:         s,
			Component:    p.ComponentOf(s.ID),
			Dependencies: s.References(),
		}

		if outcome, ok := l.Get(s.ID); ok {
			o := outcome
			change.Action = ActionSkip
			change.Existing = &o
			change.Reason = skipReason(o)
			preview.Skipped++

			if o.Component != "" && o.Component != change.Component {
				preview.Warnings = append(preview.Warnings, fmt.Sprintf(
					"step %q is recorded as %s but the plan declares %s", s.ID, o.Component, change.Component))
			}
		} else {
			switch s.Kind {
			case plan.KindCreate:
				change.Action = ActionCreate
				change.Reason = "no recorded instance"
				preview.ToCreate++
			case plan.KindConfigure:
				change.Action = ActionConfigure
				change.Reason = "not yet applied"
				preview.ToConfigure++
			case plan.KindAttach:
				change.Action = ActionAttach
				change.Reason = "bind existing instance " + s.Address
				preview.ToAttach++
			}
		}

		preview.Changes = append(preview.Changes, change)
	}

	for _, o := range l.Outcomes() {
		if p.Index(o.StepID) < 0 {
			preview.Warnings = append(preview.Warnings, fmt.Sprintf("recorded step %q is not part of the plan", o.StepID))
		}
	}

	return preview
}

func skipReason(o ledger.Outcome) string {
	var parts []string
	if o.Seeded {
		parts = append(parts, "seeded")
	} else {
		parts = append(parts, "already recorded")
	}
	if o.Address != "" {
		parts = append(parts, "at "+o.Address)
	}
	return strings.Join(parts, " ")
}

// FormatArgs renders step arguments for display.
func FormatArgs(args []plan.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
