// Package planfile loads deployment plans from YAML or HCL files.
package planfile

import (
	"fmt"

	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/plan"
)

// Document is a decoded plan file before validation.
type Document struct {
	Version string
	Name    string
	Steps   []StepSpec
}

// StepSpec is one step as written in a plan file. Exactly one of Create,
// Configure or Attach is set.
type StepSpec struct {
	ID string

	// Create names the component kind to instantiate.
	Create string

	// Configure is the target step; a reference or a bare step id.
	Configure *plan.Value

	// Attach names the component kind of an existing instance at Address.
	Attach  string
	Address string

	Method string
	Args   []plan.Value
}

// Build validates the document and constructs the plan.
func (d *Document) Build(opts ...plan.Option) (*plan.Plan, error) {
	if d.Version != "" && d.Version != "v1" {
		return nil, errors.New(errors.ErrCodeParse, fmt.Sprintf("unsupported plan version: %s", d.Version))
	}

	steps := make([]plan.Step, 0, len(d.Steps))
	for _, spec := range d.Steps {
		s, err := spec.step()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return plan.New(d.Name, steps, opts...)
}

func (s StepSpec) step() (plan.Step, error) {
	set := 0
	for _, present := range []bool{s.Create != "", s.Configure != nil, s.Attach != ""} {
		if present {
			set++
		}
	}
	if set != 1 {
		return plan.Step{}, errors.InvalidPlan(s.ID, "must set exactly one of create, configure or attach")
	}

	switch {
	case s.Create != "":
		if s.Method != "" || s.Address != "" {
			return plan.Step{}, errors.InvalidPlan(s.ID, "create steps take no method or address")
		}
		return plan.Create(s.ID, s.Create, s.Args...), nil

	case s.Attach != "":
		if s.Method != "" || len(s.Args) > 0 {
			return plan.Step{}, errors.InvalidPlan(s.ID, "attach steps take no method or args")
		}
		return plan.Attach(s.ID, s.Attach, s.Address), nil

	default:
		if s.Address != "" {
			return plan.Step{}, errors.InvalidPlan(s.ID, "configure steps take no address")
		}
		target := *s.Configure
		ref, ok := target.Reference()
		if !ok {
			id, isString := target.Literal().(string)
			if !isString || id == "" {
				return plan.Step{}, errors.InvalidPlan(s.ID, "configure target must name a step")
			}
			ref = plan.Reference{StepID: id}
		}
		return plan.Configure(s.ID, ref.StepID, s.Method, s.Args...), nil
	}
}
