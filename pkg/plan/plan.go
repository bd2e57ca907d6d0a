package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/davidthor/chainctl/pkg/errors"
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// AddressValidator checks the format of a caller-supplied instance address.
type AddressValidator func(address string) error

// Option configures plan construction.
type Option func(*options)

type options struct {
	validateAddress AddressValidator
}

// WithAddressValidator sets the validator applied to attach addresses.
func WithAddressValidator(v AddressValidator) Option {
	return func(o *options) {
		o.validateAddress = v
	}
}

func nonEmptyAddress(address string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("address is empty")
	}
	return nil
}

// Plan is an ordered, validated sequence of steps. A Plan never changes
// after construction.
type Plan struct {
	name  string
	steps []Step
	index map[string]int
}

// New validates steps and builds a plan. Every reference must name a step
// that appears earlier in the list and produces an address.
func New(name string, steps []Step, opts ...Option) (*Plan, error) {
	o := options{validateAddress: nonEmptyAddress}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Plan{
		name:  name,
		steps: make([]Step, 0, len(steps)),
		index: make(map[string]int, len(steps)),
	}

	for i, s := range steps {
		if s.ID == "" {
			return nil, errors.InvalidPlan("", fmt.Sprintf("step %d has no id", i+1))
		}
		if !stepIDPattern.MatchString(s.ID) {
			return nil, errors.InvalidPlan(s.ID, "id must start with a letter or underscore and contain only letters, digits, '_' or '-'")
		}
		if _, dup := p.index[s.ID]; dup {
			return nil, errors.InvalidPlan(s.ID, "id is declared more than once")
		}
		if err := p.validateStep(s, o); err != nil {
			return nil, err
		}
		p.index[s.ID] = len(p.steps)
		p.steps = append(p.steps, s.clone())
	}

	return p, nil
}

func (p *Plan) validateStep(s Step, o options) error {
	switch s.Kind {
	case KindCreate:
		if s.Component == "" {
			return errors.InvalidPlan(s.ID, "create step has no component")
		}
	case KindAttach:
		if s.Component == "" {
			return errors.InvalidPlan(s.ID, "attach step has no component")
		}
		if len(s.Args) > 0 {
			return errors.InvalidPlan(s.ID, "attach step takes no arguments")
		}
		if err := o.validateAddress(s.Address); err != nil {
			return errors.InvalidPlan(s.ID, fmt.Sprintf("invalid attach address %q: %v", s.Address, err))
		}
	case KindConfigure:
		if s.Method == "" {
			return errors.InvalidPlan(s.ID, "configure step has no method")
		}
		if !s.Target.IsReference() {
			return errors.InvalidPlan(s.ID, "configure target must reference an earlier step")
		}
	default:
		return errors.InvalidPlan(s.ID, fmt.Sprintf("unknown step kind %q", s.Kind))
	}

	for _, ref := range s.References() {
		i, ok := p.index[ref]
		if !ok {
			if ref == s.ID {
				return errors.InvalidPlan(s.ID, "step references itself")
			}
			return errors.InvalidPlan(s.ID, fmt.Sprintf("references %q which is not an earlier step", ref))
		}
		if !p.steps[i].Kind.ProducesAddress() {
			return errors.InvalidPlan(s.ID, fmt.Sprintf("references %q which is a %s step and produces no address", ref, p.steps[i].Kind))
		}
	}
	return nil
}

// Name returns the plan name.
func (p *Plan) Name() string {
	return p.name
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// Steps returns the steps in execution order.
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.clone()
	}
	return out
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (Step, bool) {
	i, ok := p.index[id]
	if !ok {
		return Step{}, false
	}
	return p.steps[i].clone(), true
}

// Index returns the position of the step with the given id, or -1.
func (p *Plan) Index(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// IDs returns the step ids in execution order.
func (p *Plan) IDs() []string {
	ids := make([]string, len(p.steps))
	for i, s := range p.steps {
		ids[i] = s.ID
	}
	return ids
}

// References returns the ids of the steps the given step depends on.
func (p *Plan) References(id string) []string {
	s, ok := p.Step(id)
	if !ok {
		return nil
	}
	return s.References()
}

// ComponentOf returns the component kind a step operates on. For configure
// steps this is the component of the target instance.
func (p *Plan) ComponentOf(id string) string {
	s, ok := p.Step(id)
	if !ok {
		return ""
	}
	if s.Kind == KindConfigure {
		ref, _ := s.Target.Reference()
		return p.ComponentOf(ref.StepID)
	}
	return s.Component
}

// Components returns the distinct component kinds the plan creates or attaches,
// in first-use order.
func (p *Plan) Components() []string {
	var kinds []string
	seen := make(map[string]bool)
	for _, s := range p.steps {
		if s.Component != "" && !seen[s.Component] {
			seen[s.Component] = true
			kinds = append(kinds, s.Component)
		}
	}
	return kinds
}
