package expression

import (
	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/ledger"
	"github.com/davidthor/chainctl/pkg/plan"
)

// Resolver substitutes references in step arguments with recorded addresses.
type Resolver struct{}

// NewResolver creates a new reference resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveArgs returns the concrete argument list for a step. A reference to
// a step without a recorded address is an UNRESOLVED_DEPENDENCY error.
func (r *Resolver) ResolveArgs(s plan.Step, l *ledger.Ledger) ([]interface{}, error) {
	args := make([]interface{}, 0, len(s.Args))
	for _, a := range s.Args {
		v, err := r.Resolve(s.ID, a, l)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// ResolveTarget returns the instance address a configure step operates on.
func (r *Resolver) ResolveTarget(s plan.Step, l *ledger.Ledger) (string, error) {
	ref, ok := s.Target.Reference()
	if !ok {
		return "", errors.InvalidPlan(s.ID, "configure target must reference an earlier step")
	}
	return r.address(s.ID, ref.StepID, l)
}

// Resolve returns the concrete form of a single value.
func (r *Resolver) Resolve(stepID string, v plan.Value, l *ledger.Ledger) (interface{}, error) {
	if ref, ok := v.Reference(); ok {
		return r.address(stepID, ref.StepID, l)
	}
	if v.IsList() {
		items := v.Items()
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			resolved, err := r.Resolve(stepID, item, l)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	}
	return v.Literal(), nil
}

func (r *Resolver) address(stepID, ref string, l *ledger.Ledger) (string, error) {
	addr, ok := l.Address(ref)
	if !ok {
		return "", errors.UnresolvedDependency(stepID, ref)
	}
	return addr, nil
}
