// Package plan models an ordered deployment plan of create, configure and
// attach steps whose arguments may reference the outcomes of earlier steps.
package plan

import "fmt"

// StepKind is the operation a step performs.
type StepKind string

const (
	// KindCreate provisions a new component instance.
	KindCreate StepKind = "create"
	// KindConfigure invokes a method on an existing instance.
	KindConfigure StepKind = "configure"
	// KindAttach binds an already existing instance without touching the backend.
	KindAttach StepKind = "attach"
)

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	switch k {
	case KindCreate, KindConfigure, KindAttach:
		return true
	}
	return false
}

// ProducesAddress reports whether steps of this kind yield an instance address.
func (k StepKind) ProducesAddress() bool {
	return k == KindCreate || k == KindAttach
}

// Reference points at the address produced by an earlier step.
type Reference struct {
	StepID string
}

func (r Reference) String() string {
	return fmt.Sprintf("${{ steps.%s.address }}", r.StepID)
}

// Value is a step argument: a literal, a reference, or a list of values.
type Value struct {
	ref     *Reference
	list    []Value
	isList  bool
	literal interface{}
}

// Literal wraps a concrete argument value.
func Literal(v interface{}) Value {
	return Value{literal: v}
}

// Ref returns a value referencing the address of the given step.
func Ref(stepID string) Value {
	return Value{ref: &Reference{StepID: stepID}}
}

// List groups values into a single list argument.
func List(values ...Value) Value {
	return Value{list: append([]Value(nil), values...), isList: true}
}

// IsReference reports whether v is a reference.
func (v Value) IsReference() bool {
	return v.ref != nil
}

// IsList reports whether v is a list of values.
func (v Value) IsList() bool {
	return v.isList
}

// Reference returns the reference held by v.
func (v Value) Reference() (Reference, bool) {
	if v.ref == nil {
		return Reference{}, false
	}
	return *v.ref, true
}

// Items returns a copy of the list elements.
func (v Value) Items() []Value {
	return append([]Value(nil), v.list...)
}

// Literal returns the literal value, or nil for references and lists.
func (v Value) Literal() interface{} {
	return v.literal
}

// References returns the step ids referenced by v, including nested list items.
func (v Value) References() []string {
	if v.ref != nil {
		return []string{v.ref.StepID}
	}
	var ids []string
	for _, item := range v.list {
		ids = append(ids, item.References()...)
	}
	return ids
}

func (v Value) String() string {
	switch {
	case v.ref != nil:
		return v.ref.String()
	case v.isList:
		return fmt.Sprint(v.list)
	default:
		return fmt.Sprint(v.literal)
	}
}

// Step is a single unit of work in a plan.
type Step struct {
	ID   string
	Kind StepKind

	// Component is the component kind to create or attach. Configure steps
	// take their component from the target step.
	Component string

	// Target is the instance a configure step invokes. It must be a reference.
	Target Value

	// Method is the operation a configure step invokes, either a bare name or
	// a full signature such as "setCertifiedRegistry(address,bool)".
	Method string

	Args []Value

	// Address is the existing instance an attach step binds.
	Address string
}

// Create returns a step that provisions a new instance of component.
func Create(id, component string, args ...Value) Step {
	return Step{ID: id, Kind: KindCreate, Component: component, Args: args}
}

// Configure returns a step that invokes method on the instance produced by target.
func Configure(id, target, method string, args ...Value) Step {
	return Step{ID: id, Kind: KindConfigure, Target: Ref(target), Method: method, Args: args}
}

// Attach returns a step that binds an existing instance at address.
func Attach(id, component, address string) Step {
	return Step{ID: id, Kind: KindAttach, Component: component, Address: address}
}

// References returns every step id this step depends on, in argument order
// with the target first. Duplicates are removed.
func (s Step) References() []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(v Value) {
		for _, id := range v.References() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	add(s.Target)
	for _, a := range s.Args {
		add(a)
	}
	return ids
}

func (s Step) clone() Step {
	c := s
	c.Args = append([]Value(nil), s.Args...)
	return c
}
