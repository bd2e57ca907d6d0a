// Package ledger records the confirmed outcome of each executed plan step.
//
// A Ledger is append-only: an outcome is written once per step id and never
// changes. Outcomes supplied before a run starts (seeds) satisfy steps
// without executing them.
package ledger

import (
	"fmt"
	"time"

	"github.com/davidthor/chainctl/pkg/errors"
)

// Outcome is the recorded result of a successful step.
type Outcome struct {
	StepID    string    `json:"stepId"`
	Kind      string    `json:"kind"`
	Component string    `json:"component,omitempty"`
	Address   string    `json:"address,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	Block     uint64    `json:"block,omitempty"`
	Seeded    bool      `json:"seeded,omitempty"`
	Recorded  time.Time `json:"recorded"`
}

// Ledger maps step ids to outcomes in insertion order.
type Ledger struct {
	outcomes map[string]Outcome
	order    []string
	recorded int
	now      func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		outcomes: make(map[string]Outcome),
		now:      time.Now,
	}
}

// Has reports whether an outcome exists for id.
func (l *Ledger) Has(id string) bool {
	_, ok := l.outcomes[id]
	return ok
}

// Get returns the outcome for id.
func (l *Ledger) Get(id string) (Outcome, bool) {
	o, ok := l.outcomes[id]
	return o, ok
}

// Address returns the instance address recorded for id.
func (l *Ledger) Address(id string) (string, bool) {
	o, ok := l.outcomes[id]
	if !ok || o.Address == "" {
		return "", false
	}
	return o.Address, true
}

// Record stores the outcome of a step executed in this run.
func (l *Ledger) Record(o Outcome) error {
	if err := l.put(o); err != nil {
		return err
	}
	l.recorded++
	return nil
}

// Seed stores an outcome obtained outside this run. Seeding is only allowed
// before the first Record.
func (l *Ledger) Seed(o Outcome) error {
	if l.recorded > 0 {
		return errors.ValidationError(
			fmt.Sprintf("cannot seed step %q after execution has started", o.StepID),
			map[string]interface{}{errors.DetailStepID: o.StepID},
		)
	}
	o.Seeded = true
	return l.put(o)
}

func (l *Ledger) put(o Outcome) error {
	if o.StepID == "" {
		return errors.New(errors.ErrCodeValidation, "outcome has no step id")
	}
	if _, exists := l.outcomes[o.StepID]; exists {
		return errors.DuplicateOutcome(o.StepID)
	}
	if o.Recorded.IsZero() {
		o.Recorded = l.now().UTC()
	}
	l.outcomes[o.StepID] = o
	l.order = append(l.order, o.StepID)
	return nil
}

// Len returns the number of outcomes.
func (l *Ledger) Len() int {
	return len(l.order)
}

// RecordedCount returns the number of outcomes recorded (not seeded).
func (l *Ledger) RecordedCount() int {
	return l.recorded
}

// Outcomes returns every outcome in insertion order.
func (l *Ledger) Outcomes() []Outcome {
	out := make([]Outcome, len(l.order))
	for i, id := range l.order {
		out[i] = l.outcomes[id]
	}
	return out
}

// Clone returns an independent copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		outcomes: make(map[string]Outcome, len(l.outcomes)),
		order:    append([]string(nil), l.order...),
		recorded: l.recorded,
		now:      l.now,
	}
	for k, v := range l.outcomes {
		c.outcomes[k] = v
	}
	return c
}
