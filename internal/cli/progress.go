package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/davidthor/chainctl/pkg/engine/executor"
	"github.com/davidthor/chainctl/pkg/engine/planner"
)

// StepStatus represents the current status of a plan step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusRetrying   StepStatus = "retrying"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
	StatusSkipped    StepStatus = "skipped"
)

// StepInfo holds information about a step for progress tracking.
type StepInfo struct {
	ID           string
	Action       planner.Action
	Component    string
	Status       StepStatus
	Dependencies []string
	Address      string
	TxHash       string
	Attempt      int
	StartTime    time.Time
	EndTime      time.Time
	Error        error
	Message      string
}

// ProgressTable displays deployment progress.
// It shows the initial plan table, prints one line per step transition and
// a final summary.
type ProgressTable struct {
	mu        sync.Mutex
	steps     map[string]*StepInfo
	order     []string // Maintains plan order for display
	writer    io.Writer
	startTime time.Time
	now       func() time.Time
}

// NewProgressTable creates a new progress table.
func NewProgressTable(w io.Writer) *ProgressTable {
	return &ProgressTable{
		steps:     make(map[string]*StepInfo),
		order:     []string{},
		writer:    w,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// NewProgressTableFromPreview creates a table tracking every step of preview.
func NewProgressTableFromPreview(w io.Writer, preview *planner.Preview) *ProgressTable {
	p := NewProgressTable(w)
	for _, c := range preview.Changes {
		p.AddStep(c.Step.ID, c.Action, c.Component, c.Dependencies)
		if c.Action == planner.ActionSkip {
			p.steps[c.Step.ID].Message = c.Reason
			if c.Existing != nil {
				p.steps[c.Step.ID].Address = c.Existing.Address
			}
		}
	}
	return p
}

// AddStep adds a step to track.
func (p *ProgressTable) AddStep(id string, action planner.Action, component string, dependencies []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.steps[id]; !exists {
		p.order = append(p.order, id)
	}

	p.steps[id] = &StepInfo{
		ID:           id,
		Action:       action,
		Component:    component,
		Status:       StatusPending,
		Dependencies: dependencies,
	}
}

// UpdateStatus updates the status of a step.
func (p *ProgressTable) UpdateStatus(id string, status StepStatus, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.steps[id]
	if !ok {
		return
	}

	st.Status = status
	st.Message = message

	if status == StatusInProgress && st.StartTime.IsZero() {
		st.StartTime = p.now()
	}
	if status == StatusCompleted || status == StatusFailed || status == StatusSkipped {
		st.EndTime = p.now()
	}
}

// SetError marks a step failed.
func (p *ProgressTable) SetError(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.steps[id]
	if !ok {
		return
	}

	st.Status = StatusFailed
	st.Error = err
	st.EndTime = p.now()
}

// HandleEvent applies an executor event and prints the resulting line.
func (p *ProgressTable) HandleEvent(ev executor.Event) {
	switch ev.Status {
	case executor.StatusStarted:
		p.UpdateStatus(ev.StepID, StatusInProgress, "")
	case executor.StatusRetrying:
		p.mu.Lock()
		if st, ok := p.steps[ev.StepID]; ok {
			st.Status = StatusRetrying
			st.Attempt = ev.Attempt
			st.Error = ev.Err
		}
		p.mu.Unlock()
	case executor.StatusCompleted:
		p.mu.Lock()
		if st, ok := p.steps[ev.StepID]; ok {
			st.Address = ev.Outcome.Address
			st.TxHash = ev.Outcome.TxHash
			st.Error = nil
		}
		p.mu.Unlock()
		p.UpdateStatus(ev.StepID, StatusCompleted, "")
	case executor.StatusSkipped:
		p.UpdateStatus(ev.StepID, StatusSkipped, "already recorded")
	case executor.StatusFailed:
		p.SetError(ev.StepID, ev.Err)
	}
	p.PrintUpdate(ev.StepID)
}

// PrintInitial prints the deployment plan showing what each step will do.
func (p *ProgressTable) PrintInitial() {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, "Deployment Plan:")
	fmt.Fprintln(p.writer, strings.Repeat("─", 60))

	counts := map[planner.Action]int{}
	for _, id := range p.order {
		st := p.steps[id]
		counts[st.Action]++

		detail := ""
		switch {
		case st.Action == planner.ActionSkip && st.Message != "":
			detail = fmt.Sprintf(" (%s)", st.Message)
		case len(st.Dependencies) > 0:
			detail = fmt.Sprintf(" (depends on: %s)", strings.Join(st.Dependencies, ", "))
		}
		fmt.Fprintf(p.writer, "  %s %-10s %-28s %s%s\n", actionSymbol(st.Action), st.Action, id, st.Component, detail)
	}

	fmt.Fprintln(p.writer, strings.Repeat("─", 60))
	fmt.Fprintf(p.writer, "Total: %d steps (%d create, %d configure, %d attach, %d skip)\n",
		len(p.order),
		counts[planner.ActionCreate], counts[planner.ActionConfigure],
		counts[planner.ActionAttach], counts[planner.ActionSkip])
	fmt.Fprintln(p.writer)
}

// PrintUpdate prints a status update for a step as a single line.
func (p *ProgressTable) PrintUpdate(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.steps[id]
	if !ok {
		return
	}

	var line string
	switch st.Status {
	case StatusInProgress:
		line = fmt.Sprintf("%s %s %s (%s)...", statusIcon(st.Status), startVerb(st.Action), id, st.Component)
	case StatusRetrying:
		line = fmt.Sprintf("%s %s retrying (attempt %d)", statusIcon(st.Status), id, st.Attempt)
		if st.Error != nil {
			line += fmt.Sprintf(": %v", st.Error)
		}
	case StatusCompleted:
		duration := ""
		if !st.EndTime.IsZero() && !st.StartTime.IsZero() {
			duration = fmt.Sprintf(" (%s)", st.EndTime.Sub(st.StartTime).Round(time.Millisecond))
		}
		line = fmt.Sprintf("%s %s %s completed%s", statusIcon(st.Status), st.Component, id, duration)
		if st.Address != "" {
			line += " at " + st.Address
		}
	case StatusFailed:
		line = fmt.Sprintf("%s %s %s failed", statusIcon(st.Status), st.Component, id)
		if st.Error != nil {
			line += fmt.Sprintf(": %v", st.Error)
		}
	case StatusSkipped:
		line = fmt.Sprintf("%s %s skipped", statusIcon(st.Status), id)
	default:
		return // Don't print pending updates
	}

	fmt.Fprintln(p.writer, line)
}

// PrintFinalSummary prints the final deployment summary.
func (p *ProgressTable) PrintFinalSummary() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var completed, failed, skipped, notRun int
	for _, st := range p.steps {
		switch st.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		default:
			notRun++
		}
	}

	elapsed := p.now().Sub(p.startTime).Round(time.Millisecond)

	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, strings.Repeat("─", 80))

	if failed > 0 || notRun > 0 {
		fmt.Fprintf(p.writer, "Deployment stopped in %s\n", elapsed)
		fmt.Fprintf(p.writer, "  ● %d succeeded, ✗ %d failed, ◌ %d skipped, ○ %d not run\n", completed, failed, skipped, notRun)

		for _, id := range p.order {
			st := p.steps[id]
			if st.Status != StatusFailed {
				continue
			}
			fmt.Fprintf(p.writer, "\nFailed step:\n  ✗ %s %q", st.Component, id)
			if st.Error != nil {
				fmt.Fprintf(p.writer, ": %v", st.Error)
			}
			fmt.Fprintln(p.writer)
		}
		fmt.Fprintln(p.writer, "\nCompleted steps are recorded in the ledger; rerun apply to resume.")
	} else {
		fmt.Fprintf(p.writer, "Deployment completed successfully in %s\n", elapsed)
		fmt.Fprintf(p.writer, "  ● %d steps executed, ◌ %d skipped\n", completed, skipped)
	}
}

// GetCompletedCount returns the number of completed steps.
func (p *ProgressTable) GetCompletedCount() int {
	return p.count(StatusCompleted)
}

// GetFailedCount returns the number of failed steps.
func (p *ProgressTable) GetFailedCount() int {
	return p.count(StatusFailed)
}

func (p *ProgressTable) count(status StepStatus) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, st := range p.steps {
		if st.Status == status {
			n++
		}
	}
	return n
}

// GetStepsByStatus returns all step IDs with the given status in plan order.
func (p *ProgressTable) GetStepsByStatus(status StepStatus) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for _, id := range p.order {
		if p.steps[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

func statusIcon(status StepStatus) string {
	switch status {
	case StatusPending:
		return "○"
	case StatusInProgress:
		return "◐"
	case StatusRetrying:
		return "↻"
	case StatusCompleted:
		return "●"
	case StatusFailed:
		return "✗"
	case StatusSkipped:
		return "◌"
	default:
		return "?"
	}
}

func actionSymbol(a planner.Action) string {
	switch a {
	case planner.ActionCreate:
		return "+"
	case planner.ActionConfigure:
		return "~"
	case planner.ActionAttach:
		return "&"
	default:
		return "="
	}
}

func startVerb(a planner.Action) string {
	switch a {
	case planner.ActionCreate:
		return "Creating"
	case planner.ActionConfigure:
		return "Configuring"
	case planner.ActionAttach:
		return "Attaching"
	default:
		return "Running"
	}
}
