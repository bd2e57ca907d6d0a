// Package types defines the persisted form of deployment state.
package types

import (
	"time"
)

// DeploymentStatus represents the status of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending      DeploymentStatus = "pending"
	DeploymentStatusProvisioning DeploymentStatus = "provisioning"
	DeploymentStatusReady        DeploymentStatus = "ready"
	DeploymentStatusFailed       DeploymentStatus = "failed"
)

// LedgerState is the persisted progress of one deployment on one network.
type LedgerState struct {
	// Metadata
	Deployment string    `json:"deployment"`
	Network    string    `json:"network"`
	Plan       string    `json:"plan,omitempty"`
	Gateway    string    `json:"gateway,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Status
	Status       DeploymentStatus `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`
	FailedStep   string           `json:"failed_step,omitempty"`

	// Outcomes in the order they were recorded.
	Outcomes []OutcomeState `json:"outcomes"`
}

// OutcomeState is the persisted outcome of one step.
type OutcomeState struct {
	StepID     string    `json:"step_id"`
	Kind       string    `json:"kind"`
	Component  string    `json:"component,omitempty"`
	Address    string    `json:"address,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Block      uint64    `json:"block,omitempty"`
	Seeded     bool      `json:"seeded,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Outcome returns the outcome for stepID.
func (s *LedgerState) Outcome(stepID string) (OutcomeState, bool) {
	for _, o := range s.Outcomes {
		if o.StepID == stepID {
			return o, true
		}
	}
	return OutcomeState{}, false
}

// DeploymentRef is a summary of a persisted deployment.
type DeploymentRef struct {
	Name      string           `json:"name"`
	Network   string           `json:"network"`
	Status    DeploymentStatus `json:"status"`
	Outcomes  int              `json:"outcomes"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
