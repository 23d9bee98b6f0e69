package models

import "time"

// Environment is a named deployment target protected by a gate policy.
type Environment struct {
	Name string     `json:"name" validate:"required"`
	Gate GatePolicy `json:"gate"`
}

// GatePolicy configures the approval barrier for an environment.
type GatePolicy struct {
	RequiredApprovals int           `json:"required_approvals"`
	MinWait           time.Duration `json:"min_wait"`
	Reviewers         []string      `json:"reviewers,omitempty"`
}

// Authorized reports whether the reviewer is a member of the configured
// reviewer set.
func (g *GatePolicy) Authorized(reviewer string) bool {
	for _, r := range g.Reviewers {
		if r == reviewer {
			return true
		}
	}

	return false
}

// GateState is the per-(Run, Environment) gate lifecycle. A gate never
// transitions backward; rejection is irreversible for the owning Run.
type GateState string

const (
	GateStatePending   GateState = "pending"
	GateStateSatisfied GateState = "satisfied"
	GateStateRejected  GateState = "rejected"
)
