// Package gates enforces approval and wait-timer barriers in front of jobs
// bound to protected environments.
package gates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crankci/crank/pkg/eventbus"
	"github.com/crankci/crank/pkg/events"
	"github.com/crankci/crank/pkg/models"
)

var (
	// ErrUnknownEnvironment indicates a job references an environment the
	// engine has no configuration for.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrUnknownGate indicates no gate is open for the (run, environment)
	// pair.
	ErrUnknownGate = errors.New("no open gate")

	// ErrUnauthorizedReviewer indicates the reviewer is not in the
	// environment's configured reviewer set. Gate state is not altered.
	ErrUnauthorizedReviewer = errors.New("reviewer not authorized for environment")

	// ErrGateRejected indicates a required reviewer vetoed the promotion.
	// The rejection is irreversible for the owning run.
	ErrGateRejected = errors.New("gate rejected")
)

type gateKey struct {
	runID       string
	environment string
}

// Notify reports the gate outcome exactly once: nil for Satisfied,
// ErrGateRejected for a veto.
type Notify func(err error)

type gate struct {
	policy    models.GatePolicy
	state     models.GateState
	approvals map[string]bool
	openedAt  time.Time
	waiters   []Notify
	timer     *time.Timer
}

// Manager tracks one gate per (run, environment). Gates move Pending →
// Satisfied or Pending → Rejected and never backward.
type Manager struct {
	mu           sync.Mutex
	logger       *slog.Logger
	publisher    eventbus.EventPublisher
	environments map[string]*models.Environment
	gates        map[gateKey]*gate
	now          func() time.Time
}

func NewManager(logger *slog.Logger, publisher eventbus.EventPublisher, environments []*models.Environment) *Manager {
	manager := &Manager{
		logger:       logger.With("module", "gates"),
		publisher:    publisher,
		environments: make(map[string]*models.Environment, len(environments)),
		gates:        make(map[gateKey]*gate),
		now:          time.Now,
	}

	for _, environment := range environments {
		manager.environments[environment.Name] = environment
	}

	return manager
}

// Open starts the gate for a job that just became eligible (dependencies
// satisfied). The wait timer starts now; the job holds no runner while
// waiting. Multiple jobs bound to the same environment within one run share
// the gate.
func (m *Manager) Open(ctx context.Context, runID, environment string, notify Notify) error {
	env, ok := m.environments[environment]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEnvironment, environment)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := gateKey{runID: runID, environment: environment}

	g, exists := m.gates[key]
	if !exists {
		g = &gate{
			policy:    env.Gate,
			state:     models.GateStatePending,
			approvals: make(map[string]bool),
			openedAt:  m.now(),
		}
		m.gates[key] = g

		if g.policy.MinWait > 0 {
			g.timer = time.AfterFunc(g.policy.MinWait, func() {
				m.onWaitElapsed(key)
			})
		}

		m.publish(ctx, runID, events.GateWaiting{
			BaseEvent:   events.NewBaseEvent(events.GateWaitingEvent, runID),
			Environment: environment,
		})
	}

	switch g.state {
	case models.GateStateSatisfied:
		go notify(nil)
	case models.GateStateRejected:
		go notify(ErrGateRejected)
	default:
		g.waiters = append(g.waiters, notify)
		m.checkSatisfiedLocked(ctx, key, g)
	}

	return nil
}

// Approve records one approval. Duplicate approvals from the same reviewer
// are idempotent, never additive.
func (m *Manager) Approve(ctx context.Context, runID, environment, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := gateKey{runID: runID, environment: environment}

	g, ok := m.gates[key]
	if !ok {
		return fmt.Errorf("%w: run %s environment %s", ErrUnknownGate, runID, environment)
	}

	if !g.policy.Authorized(reviewer) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedReviewer, reviewer)
	}

	switch g.state {
	case models.GateStateRejected:
		return ErrGateRejected
	case models.GateStateSatisfied:
		return nil
	}

	if !g.approvals[reviewer] {
		g.approvals[reviewer] = true

		m.publish(ctx, runID, events.GateApproved{
			BaseEvent:   events.NewBaseEvent(events.GateApprovedEvent, runID),
			Environment: environment,
			Reviewer:    reviewer,
			Approvals:   len(g.approvals),
		})
	}

	m.checkSatisfiedLocked(ctx, key, g)

	return nil
}

// Reject vetoes the promotion. The gate never re-opens for this run.
func (m *Manager) Reject(ctx context.Context, runID, environment, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := gateKey{runID: runID, environment: environment}

	g, ok := m.gates[key]
	if !ok {
		return fmt.Errorf("%w: run %s environment %s", ErrUnknownGate, runID, environment)
	}

	if !g.policy.Authorized(reviewer) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedReviewer, reviewer)
	}

	if g.state != models.GateStatePending {
		return nil
	}

	g.state = models.GateStateRejected

	if g.timer != nil {
		g.timer.Stop()
	}

	m.publish(ctx, runID, events.GateRejected{
		BaseEvent:   events.NewBaseEvent(events.GateRejectedEvent, runID),
		Environment: environment,
		Reviewer:    reviewer,
	})

	m.notifyLocked(g, ErrGateRejected)

	return nil
}

// State reports the gate state and distinct approval count.
func (m *Manager) State(runID, environment string) (models.GateState, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gates[gateKey{runID: runID, environment: environment}]
	if !ok {
		return "", 0, false
	}

	return g.state, len(g.approvals), true
}

// Discard drops every gate belonging to a finished or cancelled run.
func (m *Manager) Discard(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, g := range m.gates {
		if key.runID != runID {
			continue
		}

		if g.timer != nil {
			g.timer.Stop()
		}

		delete(m.gates, key)
	}
}

func (m *Manager) onWaitElapsed(key gateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gates[key]
	if !ok {
		return
	}

	m.checkSatisfiedLocked(context.Background(), key, g)
}

// checkSatisfiedLocked transitions the gate to Satisfied once both the
// approval count and the wait timer conditions hold.
func (m *Manager) checkSatisfiedLocked(ctx context.Context, key gateKey, g *gate) {
	if g.state != models.GateStatePending {
		return
	}

	if len(g.approvals) < g.policy.RequiredApprovals {
		return
	}

	if m.now().Sub(g.openedAt) < g.policy.MinWait {
		return
	}

	g.state = models.GateStateSatisfied

	m.publish(ctx, key.runID, events.GateSatisfied{
		BaseEvent:   events.NewBaseEvent(events.GateSatisfiedEvent, key.runID),
		Environment: key.environment,
	})

	m.notifyLocked(g, nil)
}

func (m *Manager) notifyLocked(g *gate, err error) {
	waiters := g.waiters
	g.waiters = nil

	for _, notify := range waiters {
		go notify(err)
	}
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.publisher == nil {
		return
	}

	if err := m.publisher.Publish(ctx, key, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish gate event", "error", err, "event_type", event.GetType())
	}
}
