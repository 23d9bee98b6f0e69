// Package runnerpool manages execution slots and their capability-based
// assignment to jobs.
package runnerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/crankci/crank/pkg/models"
)

// ErrNoMatchingRunner indicates no registered runner could ever satisfy the
// requested capability labels. Transient contention queues instead.
var ErrNoMatchingRunner = errors.New("no runner matches the capability requirement")

// waiter is one queued acquisition request. Requests queue FIFO within their
// capability class; seq orders heads of different classes fairly.
type waiter struct {
	seq    uint64
	labels []string
	ch     chan *models.Runner
}

// Pool hands out runners with the single-occupancy invariant: a runner is
// held by at most one job from Acquire until Release.
type Pool struct {
	mu      sync.Mutex
	logger  *slog.Logger
	runners map[string]*models.Runner
	idle    map[string]*models.Runner
	queues  map[string][]*waiter
	nextSeq uint64
}

func NewPool(logger *slog.Logger, runners []*models.Runner) *Pool {
	pool := &Pool{
		logger:  logger.With("module", "runnerpool"),
		runners: make(map[string]*models.Runner),
		idle:    make(map[string]*models.Runner),
		queues:  make(map[string][]*waiter),
	}

	for _, runner := range runners {
		pool.runners[runner.ID] = runner
		pool.idle[runner.ID] = runner
	}

	return pool
}

// Register adds a runner to the pool, immediately serving any queued request
// it satisfies.
func (p *Pool) Register(runner *models.Runner) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.runners[runner.ID]; exists {
		return fmt.Errorf("runner %s is already registered", runner.ID)
	}

	p.runners[runner.ID] = runner
	p.handOffLocked(runner)

	return nil
}

// Acquire returns a runner whose labels are a superset of the requirement,
// blocking FIFO within the capability class until one is released. It fails
// fast with ErrNoMatchingRunner when no registered runner could ever satisfy
// the requirement.
func (p *Pool) Acquire(ctx context.Context, labels []string) (*models.Runner, error) {
	reservation, err := p.Reserve(labels)
	if err != nil {
		return nil, err
	}

	return reservation.Wait(ctx)
}

// Reservation is a claim on a runner: either one taken idle at reservation
// time, or a queued FIFO slot that Wait redeems.
type Reservation struct {
	pool    *Pool
	key     string
	request *waiter
	runner  *models.Runner
}

// Reserve claims an idle matching runner or enqueues a FIFO request. The
// queue position is taken before Reserve returns, so a caller issuing
// reservations in sequence controls the dispatch order. It fails fast with
// ErrNoMatchingRunner when no registered runner could ever satisfy the
// requirement.
func (p *Pool) Reserve(labels []string) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if runner := p.takeIdleLocked(labels); runner != nil {
		return &Reservation{pool: p, runner: runner}, nil
	}

	if !p.satisfiableLocked(labels) {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingRunner, strings.Join(labels, ","))
	}

	request := &waiter{
		seq:    p.nextSeq,
		labels: labels,
		ch:     make(chan *models.Runner, 1),
	}
	p.nextSeq++

	key := classKey(labels)
	p.queues[key] = append(p.queues[key], request)

	return &Reservation{pool: p, key: key, request: request}, nil
}

// Wait blocks until the reserved runner is handed over or the context ends.
// A context that is already done wins over a granted runner: the runner goes
// back into circulation and Wait reports the context error, so a caller never
// starts work on a reservation its run has abandoned.
func (r *Reservation) Wait(ctx context.Context) (*models.Runner, error) {
	if err := ctx.Err(); err != nil {
		r.abandon()

		return nil, err
	}

	if r.runner != nil {
		return r.runner, nil
	}

	select {
	case runner := <-r.request.ch:
		return runner, nil
	case <-ctx.Done():
		r.abandon()

		return nil, ctx.Err()
	}
}

// abandon gives up the reservation: a runner granted at reservation time is
// released, a queued request is withdrawn.
func (r *Reservation) abandon() {
	if r.runner != nil {
		runner := r.runner
		r.runner = nil
		r.pool.Release(runner)

		return
	}

	r.pool.abandon(r.key, r.request)
}

// Release returns a held runner to the pool, handing it directly to the
// longest-waiting eligible request if any.
func (p *Pool) Release(runner *models.Runner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, known := p.runners[runner.ID]; !known {
		p.logger.Warn("Release of unknown runner ignored", "runner_id", runner.ID)

		return
	}

	if _, alreadyIdle := p.idle[runner.ID]; alreadyIdle {
		p.logger.Warn("Runner released twice", "runner_id", runner.ID)

		return
	}

	p.handOffLocked(runner)
}

// Runners returns a snapshot of all registered runners.
func (p *Pool) Runners() []*models.Runner {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := make([]*models.Runner, 0, len(p.runners))
	for _, runner := range p.runners {
		snapshot = append(snapshot, runner)
	}

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	return snapshot
}

// handOffLocked gives the runner to the earliest-enqueued waiter whose
// requirement it satisfies, or parks it idle. Only class-queue heads are
// eligible, preserving FIFO within each class.
func (p *Pool) handOffLocked(runner *models.Runner) {
	var (
		best    *waiter
		bestKey string
	)

	for key, queue := range p.queues {
		if len(queue) == 0 {
			continue
		}

		head := queue[0]
		if runner.Satisfies(head.labels) && (best == nil || head.seq < best.seq) {
			best = head
			bestKey = key
		}
	}

	if best == nil {
		p.idle[runner.ID] = runner

		return
	}

	p.queues[bestKey] = p.queues[bestKey][1:]
	if len(p.queues[bestKey]) == 0 {
		delete(p.queues, bestKey)
	}

	best.ch <- runner
}

func (p *Pool) takeIdleLocked(labels []string) *models.Runner {
	ids := make([]string, 0, len(p.idle))
	for id := range p.idle {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		if p.idle[id].Satisfies(labels) {
			runner := p.idle[id]
			delete(p.idle, id)

			return runner
		}
	}

	return nil
}

func (p *Pool) satisfiableLocked(labels []string) bool {
	for _, runner := range p.runners {
		if runner.Satisfies(labels) {
			return true
		}
	}

	return false
}

// abandon removes a cancelled waiter from its queue. A runner handed over
// concurrently with the cancellation is put back into circulation.
func (p *Pool) abandon(key string, request *waiter) {
	p.mu.Lock()

	queue := p.queues[key]
	for i, queued := range queue {
		if queued == request {
			p.queues[key] = append(queue[:i], queue[i+1:]...)

			break
		}
	}

	if len(p.queues[key]) == 0 {
		delete(p.queues, key)
	}

	p.mu.Unlock()

	select {
	case runner := <-request.ch:
		p.Release(runner)
	default:
	}
}

func classKey(labels []string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)

	return strings.Join(sorted, ",")
}
