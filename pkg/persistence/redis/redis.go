// Package redis provides Redis-backed persistence. Documents are JSON
// payloads stored in one hash per collection.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const (
	workflowsKey = "crank:workflows"
	runsKey      = "crank:runs"
)

// Persistence implements persistence.Persistence on a Redis instance.
type Persistence struct {
	client *redis.Client
}

func NewPersistence(url string) (*Persistence, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &Persistence{client: redis.NewClient(options)}, nil
}

func (p *Persistence) Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	payloads, err := p.client.HGetAll(ctx, workflowsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	workflows := make([]*models.WorkflowDefinition, 0, len(payloads))

	for id, payload := range payloads {
		workflow := &models.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(payload), workflow); err != nil {
			return nil, persistence.NewWorkflowError("Workflows", id, err)
		}

		workflows = append(workflows, workflow)
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })

	return workflows, nil
}

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	payload, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	if err := p.client.HSet(ctx, workflowsKey, workflow.ID, payload).Err(); err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	payload, err := p.client.HGet(ctx, workflowsKey, id).Result()
	if err == redis.Nil {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	workflow := &models.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(payload), workflow); err != nil {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	return workflow, nil
}

func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	removed, err := p.client.HDel(ctx, workflowsKey, id).Result()
	if err != nil {
		return persistence.NewWorkflowError("DeleteWorkflow", id, err)
	}

	if removed == 0 {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (p *Persistence) Runs(ctx context.Context) ([]*models.Run, error) {
	payloads, err := p.client.HGetAll(ctx, runsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]*models.Run, 0, len(payloads))

	for id, payload := range payloads {
		run := &models.Run{}
		if err := json.Unmarshal([]byte(payload), run); err != nil {
			return nil, persistence.NewRunError("Runs", id, err)
		}

		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	return runs, nil
}

func (p *Persistence) SaveRun(ctx context.Context, run *models.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	if err := p.client.HSet(ctx, runsKey, run.ID, payload).Err(); err != nil {
		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	return nil
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	payload, err := p.client.HGet(ctx, runsKey, id).Result()
	if err == redis.Nil {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	run := &models.Run{}
	if err := json.Unmarshal([]byte(payload), run); err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	return run, nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}
