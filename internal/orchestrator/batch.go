// Package orchestrator composes engine invocations into the batch and
// roundtable primitives.
package orchestrator

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
)

// Task is one batch entry.
type Task struct {
	Name            string `json:"name"`
	Role            string `json:"role"`
	Prompt          string `json:"prompt"`
	ForceNewSession bool   `json:"force_new_session,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	TimeoutSecs     int    `json:"timeout_secs,omitempty"`
	Contract        string `json:"contract,omitempty"`
	ValidatePatch   bool   `json:"validate_patch,omitempty"`
}

// BatchRequest fans a list of tasks out concurrently.
type BatchRequest struct {
	CD             string `json:"cd"`
	Client         string `json:"client,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Tasks          []Task `json:"tasks"`
}

// TaskResult pairs a task name with its invocation result.
type TaskResult struct {
	Name string `json:"name"`
	engine.CallResult
}

// BatchResult mirrors the input order; Success is the conjunction.
type BatchResult struct {
	Success bool         `json:"success"`
	Results []TaskResult `json:"results"`
}

// Orchestrator runs batches and roundtables over the engine.
type Orchestrator struct {
	engine   *engine.Engine
	notifier events.Notifier
	logger   *logger.Logger
}

// New creates an orchestrator. notifier may be nil.
func New(eng *engine.Engine, notifier events.Notifier, log *logger.Logger) *Orchestrator {
	if notifier == nil {
		notifier = events.NotifierFunc(func(events.Event) {})
	}
	return &Orchestrator{
		engine:   eng,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Batch runs all tasks concurrently. Tasks targeting the same scope
// serialize on the coordinator's per-scope lock; partial failures never
// abort siblings.
func (o *Orchestrator) Batch(ctx context.Context, req BatchRequest) BatchResult {
	results := make([]TaskResult, len(req.Tasks))

	var g errgroup.Group
	for i, task := range req.Tasks {
		i, task := i, task
		g.Go(func() error {
			o.notifier.Notify(events.Event{Type: "task.started", Name: task.Name, Role: task.Role})

			res := o.engine.Call(ctx, engine.CallRequest{
				Prompt:          task.Prompt,
				CD:              req.CD,
				Role:            task.Role,
				Client:          req.Client,
				ConversationID:  req.ConversationID,
				SessionID:       task.SessionID,
				ForceNewSession: task.ForceNewSession,
				TimeoutSecs:     task.TimeoutSecs,
				Contract:        task.Contract,
				ValidatePatch:   task.ValidatePatch,
			})
			results[i] = TaskResult{Name: task.Name, CallResult: res}

			status := "ok"
			if !res.Success {
				status = "error"
			}
			o.notifier.Notify(events.Event{Type: "task.completed", Name: task.Name, Role: task.Role, Status: status})
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResult{Success: true, Results: results}
	for i := range results {
		if results[i].Error == nil && !results[i].Success {
			// A task that never ran (empty name/role validation upstream)
			// still counts as failed.
			results[i].Error = errors.ConfigInvalid("task did not produce a result")
		}
		if !results[i].Success {
			out.Success = false
		}
	}
	return out
}
