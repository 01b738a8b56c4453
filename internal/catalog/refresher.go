// Package catalog asks the downstream query catalog to pick up newly written
// partitions.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/servicerequestflow/internal/columnar"
	"github.com/googleapis/gax-go/v2"
)

// Refresher registers written partitions with the catalog.
type Refresher interface {
	Refresh(ctx context.Context, partitions []columnar.Partition) error
}

// Noop is used when no catalog workflow is configured.
type Noop struct{}

func (Noop) Refresh(context.Context, []columnar.Partition) error { return nil }

type executionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowRefresher starts a Cloud Workflows execution per refresh and returns
// as soon as the execution has been accepted.
type WorkflowRefresher struct {
	client   executionCreator
	workflow string
	prefix   string
}

// NewWorkflowRefresher creates a refresher for the fully qualified workflow
// name. prefix is the dataset root the partitions live under, e.g.
// "gs://bucket/processed".
func NewWorkflowRefresher(client executionCreator, workflow, prefix string) *WorkflowRefresher {
	return &WorkflowRefresher{client: client, workflow: workflow, prefix: prefix}
}

type partitionArg struct {
	Year     string `json:"year"`
	Month    string `json:"month"`
	Location string `json:"location"`
	Object   string `json:"object"`
}

type refreshArgs struct {
	Dataset    string         `json:"dataset"`
	Partitions []partitionArg `json:"partitions"`
}

func (r *WorkflowRefresher) Refresh(ctx context.Context, partitions []columnar.Partition) error {
	if len(partitions) == 0 {
		return nil
	}

	args := refreshArgs{Dataset: r.prefix}
	seen := make(map[string]bool)
	for _, p := range partitions {
		loc := fmt.Sprintf("%s/year=%d/month=%02d/", r.prefix, p.Year, p.Month)
		if seen[loc] {
			continue
		}
		seen[loc] = true
		args.Partitions = append(args.Partitions, partitionArg{
			Year:     fmt.Sprintf("%d", p.Year),
			Month:    fmt.Sprintf("%02d", p.Month),
			Location: loc,
			Object:   p.Key,
		})
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}

	logCtx := slog.With("workflow", r.workflow, "partitions", len(args.Partitions))
	logCtx.Info("Triggering catalog refresh workflow.")
	exec, err := r.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    r.workflow,
		Execution: &executionspb.Execution{Argument: string(payload)},
	})
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	logCtx.Info("Catalog refresh workflow started.", "execution", exec.GetName())
	return nil
}
