// Package seed loads workflow definitions from a YAML file into the store.
package seed

import (
	"context"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/blingmoon/flowrun/workflow"
)

// File is the on-disk seed format.
//
//	workflows:
//	  - id: hello
//	    name: Hello
//	    owner: u1
//	    nodes:
//	      - {id: greet, type: text, config: {content: hi}}
type File struct {
	Workflows []*workflow.CreateWorkflowReq `yaml:"workflows"`
}

// WorkflowCreator is the subset of workflow.RunService used for seeding.
type WorkflowCreator interface {
	CreateWorkflow(ctx context.Context, req *workflow.CreateWorkflowReq) (*workflow.Workflow, error)
}

// Parse decodes a seed file.
func Parse(input []byte) (*File, error) {
	file := &File{}
	if err := yaml.Unmarshal(input, file); err != nil {
		return nil, errors.WithMessage(err, "decode seed file")
	}
	for i, wf := range file.Workflows {
		if wf == nil {
			return nil, errors.Errorf("workflow #%d is empty", i)
		}
	}
	return file, nil
}

// Load reads and decodes the seed file at path.
func Load(path string) (*File, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read seed file %s", path)
	}
	return Parse(input)
}

// Apply creates every workflow in file. Workflows whose id already exists are
// skipped so the same file can be applied repeatedly. It returns the number
// of workflows created.
func Apply(ctx context.Context, creator WorkflowCreator, file *File, logger *slog.Logger) (int, error) {
	created := 0
	for _, req := range file.Workflows {
		wf, err := creator.CreateWorkflow(ctx, req)
		if errors.Is(err, workflow.ErrWorkflowAlreadyExists) {
			logger.InfoContext(ctx, "workflow already exists, skip", slog.String("workflow_id", req.ID))
			continue
		}
		if err != nil {
			return created, errors.WithMessagef(err, "create workflow %q", req.Name)
		}
		created++
		logger.InfoContext(ctx, "workflow created",
			slog.String("workflow_id", wf.ID),
			slog.String("name", wf.Name),
			slog.Int("nodes", len(wf.Nodes)),
		)
	}
	return created, nil
}
