package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// Context is everything a step handler sees about its invocation: the input
// it was planned with, the completed outputs of its dependencies, and a
// progress sink. Handlers never touch the queue directly.
type Context struct {
	JobID       string
	TaskID      uuid.UUID
	WorkspaceID uuid.UUID
	TaskKind    domain.TaskKind
	StepKind    string
	Attempt     int

	Input flow.StepInput
	// Upstream holds the completed results of dependency steps, keyed by
	// step kind. Failed or pending dependencies are absent; a handler that
	// reaches execution can rely on its declared deps being here.
	Upstream map[string]flow.StepResult

	Log *logger.Logger

	// Report streams progress in [0,100]; nil when the caller does not
	// collect it.
	Report func(pct float64, message string)
}

// Progress is the nil-safe way for handlers to report.
func (c *Context) Progress(pct float64, message string) {
	if c == nil || c.Report == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	c.Report(pct, message)
}

// BindInput unmarshals the step config into v. A config that does not bind
// is a permanent failure: retrying cannot fix the plan.
func (c *Context) BindInput(v any) error {
	if len(c.Input.Config) == 0 {
		return errs.Permanent(fmt.Errorf("step %s: empty config", c.StepKind))
	}
	if err := json.Unmarshal(c.Input.Config, v); err != nil {
		return errs.Permanent(fmt.Errorf("step %s: bind config: %w", c.StepKind, err))
	}
	return nil
}

// UpstreamOutput decodes the completed output of a dependency step into v.
func (c *Context) UpstreamOutput(stepKind string, v any) error {
	res, ok := c.Upstream[stepKind]
	if !ok || res.Status != flow.StepCompleted {
		return errs.Permanent(fmt.Errorf("step %s: upstream %s not completed", c.StepKind, stepKind))
	}
	if len(res.Output) == 0 {
		return errs.Permanent(fmt.Errorf("step %s: upstream %s has no output", c.StepKind, stepKind))
	}
	if err := json.Unmarshal(res.Output, v); err != nil {
		return errs.Permanent(fmt.Errorf("step %s: decode upstream %s: %w", c.StepKind, stepKind, err))
	}
	return nil
}

// HandlerFunc executes one step and returns its JSON-marshalable output.
// Errors decide retry behavior: errs.Permanent fails the step immediately,
// anything else follows the retry policy.
type HandlerFunc func(ctx context.Context, sc *Context) (any, error)
