package steps

import (
	"fmt"
	"sort"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
)

type registryKey struct {
	taskKind domain.TaskKind
	stepKind string
}

// Registry is the closed dispatch table from (task kind, step kind) to
// handler. It is populated once at startup and validated for closure: a
// worker never discovers a missing handler at claim time.
type Registry struct {
	handlers map[registryKey]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]HandlerFunc)}
}

// Register binds one handler. Unknown step kinds and duplicates are startup
// errors.
func (r *Registry) Register(stepKind string, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("register %s: nil handler", stepKind)
	}
	if !flow.KnownStepKind(stepKind) {
		return fmt.Errorf("register %s: unknown step kind", stepKind)
	}
	key := registryKey{taskKind: flow.TaskKindOfStep(stepKind), stepKind: stepKind}
	if _, dup := r.handlers[key]; dup {
		return fmt.Errorf("register %s: duplicate handler", stepKind)
	}
	r.handlers[key] = fn
	return nil
}

// Resolve looks up the handler for one claimed job. FULL_INGEST dispatches
// through the family of the step itself, so its grafted steps resolve to the
// same handlers as the standalone flows.
func (r *Registry) Resolve(stepKind string) (HandlerFunc, error) {
	key := registryKey{taskKind: flow.TaskKindOfStep(stepKind), stepKind: stepKind}
	fn, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step %q", stepKind)
	}
	return fn, nil
}

// AssertComplete verifies every dispatchable step kind has a handler. Called
// once at startup, after all Register calls.
func (r *Registry) AssertComplete() error {
	var missing []string
	for _, kind := range flow.DispatchableStepKinds() {
		key := registryKey{taskKind: flow.TaskKindOfStep(kind), stepKind: kind}
		if _, ok := r.handlers[key]; !ok {
			missing = append(missing, kind)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("registry incomplete, missing handlers: %v", missing)
	}
	return nil
}

// Kinds lists the registered step kinds, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		out = append(out, key.stepKind)
	}
	sort.Strings(out)
	return out
}
