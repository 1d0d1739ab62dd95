package flow

import (
	"fmt"

	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
)

// Validate rejects a plan the backend could not execute: unknown kinds or
// queues, dependsOn entries pointing outside the sibling list, cycles,
// missing required steps, non-positive retry policies. Everything it returns
// wraps ErrMalformedPlan.
func Validate(p *Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", errs.ErrMalformedPlan)
	}
	if len(p.Root.Children) == 0 {
		return fmt.Errorf("%w: plan has no steps", errs.ErrMalformedPlan)
	}
	if !KnownQueue(p.Root.Queue) {
		return fmt.Errorf("%w: parent queue %q", errs.ErrMalformedPlan, p.Root.Queue)
	}
	if err := validateSiblings(p.Root.Children); err != nil {
		return err
	}
	return validateRequired(p)
}

func validateSiblings(nodes []Node) error {
	seen := map[string]bool{}
	for _, n := range nodes {
		if n.Kind == "" {
			return fmt.Errorf("%w: node missing kind", errs.ErrMalformedPlan)
		}
		if seen[n.Kind] {
			return fmt.Errorf("%w: duplicate node %q", errs.ErrMalformedPlan, n.Kind)
		}
		seen[n.Kind] = true

		if !KnownQueue(n.Queue) {
			return fmt.Errorf("%w: node %q on unknown queue %q", errs.ErrMalformedPlan, n.Kind, n.Queue)
		}
		if n.Opts.Attempts <= 0 {
			return fmt.Errorf("%w: node %q attempts must be positive", errs.ErrMalformedPlan, n.Kind)
		}
		if n.Opts.Backoff.DelayMs <= 0 {
			return fmt.Errorf("%w: node %q backoff delay must be positive", errs.ErrMalformedPlan, n.Kind)
		}
		if n.IsParent() {
			if err := validateSiblings(n.Children); err != nil {
				return err
			}
		} else if !KnownStepKind(n.Kind) {
			return fmt.Errorf("%w: unknown step kind %q", errs.ErrMalformedPlan, n.Kind)
		}
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.Kind {
				return fmt.Errorf("%w: node %q depends on itself", errs.ErrMalformedPlan, n.Kind)
			}
			if !seen[dep] {
				return fmt.Errorf("%w: node %q depends on %q outside the plan", errs.ErrMalformedPlan, n.Kind, dep)
			}
		}
	}
	return topoCheck(nodes)
}

// topoCheck runs Kahn over one sibling list; leftovers mean a cycle.
func topoCheck(nodes []Node) error {
	deg := map[string]int{}
	out := map[string][]string{}
	for _, n := range nodes {
		deg[n.Kind] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			out[dep] = append(out[dep], n.Kind)
		}
	}
	done := 0
	queue := []string{}
	for _, n := range nodes {
		if deg[n.Kind] == 0 {
			queue = append(queue, n.Kind)
		}
	}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		done++
		for _, next := range out[k] {
			deg[next]--
			if deg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if done != len(nodes) {
		return fmt.Errorf("%w: cycle in dependency graph", errs.ErrMalformedPlan)
	}
	return nil
}

func validateRequired(p *Plan) error {
	def, ok := DefinitionFor(p.TaskKind)
	if !ok {
		return fmt.Errorf("%w: no definition for kind %q", errs.ErrMalformedPlan, p.TaskKind)
	}
	present := map[string]bool{}
	for _, n := range p.Root.Children {
		present[n.Kind] = true
	}
	for _, req := range def.Required {
		if !present[req] {
			return fmt.Errorf("%w: missing required step %q", errs.ErrMalformedPlan, req)
		}
	}
	return nil
}
