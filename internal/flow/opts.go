package flow

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed flow_opts.yaml
var defaultOptsYAML []byte

// optsFile is the on-disk shape of the step-option registry. The embedded
// copy carries the engine defaults; FLOW_OPTS_FILE points at an operator
// override merged on top.
type optsFile struct {
	Default optsEntry            `yaml:"default"`
	Steps   map[string]optsEntry `yaml:"steps"`
}

type optsEntry struct {
	Attempts       int   `yaml:"attempts"`
	BackoffDelayMs int64 `yaml:"backoffDelayMs"`
}

// OptsRegistry is the single place step retry policies come from. The
// builder asks it per step kind; everything without an override gets the
// default policy.
type OptsRegistry struct {
	def   StepOpts
	steps map[string]StepOpts
}

// LoadOpts parses the embedded registry and, when FLOW_OPTS_FILE is set,
// merges the named file's entries over it.
func LoadOpts() (*OptsRegistry, error) {
	reg, err := parseOpts(defaultOptsYAML)
	if err != nil {
		return nil, fmt.Errorf("embedded flow opts: %w", err)
	}
	if path := os.Getenv("FLOW_OPTS_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read FLOW_OPTS_FILE: %w", err)
		}
		override, err := parseOpts(raw)
		if err != nil {
			return nil, fmt.Errorf("parse FLOW_OPTS_FILE: %w", err)
		}
		if override.def.Attempts > 0 {
			reg.def = override.def
		}
		for k, v := range override.steps {
			reg.steps[k] = v
		}
	}
	return reg, nil
}

func parseOpts(raw []byte) (*OptsRegistry, error) {
	var f optsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	reg := &OptsRegistry{steps: map[string]StepOpts{}}
	if f.Default.Attempts > 0 && f.Default.BackoffDelayMs > 0 {
		reg.def = StepOpts{
			Attempts: f.Default.Attempts,
			Backoff:  Backoff{Type: BackoffExponential, DelayMs: f.Default.BackoffDelayMs},
		}
	}
	for kind, e := range f.Steps {
		if !KnownStepKind(kind) {
			return nil, fmt.Errorf("flow opts name unknown step kind %q", kind)
		}
		opts := reg.def
		if e.Attempts > 0 {
			opts.Attempts = e.Attempts
		}
		if e.BackoffDelayMs > 0 {
			opts.Backoff = Backoff{Type: BackoffExponential, DelayMs: e.BackoffDelayMs}
		}
		reg.steps[kind] = opts
	}
	return reg, nil
}

// For returns the retry policy for one step kind.
func (r *OptsRegistry) For(stepKind string) StepOpts {
	if o, ok := r.steps[stepKind]; ok {
		return o
	}
	return r.def
}

// Default returns the fallback policy, used for parent and subflow nodes.
func (r *OptsRegistry) Default() StepOpts {
	return r.def
}
