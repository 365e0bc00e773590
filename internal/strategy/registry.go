package strategy

import (
	"fmt"
	"sort"
	"sync"

	"execution-core/internal/indicators"
)

// Strategy turns closed bars into actions. Implementations are pure with
// respect to the frame: the same frame always yields the same actions.
type Strategy interface {
	Name() string
	Warmup() int
	Indicators() []indicators.Spec
	OnBarClose(f *Frame) ([]Action, error)
}

// Builder constructs a strategy from a validated document.
type Builder func(spec *Spec) (Strategy, error)

var (
	registryMu sync.RWMutex
	builders   = make(map[string]Builder)
)

// Register installs a builder for a strategy type. Called from init funcs;
// duplicate registration is a programming error and panics at startup.
func Register(typ string, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := builders[typ]; dup {
		panic(fmt.Sprintf("strategy type %q registered twice", typ))
	}
	builders[typ] = b
}

// Build validates the document and constructs the strategy for its type.
// Unknown types fail here, at load time, never during a run.
func Build(spec *Spec) (Strategy, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	registryMu.RLock()
	b, ok := builders[spec.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q (registered: %v)", spec.Type, Types())
	}
	return b(spec)
}

// Types lists the registered strategy types in sorted order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(builders))
	for t := range builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
