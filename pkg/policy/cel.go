package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// guardInput is the variable set exposed to transition-rule guards.
type guardInput struct {
	Scope      string
	From       string
	To         string
	DriftLevel string
	DriftTypes []string
}

// guardCache compiles CEL guard expressions once and reuses the
// programs across evaluations.
type guardCache struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	envErr   error
	once     sync.Once
}

func newGuardCache() *guardCache {
	return &guardCache{programs: make(map[string]cel.Program)}
}

func (g *guardCache) initEnv() {
	g.once.Do(func() {
		g.env, g.envErr = cel.NewEnv(
			cel.VariableDecls(
				decls.NewVariable("scope", types.StringType),
				decls.NewVariable("from", types.StringType),
				decls.NewVariable("to", types.StringType),
				decls.NewVariable("drift_level", types.StringType),
				decls.NewVariable("drift_types", types.NewListType(types.StringType)),
			),
		)
	})
}

func (g *guardCache) program(src string) (cel.Program, error) {
	g.initEnv()
	if g.envErr != nil {
		return nil, fmt.Errorf("policy: cel env: %w", g.envErr)
	}
	g.mu.RLock()
	prg, ok := g.programs[src]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}
	ast, issues := g.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile guard: %w", issues.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: build guard program: %w", err)
	}
	g.mu.Lock()
	g.programs[src] = prg
	g.mu.Unlock()
	return prg, nil
}

// eval runs a guard expression; it fires (blocks) when the expression
// evaluates to true.
func (g *guardCache) eval(src string, in guardInput) (bool, error) {
	prg, err := g.program(src)
	if err != nil {
		return false, err
	}
	driftTypes := in.DriftTypes
	if driftTypes == nil {
		driftTypes = []string{}
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"scope":       in.Scope,
		"from":        in.From,
		"to":          in.To,
		"drift_level": in.DriftLevel,
		"drift_types": driftTypes,
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval guard: %w", err)
	}
	fired, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: guard returned %T, want bool", out.Value())
	}
	return fired, nil
}
