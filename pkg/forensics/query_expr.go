package forensics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ErrInvalidExpr is returned when a query expression does not compile or
// does not evaluate to a bool.
var ErrInvalidExpr = errors.New("forensics: invalid query expression")

// exprCache compiles CEL query expressions once and reuses the programs.
// Expressions see a single variable, entry, a map with the keys produced by
// exprInput.
type exprCache struct {
	once     sync.Once
	env      *cel.Env
	envErr   error
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newExprCache() *exprCache {
	return &exprCache{programs: make(map[string]cel.Program)}
}

func (c *exprCache) program(expr string) (cel.Program, error) {
	c.once.Do(func() {
		c.env, c.envErr = cel.NewEnv(
			cel.Variable("entry", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	if c.envErr != nil {
		return nil, fmt.Errorf("cel environment: %w", c.envErr)
	}

	c.mu.RLock()
	prg, hit := c.programs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpr, issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpr, err)
	}
	c.programs[expr] = prg
	return prg, nil
}

func (c *exprCache) match(prg cel.Program, e *Entry) (bool, error) {
	in, err := exprInput(e)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"entry": in})
	if err != nil {
		return false, fmt.Errorf("%w: eval: %v", ErrInvalidExpr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: result is not bool", ErrInvalidExpr)
	}
	return val, nil
}

func exprInput(e *Entry) (map[string]any, error) {
	var data any
	if err := e.DecodeData(&data); err != nil {
		return nil, fmt.Errorf("%w: entry %s data: %v", ErrInvalidExpr, e.ID, err)
	}
	tags := e.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":            e.ID,
		"sequence":      int64(e.Sequence),
		"timestamp":     e.Timestamp.UTC(),
		"unix":          e.Timestamp.Unix(),
		"type":          string(e.Type),
		"severity":      string(e.Severity),
		"severity_rank": int64(e.Severity.Rank()),
		"source":        e.Source,
		"node_id":       e.Metadata.NodeID,
		"session_id":    e.Metadata.SessionID,
		"environment":   e.Metadata.Environment,
		"tags":          tags,
		"data":          data,
	}, nil
}
