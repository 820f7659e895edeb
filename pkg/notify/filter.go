// pkg/notify/filter.go

package notify

import (
	"context"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

type filtered struct {
	Sink
	expr string
	prog cel.Program
}

// Filtered gates sink with a CEL expression over the event. The expression
// sees kind, faces, focus, ts_ms and relative_ms. An empty expression
// returns sink unchanged.
func Filtered(sink Sink, expr string) (Sink, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return sink, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("faces", cel.IntType),
		cel.Variable("focus", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("relative_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("filter %q must be a bool expression, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &filtered{Sink: sink, expr: expr, prog: prog}, nil
}

func (f *filtered) match(ev Event) bool {
	out, _, err := f.prog.Eval(map[string]any{
		"kind":        string(ev.Kind),
		"faces":       int64(ev.Count()),
		"focus":       string(ev.Focus),
		"ts_ms":       ev.Time.UnixMilli(),
		"relative_ms": ev.Relative.Milliseconds(),
	})
	if err != nil {
		logger.Debugf("Filter %q on %s: %s", f.expr, ev, err)
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *filtered) Handle(ctx context.Context, ev Event) error {
	if !f.match(ev) {
		return nil
	}
	return f.Sink.Handle(ctx, ev)
}
