package retention

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/ipcd/internal/driver"
)

// Action is what happens to a retired log file.
type Action int

const (
	ActionDelete Action = iota
	ActionArchive
	ActionKeep
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionArchive:
		return "archive"
	case ActionKeep:
		return "keep"
	default:
		return "unknown"
	}
}

// ParseAction maps an action name to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delete":
		return ActionDelete, nil
	case "archive":
		return ActionArchive, nil
	case "keep":
		return ActionKeep, nil
	default:
		return ActionDelete, fmt.Errorf("%w: unknown action %q", ErrInvalidPolicy, s)
	}
}

// ErrInvalidPolicy is returned for expressions that do not compile or do not
// yield a string or bool.
var ErrInvalidPolicy = errors.New("retention: invalid policy")

// Policy is a compiled CEL expression deciding the Action for a retired log.
// A string result names the action; a bool result means archive (true) or
// delete (false).
//
// Variables: registration_id, session_id, stream_id, route, channel,
// term_length, term_count, length (bytes written), lifetime_ms.
type Policy struct {
	expr string
	prog cel.Program
}

// Compile builds a policy. An empty expression deletes every log.
func Compile(expr string) (*Policy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = `"delete"`
	}
	env, err := cel.NewEnv(
		cel.Variable("registration_id", cel.IntType),
		cel.Variable("session_id", cel.IntType),
		cel.Variable("stream_id", cel.IntType),
		cel.Variable("route", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("term_length", cel.IntType),
		cel.Variable("term_count", cel.IntType),
		cel.Variable("length", cel.IntType),
		cel.Variable("lifetime_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.StringType) && !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q yields %s, want string or bool", ErrInvalidPolicy, expr, out)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return &Policy{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (p *Policy) String() string { return p.expr }

// Decide evaluates the policy for r.
func (p *Policy) Decide(r driver.RetiredLog) (Action, error) {
	out, _, err := p.prog.Eval(map[string]any{
		"registration_id": r.RegistrationID,
		"session_id":      int64(r.SessionID),
		"stream_id":       int64(r.StreamID),
		"route":           r.Route,
		"channel":         r.Channel,
		"term_length":     int64(r.TermLength),
		"term_count":      int64(r.TermCount),
		"length":          r.ProducerPosition,
		"lifetime_ms":     r.Deleted.Sub(r.Created).Milliseconds(),
	})
	if err != nil {
		return ActionDelete, fmt.Errorf("retention: eval %q: %w", p.expr, err)
	}
	switch v := out.Value().(type) {
	case bool:
		if v {
			return ActionArchive, nil
		}
		return ActionDelete, nil
	case string:
		return ParseAction(v)
	default:
		return ActionDelete, fmt.Errorf("retention: %q returned %T", p.expr, v)
	}
}
