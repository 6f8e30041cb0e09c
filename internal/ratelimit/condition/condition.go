// Package condition compiles and evaluates the CEL expressions that
// narrow custom rate limit rules to a subset of requests.
//
// An expression sees a single variable, request, with the keys method,
// path, host, ip, user and headers (lower-cased names, first value).
// It must evaluate to a bool:
//
//	request.method == "POST" && request.headers["x-workspace-id"] != ""
package condition

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func environment() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
			cel.Function("ip_in_range",
				cel.Overload("ip_in_range_string_string",
					[]*cel.Type{cel.StringType, cel.StringType},
					cel.BoolType,
					cel.BinaryBinding(ipInRange),
				),
			),
		)
	})
	return env, envErr
}

func ipInRange(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}
	parsed := net.ParseIP(ipStr)
	_, network, err := net.ParseCIDR(cidrStr)
	if parsed == nil || err != nil {
		return types.False
	}
	return types.Bool(network.Contains(parsed))
}

// Condition is a compiled expression, safe for concurrent use.
type Condition struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. The expression must yield a bool.
func Compile(expr string) (*Condition, error) {
	e, err := environment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	program, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", expr, err)
	}
	return &Condition{expr: expr, program: program}, nil
}

// String returns the source expression.
func (c *Condition) String() string {
	return c.expr
}

// Input is the request view an expression is evaluated against.
type Input struct {
	Method  string
	Path    string
	Host    string
	IP      string
	User    string
	Headers http.Header
}

// Match evaluates the condition. Evaluation errors and non-bool results
// count as no match.
func (c *Condition) Match(in Input) (bool, error) {
	headers := make(map[string]any, len(in.Headers))
	for name, values := range in.Headers {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	out, _, err := c.program.Eval(map[string]any{
		"request": map[string]any{
			"method":  in.Method,
			"path":    in.Path,
			"host":    in.Host,
			"ip":      in.IP,
			"user":    in.User,
			"headers": headers,
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", c.expr, err)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}
