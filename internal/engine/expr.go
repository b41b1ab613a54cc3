package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

// DefaultMaxNodes bounds the size of a compiled expression tree.
const DefaultMaxNodes = 10000

// builtins kept from expr's own function set; everything else is disabled.
var builtins = []string{"abs", "ceil", "floor", "round", "max", "min"}

var unary = map[string]func(float64) float64{
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"sinh":  math.Sinh,
	"cosh":  math.Cosh,
	"tanh":  math.Tanh,
	"exp":   math.Exp,
	"log":   math.Log,
	"ln":    math.Log,
	"log10": math.Log10,
	"log2":  math.Log2,
	"sqrt":  math.Sqrt,
	"cbrt":  math.Cbrt,
}

var binary = map[string]func(float64, float64) float64{
	"pow":   math.Pow,
	"atan2": math.Atan2,
	"hypot": math.Hypot,
}

// x is the free variable and always evaluates to 0.
var constants = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
	"x":  0.0,
}

// modFunc implements the % operator on floats.
const modFunc = "mod"

// ExprEngine evaluates expressions with github.com/expr-lang/expr.
type ExprEngine struct {
	maxNodes uint
	options  []expr.Option
}

// ExprOption configures an ExprEngine.
type ExprOption func(*ExprEngine)

// WithMaxNodes limits the number of nodes in a compiled expression.
func WithMaxNodes(n uint) ExprOption {
	return func(e *ExprEngine) {
		if n > 0 {
			e.maxNodes = n
		}
	}
}

// NewExpr creates an engine with the calculator function table.
func NewExpr(opts ...ExprOption) *ExprEngine {
	e := &ExprEngine{maxNodes: DefaultMaxNodes}
	for _, opt := range opts {
		opt(e)
	}

	options := []expr.Option{
		expr.Env(constants),
		expr.AsFloat64(),
		expr.MaxNodes(e.maxNodes),
		expr.DisableAllBuiltins(),
		expr.Patch(floatLiterals{}),
		expr.Function(modFunc, binaryFunc(modFunc, math.Mod), new(func(float64, float64) float64)),
		expr.Operator("%", modFunc),
	}
	for _, name := range builtins {
		options = append(options, expr.EnableBuiltin(name))
	}
	for name, fn := range unary {
		options = append(options, expr.Function(name, unaryFunc(name, fn), new(func(float64) float64)))
	}
	for name, fn := range binary {
		options = append(options, expr.Function(name, binaryFunc(name, fn), new(func(float64, float64) float64)))
	}
	e.options = options
	return e
}

type program struct {
	mu     sync.Mutex
	source string
	prog   *vm.Program
}

func (p *program) Source() string { return p.source }

func (p *program) compiled() *vm.Program {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prog
}

// Create compiles the expression.
func (e *ExprEngine) Create(expression string) (Handle, error) {
	prog, err := expr.Compile(widenLiterals(expression), e.options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return &program{source: expression, prog: prog}, nil
}

// Evaluate runs a compiled expression. It gives up with ErrTimeout when ctx
// ends first; the abandoned run finishes in the background.
func (e *ExprEngine) Evaluate(ctx context.Context, h Handle) (float64, error) {
	p, ok := h.(*program)
	if !ok || p == nil {
		return 0, fmt.Errorf("%w: foreign handle %T", ErrEvaluation, h)
	}
	prog := p.compiled()
	if prog == nil {
		return 0, ErrReleased
	}

	type result struct {
		value float64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := run(prog)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Destroy drops the compiled program.
func (e *ExprEngine) Destroy(h Handle) {
	if p, ok := h.(*program); ok && p != nil {
		p.mu.Lock()
		p.prog = nil
		p.mu.Unlock()
	}
}

// floatLiterals turns integer literals into floats so that all arithmetic
// is done in float64 and overflow ends in ±Inf instead of wrapping.
type floatLiterals struct{}

func (floatLiterals) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.IntegerNode); ok {
		ast.Patch(node, &ast.FloatNode{Value: float64(n.Value)})
	}
}

// widenLiterals marks decimal integer literals that do not fit in int64 as
// floats, which the parser would otherwise reject. Identifiers and quoted
// strings are copied unchanged.
func widenLiterals(src string) string {
	var b strings.Builder
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '"' || c == '\'' || c == '`':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' && c != '`' {
					j++
				}
				j++
			}
			if j < len(src) {
				j++
			}
			b.WriteString(src[i:min(j, len(src))])
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && (isIdentStart(src[j]) || isDigit(src[j])) {
				j++
			}
			b.WriteString(src[i:j])
			i = j
		case isDigit(c):
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '_') {
				j++
			}
			literal := src[i:j]
			b.WriteString(literal)
			next := byte(0)
			if j < len(src) {
				next = src[j]
			}
			if next != '.' && next != 'e' && next != 'E' && next != 'x' && next != 'X' && overflowsInt(literal) {
				b.WriteString(".0")
			}
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func overflowsInt(literal string) bool {
	_, err := strconv.ParseInt(strings.ReplaceAll(literal, "_", ""), 10, 64)
	return errors.Is(err, strconv.ErrRange)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func run(prog *vm.Program) (float64, error) {
	out, err := expr.Run(prog, constants)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	v, err := toFloat(out)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	return classify(v)
}

func classify(v float64) (float64, error) {
	switch {
	case math.IsNaN(v):
		return 0, ErrDomain
	case math.IsInf(v, 0):
		return 0, ErrRange
	}
	return v, nil
}

func unaryFunc(name string, fn func(float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s expects 1 argument, got %d", name, len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return fn(x), nil
	}
}

func binaryFunc(name string, fn func(float64, float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("%s expects 2 arguments, got %d", name, len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		y, err := toFloat(params[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return fn(x, y), nil
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
