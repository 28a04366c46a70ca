package expressions

import "context"

// Engine evaluates expressions against context data. Three implementations:
// Expr (the default condition engine), CEL, and GoJQ (also the query surface).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
