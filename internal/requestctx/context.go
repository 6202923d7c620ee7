// Package requestctx carries request-scoped values set by middleware.
package requestctx

import "context"

type contextKey struct{}

var operatorKey = &contextKey{}

// SetOperator stores the authenticated operator in the context.
func SetOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// Operator returns the authenticated operator, or "" if not set.
func Operator(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}
