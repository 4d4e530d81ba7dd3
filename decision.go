package veil

import "context"

// Decision allows bypassing permission resolution for admin tools and tests.
// Decisions are set at Engine construction time via WithDecision, making
// the bypass explicit and visible in code.
type Decision int

type decisionKey struct{}

const (
	// DecisionUnset means no override - resolve the identity's policies.
	DecisionUnset Decision = iota

	// DecisionAllow compiles every query as if the identity were an
	// administrator: no row filters and no field masks.
	DecisionAllow

	// DecisionDeny rejects every query with a Forbidden error for the
	// root collection.
	DecisionDeny
)

// WithDecisionContext returns a new context with the given decision.
//
// The Engine only consults this value when built with
// WithContextDecision.
func WithDecisionContext(ctx context.Context, decision Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, decision)
}

// GetDecisionContext retrieves the decision from context.
// Returns DecisionUnset if no decision is set.
func GetDecisionContext(ctx context.Context) Decision {
	if decision, ok := ctx.Value(decisionKey{}).(Decision); ok {
		return decision
	}
	return DecisionUnset
}
