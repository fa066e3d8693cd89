package guard

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// gatePolicy is the rego source for the execution gate. The decision is
// an object {allow, reason} where reason names the first failing gate.
const gatePolicy = `
package execution_gate

default decision = {"allow": true, "reason": "ok"}

decision = {"allow": false, "reason": "halted"} {
	input.halted
} else = {"allow": false, "reason": "not_ready"} {
	not input.ready
} else = {"allow": false, "reason": "unconfirmed"} {
	input.mode == "confirmation"
	not input.confirmed
}
`

// PolicyEngine evaluates the execution gate policy.
type PolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEngine compiles and prepares the gate query.
func NewPolicyEngine(ctx context.Context) (*PolicyEngine, error) {
	r := rego.New(
		rego.Query("data.execution_gate.decision"),
		rego.Module("execution_gate.rego", gatePolicy),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &PolicyEngine{query: query}, nil
}

// Evaluate runs the gate against the given input and returns the allow
// flag with the reason code.
func (p *PolicyEngine) Evaluate(ctx context.Context, in GateInput) (bool, string, error) {
	input := map[string]interface{}{
		"halted":    in.Halted,
		"ready":     in.Ready,
		"mode":      in.Mode,
		"confirmed": in.Confirmed,
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "unavailable", nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "unavailable", nil
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return allow, reason, nil
}
