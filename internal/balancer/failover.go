package balancer

import "github.com/hekate-io/hekate/internal/nodeid"

// Decision is what a FailoverPolicy returns for a failed send (spec
// §4.G: "retry on same node, retry on another node ... or fail").
type Decision int

const (
	DecisionFail Decision = iota
	DecisionRetrySameNode
	DecisionRetryOtherNode
)

func (d Decision) String() string {
	switch d {
	case DecisionRetrySameNode:
		return "RETRY_SAME_NODE"
	case DecisionRetryOtherNode:
		return "RETRY_OTHER_NODE"
	default:
		return "FAIL"
	}
}

// FailureInfo is handed to a FailoverPolicy after a send fails (spec
// §4.G: "FailureInfo{cause, attempt, lastNode, routing}").
type FailureInfo struct {
	Cause    error
	Attempt  int
	LastNode nodeid.ID
	Routing  RoutingContext
}

// FailoverPolicy decides what to do with a failed send.
type FailoverPolicy interface {
	Decide(info FailureInfo) Decision
}

// FailoverPolicyFunc adapts a plain function to FailoverPolicy.
type FailoverPolicyFunc func(info FailureInfo) Decision

func (f FailoverPolicyFunc) Decide(info FailureInfo) Decision { return f(info) }

// FailoverCondition gates when a policy applies at all (spec §4.G:
// "gates when the policy is applied, e.g. only for transient errors").
// A condition returning false short-circuits straight to DecisionFail
// without consulting the wrapped policy.
type FailoverCondition func(info FailureInfo) bool

// Conditional wraps a policy so it only runs when Condition holds.
type Conditional struct {
	Condition FailoverCondition
	Policy    FailoverPolicy
}

func (c Conditional) Decide(info FailureInfo) Decision {
	if c.Condition != nil && !c.Condition(info) {
		return DecisionFail
	}
	return c.Policy.Decide(info)
}

// RetryOtherNodeUpTo retries on a different node up to MaxAttempts
// times (1-indexed against FailureInfo.Attempt), then gives up — the
// default policy a channel uses when none is configured.
type RetryOtherNodeUpTo struct {
	MaxAttempts int
}

func (p RetryOtherNodeUpTo) Decide(info FailureInfo) Decision {
	if info.Attempt >= p.MaxAttempts {
		return DecisionFail
	}
	return DecisionRetryOtherNode
}
