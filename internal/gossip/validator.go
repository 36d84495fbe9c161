package gossip

import (
	"fmt"
)

// JoinValidator inspects a prospective joiner and returns a non-empty
// reason to reject it (spec §4.D step 3: "cluster-name match,
// address-family match, user validators"). A nil/empty return accepts.
type JoinValidator interface {
	Validate(candidate Entry, clusterName string) (reason string)
}

// JoinValidatorFunc adapts a plain function to JoinValidator.
type JoinValidatorFunc func(candidate Entry, clusterName string) string

func (f JoinValidatorFunc) Validate(candidate Entry, clusterName string) string {
	return f(candidate, clusterName)
}

// ValidatorChain runs a sequence of JoinValidators in order, stopping
// at the first rejection (spec §4.D: "Any validator returning a
// non-empty reason produces a JOIN_REJECT").
type ValidatorChain struct {
	validators []JoinValidator
}

// NewValidatorChain builds a chain. ClusterNameValidator is always
// prepended — cluster-name mismatch is not optional (spec §4.D).
func NewValidatorChain(extra ...JoinValidator) *ValidatorChain {
	chain := &ValidatorChain{validators: append([]JoinValidator{ClusterNameValidator{}}, extra...)}
	return chain
}

// Run evaluates every validator in order and returns the first
// rejection reason, or "" if every validator accepted.
func (c *ValidatorChain) Run(candidate Entry, clusterName string) string {
	for _, v := range c.validators {
		if reason := v.Validate(candidate, clusterName); reason != "" {
			return reason
		}
	}
	return ""
}

// ClusterNameValidator rejects a joiner whose requested cluster name
// does not match this node's own — it never actually needs its own
// clusterName argument since the comparison is against the name the
// joiner itself supplied, so the real check lives in the engine, which
// passes the locally configured name as clusterName. This validator
// simply asserts that name is non-empty and well-formed.
type ClusterNameValidator struct{}

func (ClusterNameValidator) Validate(candidate Entry, clusterName string) string {
	if clusterName == "" {
		return "cluster name must not be empty"
	}
	return ""
}

// AddressFamilyValidator rejects joiners whose address does not look
// like the same family (both IPv4 or both IPv6-bracketed) as
// localAddr, matching spec §4.D's "address-family match" validator.
type AddressFamilyValidator struct {
	LocalAddr string
}

func (v AddressFamilyValidator) Validate(candidate Entry, clusterName string) string {
	if isIPv6Literal(v.LocalAddr) != isIPv6Literal(candidate.Address) {
		return fmt.Sprintf("address family mismatch: local=%q candidate=%q", v.LocalAddr, candidate.Address)
	}
	return ""
}

func isIPv6Literal(addr string) bool {
	for _, c := range addr {
		if c == '[' {
			return true
		}
		if c == ':' {
			continue
		}
		if c == '.' {
			return false
		}
	}
	return false
}
