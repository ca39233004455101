// Package types provides domain models shared across RuleKeeper components.
//
// Declarations (rules, events, condition shapes) and the error taxonomy live
// here so that the rule engine, the rule-set loader, the decision log and
// the gRPC service agree on one vocabulary without importing each other.
package types

// RunID identifies one engine run in the decision log (UUIDv7).
type RunID string

// Outcome partitions events and results into success and failure.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Resource limits enforced on externally supplied input.
const (
	// MaxConditionDepth bounds recursion when building condition trees from
	// untrusted declarations.
	MaxConditionDepth = 64

	// MaxRunFacts bounds the number of runtime facts accepted per request.
	MaxRunFacts = 1024
)
