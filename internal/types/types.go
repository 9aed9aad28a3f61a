// Package types provides domain models shared across serverrules components.
//
// Rule definitions are plain data read from a rule source (database or rule
// files). Compiled artifacts live in internal/actions and internal/rules; this
// package holds only what crosses the source/engine boundary.
package types

import "encoding/json"

// RuleID represents a UUIDv7 rule identifier.
// String alias enables type safety while maintaining JSON string serialization.
type RuleID string

// ExecutionID identifies one engine execution recorded in the audit trail.
type ExecutionID string

// RuleType classifies rules that are evaluated together and share an
// action vocabulary (e.g. AutoRoute, StudyDelete).
type RuleType string

// ApplyTime names the pipeline stage at which a rule is eligible to run.
type ApplyTime string

// PartitionKey identifies the server partition that owns a rule.
type PartitionKey string

// Well-known rule types. Sources may carry others; an operator registered
// without applicability is usable by any of them.
const (
	RuleTypeAutoRoute       RuleType = "AutoRoute"
	RuleTypeStudyDelete     RuleType = "StudyDelete"
	RuleTypeTier1Retention  RuleType = "Tier1Retention"
	RuleTypeOnlineRetention RuleType = "OnlineRetention"
	RuleTypeStudyCompress   RuleType = "StudyCompress"
	RuleTypeSopCompress     RuleType = "SopCompress"
	RuleTypeDataAccess      RuleType = "DataAccess"
)

// Well-known apply times.
const (
	ApplyTimeSopReceived     ApplyTime = "SopReceived"
	ApplyTimeSopProcessed    ApplyTime = "SopProcessed"
	ApplyTimeSeriesProcessed ApplyTime = "SeriesProcessed"
	ApplyTimeStudyProcessed  ApplyTime = "StudyProcessed"
	ApplyTimeStudyArchived   ApplyTime = "StudyArchived"
	ApplyTimeStudyRestored   ApplyTime = "StudyRestored"
)

// Payload represents the JSON document describing the subject a rule runs against.
// json.RawMessage wrapper preserves original bytes for schema-agnostic storage.
type Payload json.RawMessage

// MarshalJSON implements json.Marshaler.
// Delegates to json.RawMessage to preserve original payload bytes unchanged.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
// Delegates to json.RawMessage to capture raw bytes without parsing.
func (p *Payload) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(p).UnmarshalJSON(data)
}

// Resource limits enforced while compiling and evaluating rules.
const (
	// MaxPayloadSize limits a subject payload to bound memory per execution.
	MaxPayloadSize = 1024 * 1024

	// MaxRuleSize bounds the raw XML of one rule definition.
	MaxRuleSize = 256 * 1024

	// MaxElementDepth prevents unbounded recursion when parsing or compiling
	// nested rule bodies (group actions, nested conditions).
	MaxElementDepth = 32

	// MaxPathDepth prevents stack overflow during recursive path resolution.
	MaxPathDepth = 16

	// MaxNestedWildcards limits wildcard expansion to prevent combinatorial explosion.
	MaxNestedWildcards = 2
)
