package types

/*
 * Rule definitions as read from a rule source.
 *
 * A definition is immutable once read. The engine compiles Body into a
 * condition and an action set; everything else is metadata used for
 * filtering (Enabled, ApplyTime, Partition, Type) or surfaced to callers
 * (Name, Description, IsDefault, IsExempt).
 */

// RuleDefinition is one raw rule as supplied by a rule source.
type RuleDefinition struct {
	RuleID      RuleID       `db:"rule_id" yaml:"id"`
	Name        string       `db:"name" yaml:"name"`
	Description string       `db:"description" yaml:"description"`
	Type        RuleType     `db:"rule_type" yaml:"type"`
	ApplyTime   ApplyTime    `db:"apply_time" yaml:"apply_time"`
	Partition   PartitionKey `db:"partition_key" yaml:"partition"`
	Enabled     bool         `db:"enabled" yaml:"enabled"`
	IsDefault   bool         `db:"is_default" yaml:"default"`
	IsExempt    bool         `db:"is_exempt" yaml:"exempt"`
	Body        string       `db:"rule_xml" yaml:"xml"`
}

// RuleQuery selects definitions from a rule source.
// Empty fields match everything.
type RuleQuery struct {
	ApplyTime   ApplyTime
	Partition   PartitionKey
	EnabledOnly bool
}

// Matches reports whether def satisfies the query.
// Sources that cannot push the filter down apply it with Matches.
func (q RuleQuery) Matches(def RuleDefinition) bool {
	if q.EnabledOnly && !def.Enabled {
		return false
	}
	if q.ApplyTime != "" && def.ApplyTime != q.ApplyTime {
		return false
	}
	if q.Partition != "" && def.Partition != q.Partition {
		return false
	}
	return true
}

// PathSegment represents one component of a field path.
// String for object keys, int for array indices, wildcard for array expansion.
type PathSegment struct {
	Key      string // object key (mutually exclusive with Index/Wildcard)
	Index    int    // array index (mutually exclusive with Key/Wildcard)
	IsIndex  bool   // disambiguates Index=0 from unset
	Wildcard bool   // true = wildcard segment
}
