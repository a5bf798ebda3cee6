package journal

import "time"

// ResolutionRule names the automatic rule that closed a conflict.
type ResolutionRule string

const (
	RuleWellbeingClientWins ResolutionRule = "wellbeing_client_wins"
	RuleLaterEditWins       ResolutionRule = "later_edit_wins"
	RuleFieldDisjointMerge  ResolutionRule = "field_disjoint_merge"
)

// Resolution is the outcome of an automatic rule. Fields is the state to keep.
type Resolution struct {
	Rule     ResolutionRule     `json:"rule"`
	Strategy ResolutionStrategy `json:"strategy"`
	Fields   EntryFields        `json:"fields"`
}

type resolutionRule struct {
	name  ResolutionRule
	apply func(conflict ConflictRecord, base *EntryFields) (ResolutionStrategy, EntryFields, bool)
}

// AutomaticConflictResolver closes conflicts with ordered rules and never guesses on
// overlapping edits.
type AutomaticConflictResolver struct {
	tolerance   time.Duration
	isWellbeing func(EntryType) bool
	rules       []resolutionRule
}

// NewAutomaticConflictResolver constructs a resolver with the standard rule order.
func NewAutomaticConflictResolver(tolerance time.Duration, isWellbeing func(EntryType) bool) *AutomaticConflictResolver {
	if tolerance <= 0 {
		tolerance = DefaultToleranceWindow
	}
	if isWellbeing == nil {
		isWellbeing = func(EntryType) bool { return false }
	}
	resolver := &AutomaticConflictResolver{tolerance: tolerance, isWellbeing: isWellbeing}
	resolver.rules = []resolutionRule{
		{name: RuleWellbeingClientWins, apply: resolver.wellbeingClientWins},
		{name: RuleLaterEditWins, apply: resolver.laterEditWins},
		{name: RuleFieldDisjointMerge, apply: resolver.fieldDisjointMerge},
	}
	return resolver
}

// Resolve returns the first matching rule's resolution. Field-level conflicts accompany an
// applied write and are never resolved here.
func (r *AutomaticConflictResolver) Resolve(conflict ConflictRecord, base *EntryFields) (Resolution, bool) {
	if conflict.Type == ConflictFieldLevel {
		return Resolution{}, false
	}
	for _, rule := range r.rules {
		strategy, fields, ok := rule.apply(conflict, base)
		if ok {
			return Resolution{Rule: rule.name, Strategy: strategy, Fields: fields}, true
		}
	}
	return Resolution{}, false
}

func (r *AutomaticConflictResolver) wellbeingClientWins(conflict ConflictRecord, _ *EntryFields) (ResolutionStrategy, EntryFields, bool) {
	if !r.isWellbeing(conflict.EntryType) {
		return "", EntryFields{}, false
	}
	// Metric-only disagreements follow the version protocol.
	if !DiffFields(conflict.ClientSnapshot, conflict.ServerSnapshot).Intersects(ContentFields()) {
		return "", EntryFields{}, false
	}
	return ResolutionUseClient, OverlayFields(conflict.ServerSnapshot, conflict.ClientSnapshot, ContentFields()), true
}

func (r *AutomaticConflictResolver) laterEditWins(conflict ConflictRecord, _ *EntryFields) (ResolutionStrategy, EntryFields, bool) {
	if conflict.Type != ConflictConcurrentModification {
		return "", EntryFields{}, false
	}
	gap := conflict.ClientModifiedAt.Sub(conflict.ServerUpdatedAt)
	switch {
	case gap > r.tolerance:
		return ResolutionUseClient, conflict.ClientSnapshot, true
	case -gap > r.tolerance:
		return ResolutionUseServer, conflict.ServerSnapshot, true
	default:
		return "", EntryFields{}, false
	}
}

func (r *AutomaticConflictResolver) fieldDisjointMerge(conflict ConflictRecord, base *EntryFields) (ResolutionStrategy, EntryFields, bool) {
	if base == nil {
		return "", EntryFields{}, false
	}
	merged, ok := mergeDisjoint(*base, conflict.ClientSnapshot, conflict.ServerSnapshot)
	if !ok {
		return "", EntryFields{}, false
	}
	return ResolutionMergeFields, merged, true
}
