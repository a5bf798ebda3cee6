package journal

// ResolutionOption describes one way to close a conflict and what the entry would look like.
type ResolutionOption struct {
	Strategy    ResolutionStrategy `json:"strategy"`
	Description string             `json:"description"`
	Preview     *EntryFields       `json:"preview,omitempty"`
}

// Advice is a non-binding recommendation attached to a conflict returned to a device.
type Advice struct {
	Recommended ResolutionStrategy `json:"recommended"`
	Reason      string             `json:"reason"`
	Options     []ResolutionOption `json:"options"`
}

// ConflictResolutionAdvisor proposes merge strategies for conflicts that reach a device.
type ConflictResolutionAdvisor struct {
	isWellbeing func(EntryType) bool
}

// NewConflictResolutionAdvisor constructs an advisor.
func NewConflictResolutionAdvisor(isWellbeing func(EntryType) bool) *ConflictResolutionAdvisor {
	if isWellbeing == nil {
		isWellbeing = func(EntryType) bool { return false }
	}
	return &ConflictResolutionAdvisor{isWellbeing: isWellbeing}
}

// Advise builds advice for conflict. base is the snapshot both sides started from, when known.
func (a *ConflictResolutionAdvisor) Advise(conflict ConflictRecord, base *EntryFields) Advice {
	advice := Advice{Options: make([]ResolutionOption, 0, len(conflict.ResolutionOptions)+1)}
	for _, strategy := range conflict.ResolutionOptions {
		switch strategy {
		case ResolutionUseServer:
			preview := conflict.ServerSnapshot
			advice.Options = append(advice.Options, ResolutionOption{
				Strategy:    strategy,
				Description: "Keep the server version and discard this device's edit",
				Preview:     &preview,
			})
		case ResolutionUseClient:
			preview := conflict.ClientSnapshot
			advice.Options = append(advice.Options, ResolutionOption{
				Strategy:    strategy,
				Description: "Overwrite the server version with this device's edit",
				Preview:     &preview,
			})
		case ResolutionManualMerge:
			advice.Options = append(advice.Options, ResolutionOption{
				Strategy:    strategy,
				Description: "Review both versions and combine them by hand",
			})
		}
	}

	var merged *EntryFields
	if base != nil {
		if fields, ok := mergeDisjoint(*base, conflict.ClientSnapshot, conflict.ServerSnapshot); ok {
			merged = &fields
			advice.Options = append(advice.Options, ResolutionOption{
				Strategy:    ResolutionMergeFields,
				Description: "Combine the fields each side changed independently",
				Preview:     merged,
			})
		}
	}

	switch {
	case conflict.Type == ConflictFieldLevel:
		advice.Recommended = ResolutionUseServer
		advice.Reason = "metric fields follow the server version"
	case a.isWellbeing(conflict.EntryType):
		advice.Recommended = ResolutionUseClient
		advice.Reason = "wellbeing content is captured on a single device"
	case merged != nil:
		advice.Recommended = ResolutionMergeFields
		advice.Reason = "both sides changed different fields"
	case conflict.Type == ConflictConcurrentModification && conflict.ClientModifiedAt.After(conflict.ServerUpdatedAt):
		advice.Recommended = ResolutionUseClient
		advice.Reason = "this device edited the entry last"
	case conflict.Type == ConflictClientBehindServer:
		advice.Recommended = ResolutionUseServer
		advice.Reason = "the server holds changes this device has not seen"
	default:
		advice.Recommended = ResolutionManualMerge
		advice.Reason = "both sides changed the same fields"
	}
	return advice
}

// mergeDisjoint applies the client's changes over the server snapshot when the fields each
// side changed relative to base do not overlap with different values.
func mergeDisjoint(base, client, server EntryFields) (EntryFields, bool) {
	clientChanged := DiffFields(base, client)
	serverChanged := DiffFields(base, server)
	disagreement := DiffFields(client, server)
	for _, field := range clientChanged.Values() {
		if serverChanged.Contains(field) && disagreement.Contains(field) {
			return EntryFields{}, false
		}
	}
	return OverlayFields(server, client, clientChanged), true
}
