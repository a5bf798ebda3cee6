package journal

import "time"

// ConflictType names why a write could not be applied safely.
type ConflictType string

const (
	ConflictClientBehindServer     ConflictType = "client_behind_server"
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	ConflictFieldLevel             ConflictType = "field_level"
)

// ResolutionStrategy names a way to close a conflict.
type ResolutionStrategy string

const (
	ResolutionUseServer   ResolutionStrategy = "use_server"
	ResolutionUseClient   ResolutionStrategy = "use_client"
	ResolutionManualMerge ResolutionStrategy = "manual_merge"
	ResolutionMergeFields ResolutionStrategy = "merge_fields"
)

var defaultResolutionOptions = []ResolutionStrategy{ResolutionUseServer, ResolutionUseClient, ResolutionManualMerge}

// ConflictRecord describes an entry write that was not applied. It is never persisted.
type ConflictRecord struct {
	OwnerID           OwnerID              `json:"-"`
	MobileID          MobileID             `json:"mobile_id"`
	ClientID          string               `json:"client_id"`
	Type              ConflictType         `json:"conflict_type"`
	EntryType         EntryType            `json:"entry_type"`
	ClientVersion     int64                `json:"client_version"`
	ServerVersion     int64                `json:"server_version"`
	ClientModifiedAt  time.Time            `json:"client_modified_at"`
	ServerUpdatedAt   time.Time            `json:"server_updated_at"`
	ClientSnapshot    EntryFields          `json:"client_data"`
	ServerSnapshot    EntryFields          `json:"server_data"`
	ConflictingFields IdentifierSet        `json:"conflicting_fields"`
	ResolutionOptions []ResolutionStrategy `json:"resolution_options"`
	Advice            *Advice              `json:"advice,omitempty"`
}

// Classification is the outcome of comparing a submitted version with the stored state.
type Classification string

const (
	ClassCreate                 Classification = "create"
	ClassUpdate                 Classification = "update"
	ClassClientBehindServer     Classification = "client_behind_server"
	ClassConcurrentModification Classification = "concurrent_modification"
)

// VersionState captures the stored versioning metadata of a record.
// LastWriter is empty when the record does not track its writing device.
type VersionState struct {
	Version     int64
	BaseVersion int64
	UpdatedAt   time.Time
	LastWriter  string
}

// Classify maps a submitted version and edit time onto exactly one classification.
// A nil stored state means no record exists yet. A device never concurrently modifies
// its own last accepted write.
func Classify(clientVersion int64, clientID string, stored *VersionState, clientModifiedAt time.Time, tolerance time.Duration) Classification {
	if stored == nil {
		return ClassCreate
	}
	otherWriter := stored.LastWriter == "" || stored.LastWriter != clientID
	switch {
	case clientVersion < stored.Version:
		// A sibling edit of the last accepted write that raced it.
		if otherWriter && stored.BaseVersion > 0 && stored.BaseVersion == clientVersion &&
			stored.UpdatedAt.Sub(clientModifiedAt).Abs() <= tolerance {
			return ClassConcurrentModification
		}
		return ClassClientBehindServer
	case clientVersion == stored.Version:
		if otherWriter && stored.UpdatedAt.Sub(clientModifiedAt) > tolerance {
			return ClassConcurrentModification
		}
		return ClassUpdate
	default:
		return ClassUpdate
	}
}

// NextVersion returns the version an accepted update is stored with.
func NextVersion(clientVersion, serverVersion int64) int64 {
	next := serverVersion + 1
	if clientVersion > next {
		return clientVersion
	}
	return next
}

func conflictTypeFor(classification Classification) ConflictType {
	if classification == ClassConcurrentModification {
		return ConflictConcurrentModification
	}
	return ConflictClientBehindServer
}

// MediaConflict describes an attachment update that was not applied.
type MediaConflict struct {
	MobileID          MobileID             `json:"mobile_id"`
	EntryMobileID     MobileID             `json:"journal_entry_mobile_id"`
	Type              ConflictType         `json:"conflict_type"`
	ClientVersion     int64                `json:"client_version"`
	ServerVersion     int64                `json:"server_version"`
	ServerAttachment  AttachmentView       `json:"server_data"`
	ResolutionOptions []ResolutionStrategy `json:"resolution_options"`
}
