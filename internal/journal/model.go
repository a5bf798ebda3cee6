package journal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("journal: invalid owner id")
	// ErrInvalidMobileID indicates that a client-generated identifier is not a UUID.
	ErrInvalidMobileID = errors.New("journal: invalid mobile id")
	// ErrUnknownEntryType indicates that an entry type is outside the known set.
	ErrUnknownEntryType = errors.New("journal: unknown entry type")
	// ErrUnknownMediaType indicates that an attachment media type is outside the known set.
	ErrUnknownMediaType = errors.New("journal: unknown media type")
)

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// MobileID is the client-generated UUID identifying a record across devices.
type MobileID string

// NewMobileID validates raw input and returns a canonical lowercase MobileID.
func NewMobileID(rawInput string) (MobileID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMobileID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMobileID, err)
	}
	return MobileID(parsed.String()), nil
}

// String returns the underlying string identifier.
func (id MobileID) String() string {
	return string(id)
}

// EntryType enumerates the kinds of journal entries a client may capture.
type EntryType string

const (
	EntryTypeJournal    EntryType = "journal"
	EntryTypeGratitude  EntryType = "gratitude"
	EntryTypeMood       EntryType = "mood"
	EntryTypeStress     EntryType = "stress"
	EntryTypeReflection EntryType = "reflection"
	EntryTypeDream      EntryType = "dream"
	EntryTypeGoal       EntryType = "goal"
)

var knownEntryTypes = map[EntryType]struct{}{
	EntryTypeJournal:    {},
	EntryTypeGratitude:  {},
	EntryTypeMood:       {},
	EntryTypeStress:     {},
	EntryTypeReflection: {},
	EntryTypeDream:      {},
	EntryTypeGoal:       {},
}

// DefaultWellbeingTypes lists the entry types whose content is device-authoritative.
var DefaultWellbeingTypes = []EntryType{EntryTypeMood, EntryTypeStress, EntryTypeReflection}

// ParseEntryType validates raw input against the known entry types.
func ParseEntryType(rawInput string) (EntryType, error) {
	candidate := EntryType(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := knownEntryTypes[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntryType, rawInput)
	}
	return candidate, nil
}

// SyncStatus tracks where a record is in the synchronization lifecycle.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPendingSync   SyncStatus = "pending_sync"
	SyncStatusPendingDelete SyncStatus = "pending_delete"
	SyncStatusConflict      SyncStatus = "conflict"
	SyncStatusSyncError     SyncStatus = "sync_error"
)

// MediaType enumerates attachment kinds.
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeVideo    MediaType = "video"
	MediaTypeDocument MediaType = "document"
)

// ParseMediaType validates raw input against the known media types.
func ParseMediaType(rawInput string) (MediaType, error) {
	switch candidate := MediaType(strings.ToLower(strings.TrimSpace(rawInput))); candidate {
	case MediaTypeImage, MediaTypeAudio, MediaTypeVideo, MediaTypeDocument:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMediaType, rawInput)
	}
}

// Entry models the persisted journal entry with its versioning metadata.
type Entry struct {
	ServerID           string        `gorm:"column:server_id;primaryKey;size:36;not null"`
	OwnerID            string        `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_entries_owner_mobile,priority:1;index:idx_entries_owner_updated,priority:1"`
	MobileID           string        `gorm:"column:mobile_id;size:36;not null;uniqueIndex:idx_entries_owner_mobile,priority:2"`
	EntryType          EntryType     `gorm:"column:entry_type;size:32;not null"`
	Title              string        `gorm:"column:title;size:512;not null;default:''"`
	Content            string        `gorm:"column:content;type:text;not null;default:''"`
	Tags               IdentifierSet `gorm:"column:tags;type:text;serializer:json"`
	SharedWith         IdentifierSet `gorm:"column:shared_with;type:text;serializer:json"`
	MoodScore          *int          `gorm:"column:mood_score"`
	StressLevel        *int          `gorm:"column:stress_level"`
	EnergyLevel        *int          `gorm:"column:energy_level"`
	EventAtMs          int64         `gorm:"column:event_at_ms;not null"`
	ClientModifiedAtMs int64         `gorm:"column:client_modified_at_ms;not null;default:0"`
	Version            int64         `gorm:"column:version;not null;default:1"`
	BaseVersion        int64         `gorm:"column:base_version;not null;default:0"`
	SyncStatus         SyncStatus    `gorm:"column:sync_status;size:32;not null;default:'synced'"`
	ContentHash        string        `gorm:"column:content_hash;size:64;not null"`
	IsDeleted          bool          `gorm:"column:is_deleted;not null;default:false"`
	DeletedAtMs        int64         `gorm:"column:deleted_at_ms;not null;default:0"`
	LastWriterDevice   string        `gorm:"column:last_writer_device;size:190;not null;default:''"`
	CreatedAtMs        int64         `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs        int64         `gorm:"column:updated_at_ms;not null;index:idx_entries_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "journal_entries"
}

// Fields projects the comparable content and metric fields of the entry.
func (e Entry) Fields() EntryFields {
	return EntryFields{
		EntryType:   e.EntryType,
		Title:       e.Title,
		Content:     e.Content,
		Tags:        e.Tags.Clone(),
		SharedWith:  e.SharedWith.Clone(),
		EventAt:     fromMillis(e.EventAtMs),
		IsDeleted:   e.IsDeleted,
		MoodScore:   copyInt(e.MoodScore),
		StressLevel: copyInt(e.StressLevel),
		EnergyLevel: copyInt(e.EnergyLevel),
	}
}

func (e *Entry) applyFields(fields EntryFields) {
	e.EntryType = fields.EntryType
	e.Title = fields.Title
	e.Content = fields.Content
	e.Tags = fields.Tags.Clone()
	e.SharedWith = fields.SharedWith.Clone()
	e.EventAtMs = fields.EventAt.UnixMilli()
	e.IsDeleted = fields.IsDeleted
	e.MoodScore = copyInt(fields.MoodScore)
	e.StressLevel = copyInt(fields.StressLevel)
	e.EnergyLevel = copyInt(fields.EnergyLevel)
}

// EntryRevision is the append-only audit trail of accepted entry writes.
type EntryRevision struct {
	RevisionID   string `gorm:"column:revision_id;primaryKey;size:36;not null"`
	OwnerID      string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_revisions_owner_mobile_version,priority:1"`
	MobileID     string `gorm:"column:mobile_id;size:36;not null;uniqueIndex:idx_revisions_owner_mobile_version,priority:2"`
	Version      int64  `gorm:"column:version;not null;uniqueIndex:idx_revisions_owner_mobile_version,priority:3"`
	BaseVersion  int64  `gorm:"column:base_version;not null;default:0"`
	Operation    string `gorm:"column:op;size:32;not null"`
	ClientID     string `gorm:"column:client_id;size:190;not null"`
	SnapshotJSON string `gorm:"column:snapshot_json;type:text;not null"`
	AppliedAtMs  int64  `gorm:"column:applied_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntryRevision) TableName() string {
	return "journal_entry_revisions"
}

// MediaAttachment models a binary attachment scoped to a parent entry.
type MediaAttachment struct {
	ServerID      string     `gorm:"column:server_id;primaryKey;size:36;not null"`
	OwnerID       string     `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_media_owner_mobile,priority:1;index:idx_media_owner_entry,priority:1;index:idx_media_owner_updated,priority:1"`
	MobileID      string     `gorm:"column:mobile_id;size:36;not null;uniqueIndex:idx_media_owner_mobile,priority:2"`
	EntryMobileID string     `gorm:"column:entry_mobile_id;size:36;not null;index:idx_media_owner_entry,priority:2"`
	EntryServerID string     `gorm:"column:entry_server_id;size:36;not null"`
	MediaType     MediaType  `gorm:"column:media_type;size:32;not null"`
	MimeType      string     `gorm:"column:mime_type;size:128;not null"`
	SizeBytes     int64      `gorm:"column:size_bytes;not null"`
	StorageKey    string     `gorm:"column:storage_key;size:512;not null;default:''"`
	Checksum      string     `gorm:"column:checksum;size:128;not null;default:''"`
	Caption       string     `gorm:"column:caption;size:1024;not null;default:''"`
	DisplayOrder  int        `gorm:"column:display_order;not null;default:0"`
	IsHero        bool       `gorm:"column:is_hero;not null;default:false"`
	Version       int64      `gorm:"column:version;not null;default:1"`
	SyncStatus    SyncStatus `gorm:"column:sync_status;size:32;not null;default:'synced'"`
	IsDeleted     bool       `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtMs   int64      `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs   int64      `gorm:"column:updated_at_ms;not null;index:idx_media_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (MediaAttachment) TableName() string {
	return "journal_media_attachments"
}

// Models lists every GORM model owned by the journal package, in migration order.
func Models() []any {
	return []any{&Entry{}, &EntryRevision{}, &MediaAttachment{}}
}

func copyInt(value *int) *int {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
