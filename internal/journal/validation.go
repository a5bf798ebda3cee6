package journal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultMaxEntriesPerRequest bounds transaction duration for one sync call.
	DefaultMaxEntriesPerRequest = 50

	// ConsentOperationSync is the operation name presented to the consent collaborator.
	ConsentOperationSync = "sync"

	DataClassJournalEntries = "journal_entries"
	DataClassWellbeing      = "wellbeing"
	DataClassMedia          = "media"

	mediaChangeUpload = "upload"
	mediaChangeUpdate = "update"
	mediaChangeDelete = "delete"
)

// ConsentChecker is the privacy collaborator consulted before any sync work.
type ConsentChecker interface {
	IsAllowed(ctx context.Context, owner OwnerID, operation string, dataClasses []string) (bool, error)
}

// ConsentFunc adapts a function to ConsentChecker.
type ConsentFunc func(ctx context.Context, owner OwnerID, operation string, dataClasses []string) (bool, error)

// IsAllowed calls the wrapped function.
func (f ConsentFunc) IsAllowed(ctx context.Context, owner OwnerID, operation string, dataClasses []string) (bool, error) {
	return f(ctx, owner, operation, dataClasses)
}

// SyncRequestPayload is the inbound sync request as decoded from the wire.
type SyncRequestPayload struct {
	ClientID          string               `json:"client_id" validate:"required,max=190"`
	LastSyncTimestamp *string              `json:"last_sync_timestamp"`
	LastSyncToken     string               `json:"last_sync_token"`
	Entries           []EntryPayload       `json:"entries" validate:"required,dive"`
	MediaChanges      []MediaChangePayload `json:"media_changes" validate:"dive"`
}

// EntryPayload is one submitted entry.
type EntryPayload struct {
	MobileID         string   `json:"mobile_id" validate:"required,uuid"`
	Version          int64    `json:"version" validate:"gte=0"`
	Timestamp        string   `json:"timestamp" validate:"required"`
	ClientModifiedAt string   `json:"client_modified_at"`
	EntryType        string   `json:"entry_type" validate:"required"`
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	Tags             []string `json:"tags"`
	SharedWith       []string `json:"shared_with"`
	MoodScore        *int     `json:"mood_score"`
	StressLevel      *int     `json:"stress_level"`
	EnergyLevel      *int     `json:"energy_level"`
	IsDeleted        bool     `json:"is_deleted"`
}

// MediaChangePayload is one submitted attachment change.
type MediaChangePayload struct {
	ChangeType       string  `json:"change_type" validate:"required,oneof=upload update delete"`
	MobileID         string  `json:"mobile_id" validate:"required,uuid"`
	EntryMobileID    string  `json:"journal_entry_mobile_id" validate:"required,uuid"`
	Version          int64   `json:"version" validate:"gte=0"`
	ClientModifiedAt string  `json:"client_modified_at"`
	MediaType        string  `json:"media_type" validate:"required_if=ChangeType upload"`
	MimeType         string  `json:"mime_type" validate:"required_if=ChangeType upload,max=128"`
	SizeBytes        int64   `json:"size_bytes"`
	StorageKey       string  `json:"storage_key" validate:"max=512"`
	Checksum         string  `json:"checksum" validate:"max=128"`
	Caption          *string `json:"caption" validate:"omitempty,max=1024"`
	DisplayOrder     *int    `json:"display_order"`
	IsHero           *bool   `json:"is_hero"`
}

// ValidatedSync is a structurally valid, consented sync request in domain types.
type ValidatedSync struct {
	ClientID     string
	Checkpoint   *SyncCheckpoint
	Entries      []EntrySubmission
	MediaChanges []MediaChange
	DataClasses  []string
}

// SyncRequestValidator checks the shape of a sync payload and asks for consent. It never writes.
type SyncRequestValidator struct {
	validate   *validator.Validate
	consent    ConsentChecker
	maxEntries int
	wellbeing  func(EntryType) bool
}

// NewSyncRequestValidator constructs a validator. isWellbeing decides which entry types
// are reported to the consent collaborator under the wellbeing data class.
func NewSyncRequestValidator(consent ConsentChecker, maxEntries int, isWellbeing func(EntryType) bool) *SyncRequestValidator {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntriesPerRequest
	}
	if isWellbeing == nil {
		isWellbeing = func(EntryType) bool { return false }
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &SyncRequestValidator{
		validate:   validate,
		consent:    consent,
		maxEntries: maxEntries,
		wellbeing:  isWellbeing,
	}
}

// Validate converts the payload into domain types, failing on the first structural problem.
func (v *SyncRequestValidator) Validate(ctx context.Context, owner OwnerID, payload SyncRequestPayload) (ValidatedSync, error) {
	if err := v.validate.Struct(payload); err != nil {
		return ValidatedSync{}, structuralError(err)
	}
	if len(payload.Entries) > v.maxEntries {
		return ValidatedSync{}, &ValidationError{Field: "entries", Reason: fmt.Sprintf("exceeds %d entries per request", v.maxEntries)}
	}

	checkpoint, err := v.checkpoint(owner, payload)
	if err != nil {
		return ValidatedSync{}, err
	}

	validated := ValidatedSync{
		ClientID:     strings.TrimSpace(payload.ClientID),
		Checkpoint:   checkpoint,
		Entries:      make([]EntrySubmission, 0, len(payload.Entries)),
		MediaChanges: make([]MediaChange, 0, len(payload.MediaChanges)),
	}
	hasWellbeing := false
	for index, entry := range payload.Entries {
		submission, err := v.entrySubmission(index, validated.ClientID, entry)
		if err != nil {
			return ValidatedSync{}, err
		}
		if v.wellbeing(submission.Fields.EntryType) || entry.MoodScore != nil || entry.StressLevel != nil || entry.EnergyLevel != nil {
			hasWellbeing = true
		}
		validated.Entries = append(validated.Entries, submission)
	}
	for index, change := range payload.MediaChanges {
		mediaChange, err := mediaChangeFromPayload(index, change)
		if err != nil {
			return ValidatedSync{}, err
		}
		validated.MediaChanges = append(validated.MediaChanges, mediaChange)
	}

	validated.DataClasses = []string{DataClassJournalEntries}
	if hasWellbeing {
		validated.DataClasses = append(validated.DataClasses, DataClassWellbeing)
	}
	if len(validated.MediaChanges) > 0 {
		validated.DataClasses = append(validated.DataClasses, DataClassMedia)
	}
	if err := v.checkConsent(ctx, owner, validated.DataClasses); err != nil {
		return ValidatedSync{}, err
	}
	return validated, nil
}

func (v *SyncRequestValidator) checkConsent(ctx context.Context, owner OwnerID, dataClasses []string) error {
	if v.consent == nil {
		return &ConsentError{Operation: ConsentOperationSync, DataClasses: dataClasses, err: errMissingConsent}
	}
	allowed, err := v.consent.IsAllowed(ctx, owner, ConsentOperationSync, dataClasses)
	if err != nil {
		return &ConsentError{Operation: ConsentOperationSync, DataClasses: dataClasses, err: err}
	}
	if !allowed {
		return &ConsentError{Operation: ConsentOperationSync, DataClasses: dataClasses}
	}
	return nil
}

func (v *SyncRequestValidator) checkpoint(owner OwnerID, payload SyncRequestPayload) (*SyncCheckpoint, error) {
	if token := strings.TrimSpace(payload.LastSyncToken); token != "" {
		checkpoint, err := DecodeSyncCheckpoint(token, owner)
		if err != nil {
			return nil, &ValidationError{Field: "last_sync_token", Reason: err.Error()}
		}
		return &checkpoint, nil
	}
	if payload.LastSyncTimestamp == nil || strings.TrimSpace(*payload.LastSyncTimestamp) == "" {
		return nil, nil
	}
	timestamp, err := parseTimestamp(*payload.LastSyncTimestamp)
	if err != nil {
		return nil, &ValidationError{Field: "last_sync_timestamp", Reason: err.Error()}
	}
	checkpoint := SyncCheckpoint{Owner: owner, Timestamp: timestamp}
	return &checkpoint, nil
}

func (v *SyncRequestValidator) entrySubmission(index int, clientID string, entry EntryPayload) (EntrySubmission, error) {
	path := fmt.Sprintf("entries[%d]", index)
	mobileID, err := NewMobileID(entry.MobileID)
	if err != nil {
		return EntrySubmission{}, &ValidationError{Field: path + ".mobile_id", Reason: err.Error()}
	}
	entryType, err := ParseEntryType(entry.EntryType)
	if err != nil {
		return EntrySubmission{}, &ValidationError{Field: path + ".entry_type", Reason: err.Error()}
	}
	eventAt, err := parseTimestamp(entry.Timestamp)
	if err != nil {
		return EntrySubmission{}, &ValidationError{Field: path + ".timestamp", Reason: err.Error()}
	}
	var modifiedAt time.Time
	if strings.TrimSpace(entry.ClientModifiedAt) != "" {
		modifiedAt, err = parseTimestamp(entry.ClientModifiedAt)
		if err != nil {
			return EntrySubmission{}, &ValidationError{Field: path + ".client_modified_at", Reason: err.Error()}
		}
	}
	version := entry.Version
	if version == 0 {
		version = 1
	}
	return EntrySubmission{
		MobileID:         mobileID,
		ClientID:         clientID,
		Version:          version,
		ClientModifiedAt: modifiedAt,
		Fields: EntryFields{
			EntryType:   entryType,
			Title:       strings.TrimSpace(entry.Title),
			Content:     entry.Content,
			Tags:        NewIdentifierSet(entry.Tags...),
			SharedWith:  NewIdentifierSet(entry.SharedWith...),
			EventAt:     eventAt,
			IsDeleted:   entry.IsDeleted,
			MoodScore:   copyInt(entry.MoodScore),
			StressLevel: copyInt(entry.StressLevel),
			EnergyLevel: copyInt(entry.EnergyLevel),
		},
	}, nil
}

func mediaChangeFromPayload(index int, change MediaChangePayload) (MediaChange, error) {
	path := fmt.Sprintf("media_changes[%d]", index)
	mobileID, err := NewMobileID(change.MobileID)
	if err != nil {
		return nil, &ValidationError{Field: path + ".mobile_id", Reason: err.Error()}
	}
	entryMobileID, err := NewMobileID(change.EntryMobileID)
	if err != nil {
		return nil, &ValidationError{Field: path + ".journal_entry_mobile_id", Reason: err.Error()}
	}
	var modifiedAt time.Time
	if strings.TrimSpace(change.ClientModifiedAt) != "" {
		modifiedAt, err = parseTimestamp(change.ClientModifiedAt)
		if err != nil {
			return nil, &ValidationError{Field: path + ".client_modified_at", Reason: err.Error()}
		}
	}
	key := AttachmentKey{EntryMobileID: entryMobileID, MobileID: mobileID}

	switch change.ChangeType {
	case mediaChangeUpload:
		mediaType, err := ParseMediaType(change.MediaType)
		if err != nil {
			return nil, &ValidationError{Field: path + ".media_type", Reason: err.Error()}
		}
		metadata := AttachmentMetadata{
			MediaType:  mediaType,
			MimeType:   strings.TrimSpace(change.MimeType),
			SizeBytes:  change.SizeBytes,
			StorageKey: strings.TrimSpace(change.StorageKey),
			Checksum:   strings.TrimSpace(change.Checksum),
		}
		if change.Caption != nil {
			metadata.Caption = *change.Caption
		}
		if change.DisplayOrder != nil {
			metadata.DisplayOrder = *change.DisplayOrder
		}
		if change.IsHero != nil {
			metadata.IsHero = *change.IsHero
		}
		return MediaUpload{AttachmentKey: key, Version: change.Version, ClientModifiedAt: modifiedAt, Metadata: metadata}, nil
	case mediaChangeUpdate:
		return MediaUpdate{
			AttachmentKey:    key,
			Version:          change.Version,
			ClientModifiedAt: modifiedAt,
			Caption:          change.Caption,
			DisplayOrder:     change.DisplayOrder,
			IsHero:           change.IsHero,
		}, nil
	case mediaChangeDelete:
		return MediaDelete{AttachmentKey: key, Version: change.Version}, nil
	default:
		return nil, &ValidationError{Field: path + ".change_type", Reason: fmt.Sprintf("unknown change type %q", change.ChangeType)}
	}
}

func structuralError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	first := fieldErrors[0]
	field := first.Namespace()
	if separator := strings.Index(field, "."); separator >= 0 {
		field = field[separator+1:]
	}
	return &ValidationError{Field: field, Reason: describeTag(first)}
}

func describeTag(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required", "required_if":
		return "is required"
	case "uuid":
		return "must be a uuid"
	case "oneof":
		return "must be one of " + fieldError.Param()
	case "max":
		return "must be at most " + fieldError.Param() + " characters"
	case "gte":
		return "must be at least " + fieldError.Param()
	default:
		return "failed " + fieldError.Tag() + " check"
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts ISO8601 timestamps; values without a zone are read as UTC.
func parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
