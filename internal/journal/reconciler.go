package journal

import (
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// DefaultToleranceWindow is the edit gap below which same-version writes are ordinary updates.
	DefaultToleranceWindow = 60 * time.Second

	maxTitleLength   = 200
	maxContentLength = 100000
	maxTags          = 50
	maxTagLength     = 64
	minMetricValue   = 1
	maxMetricValue   = 10
	maxFutureSkew    = 24 * time.Hour
)

// ReconcileAction is the decision taken for one submitted entry.
type ReconcileAction string

const (
	ActionCreate    ReconcileAction = "create"
	ActionUpdate    ReconcileAction = "update"
	ActionUnchanged ReconcileAction = "unchanged"
	ActionConflict  ReconcileAction = "conflict"
)

// EntrySubmission is a validated entry as submitted by a device.
type EntrySubmission struct {
	MobileID         MobileID
	ClientID         string
	Version          int64
	ClientModifiedAt time.Time
	Fields           EntryFields
}

// Reconciliation is the pure result of reconciling a submission against the stored record.
// Entry holds the state to persist for create/update and the stored projection otherwise.
type Reconciliation struct {
	Action          ReconcileAction
	Entry           Entry
	ExpectedVersion int64
	Conflict        *ConflictRecord
	Event           *DomainEvent
}

// ReconcilerConfig tunes conflict detection.
type ReconcilerConfig struct {
	ToleranceWindow time.Duration
	WellbeingTypes  []EntryType
}

// Reconciler decides create, update, or conflict for submitted entries. It performs no I/O.
type Reconciler struct {
	tolerance time.Duration
	wellbeing map[EntryType]struct{}
}

// NewReconciler constructs a Reconciler, applying defaults for unset configuration.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	tolerance := cfg.ToleranceWindow
	if tolerance <= 0 {
		tolerance = DefaultToleranceWindow
	}
	wellbeingTypes := cfg.WellbeingTypes
	if wellbeingTypes == nil {
		wellbeingTypes = DefaultWellbeingTypes
	}
	wellbeing := make(map[EntryType]struct{}, len(wellbeingTypes))
	for _, entryType := range wellbeingTypes {
		wellbeing[entryType] = struct{}{}
	}
	return &Reconciler{tolerance: tolerance, wellbeing: wellbeing}
}

// ToleranceWindow returns the configured tolerance window.
func (r *Reconciler) ToleranceWindow() time.Duration {
	return r.tolerance
}

// IsWellbeing reports whether content of the entry type is device-authoritative.
func (r *Reconciler) IsWellbeing(entryType EntryType) bool {
	_, ok := r.wellbeing[entryType]
	return ok
}

// Reconcile compares a submission with the stored record (nil when absent).
// A submission without a declared edit time is treated as edited at now.
func (r *Reconciler) Reconcile(owner OwnerID, stored *Entry, submission EntrySubmission, now time.Time) (Reconciliation, error) {
	if err := validateEntryFields(submission.Fields, now); err != nil {
		return Reconciliation{}, err
	}
	submission.ClientModifiedAt = editTime(submission.ClientModifiedAt, now)

	if stored == nil {
		created := r.newEntry(owner, submission, now)
		event := entryEvent(nil, created, now)
		return Reconciliation{Action: ActionCreate, Entry: created, Event: &event}, nil
	}

	if stored.ContentHash == ContentHash(submission.Fields) && submission.Version <= stored.Version {
		return Reconciliation{Action: ActionUnchanged, Entry: *stored}, nil
	}

	state := &VersionState{
		Version:     stored.Version,
		BaseVersion: stored.BaseVersion,
		UpdatedAt:   fromMillis(stored.UpdatedAtMs),
		LastWriter:  stored.LastWriterDevice,
	}
	classification := Classify(submission.Version, submission.ClientID, state, submission.ClientModifiedAt, r.tolerance)
	if classification == ClassUpdate {
		next := r.Rebase(*stored, submission.Fields, NextVersion(submission.Version, stored.Version), submission, now)
		event := entryEvent(stored, next, now)
		return Reconciliation{Action: ActionUpdate, Entry: next, ExpectedVersion: stored.Version, Event: &event}, nil
	}

	conflict := r.buildConflict(owner, *stored, submission, conflictTypeFor(classification))
	if !r.IsWellbeing(stored.EntryType) && !r.IsWellbeing(submission.Fields.EntryType) {
		return Reconciliation{Action: ActionConflict, Entry: *stored, Conflict: &conflict}, nil
	}

	// Wellbeing content comes from single-device capture: client content wins,
	// metrics keep the server value until the device catches up.
	merged := OverlayFields(stored.Fields(), submission.Fields, ContentFields())
	if ContentHash(merged) == stored.ContentHash {
		return Reconciliation{Action: ActionConflict, Entry: *stored, Conflict: &conflict}, nil
	}
	next := r.Rebase(*stored, merged, stored.Version+1, submission, now)
	event := entryEvent(stored, next, now)
	reconciliation := Reconciliation{Action: ActionUpdate, Entry: next, ExpectedVersion: stored.Version, Event: &event}

	metricDiff := IdentifierSet{}
	for _, field := range conflict.ConflictingFields.Values() {
		if MetricFields().Contains(field) {
			metricDiff.Add(field)
		}
	}
	if metricDiff.Len() > 0 {
		fieldConflict := conflict
		fieldConflict.Type = ConflictFieldLevel
		fieldConflict.ConflictingFields = metricDiff
		fieldConflict.ServerVersion = next.Version
		fieldConflict.ServerSnapshot = next.Fields()
		reconciliation.Conflict = &fieldConflict
	}
	return reconciliation, nil
}

// Rebase builds the next stored state of an entry carrying fields at newVersion.
// updated_at always moves past the stored value, even when the clock stepped back.
func (r *Reconciler) Rebase(stored Entry, fields EntryFields, newVersion int64, submission EntrySubmission, now time.Time) Entry {
	next := stored
	next.applyFields(fields)
	next.Version = newVersion
	next.BaseVersion = stored.Version
	next.SyncStatus = SyncStatusSynced
	next.ContentHash = ContentHash(fields)
	next.ClientModifiedAtMs = editTime(submission.ClientModifiedAt, now).UnixMilli()
	next.LastWriterDevice = submission.ClientID
	next.UpdatedAtMs = advanceMillis(stored.UpdatedAtMs, now)
	switch {
	case fields.IsDeleted && !stored.IsDeleted:
		next.DeletedAtMs = now.UnixMilli()
	case !fields.IsDeleted:
		next.DeletedAtMs = 0
	}
	return next
}

func (r *Reconciler) newEntry(owner OwnerID, submission EntrySubmission, now time.Time) Entry {
	version := submission.Version
	if version < 1 {
		version = 1
	}
	entry := Entry{
		OwnerID:            owner.String(),
		MobileID:           submission.MobileID.String(),
		Version:            version,
		SyncStatus:         SyncStatusSynced,
		ContentHash:        ContentHash(submission.Fields),
		ClientModifiedAtMs: editTime(submission.ClientModifiedAt, now).UnixMilli(),
		LastWriterDevice:   submission.ClientID,
		CreatedAtMs:        now.UnixMilli(),
		UpdatedAtMs:        now.UnixMilli(),
	}
	entry.applyFields(submission.Fields)
	if entry.IsDeleted {
		entry.DeletedAtMs = now.UnixMilli()
	}
	return entry
}

// advanceMillis returns now in milliseconds, or one past previousMs when now is not later.
func advanceMillis(previousMs int64, now time.Time) int64 {
	nowMs := now.UnixMilli()
	if nowMs <= previousMs {
		return previousMs + 1
	}
	return nowMs
}

func (r *Reconciler) buildConflict(owner OwnerID, stored Entry, submission EntrySubmission, conflictType ConflictType) ConflictRecord {
	serverFields := stored.Fields()
	entryType := stored.EntryType
	if r.IsWellbeing(submission.Fields.EntryType) {
		entryType = submission.Fields.EntryType
	}
	options := make([]ResolutionStrategy, len(defaultResolutionOptions))
	copy(options, defaultResolutionOptions)
	return ConflictRecord{
		OwnerID:           owner,
		MobileID:          submission.MobileID,
		ClientID:          submission.ClientID,
		Type:              conflictType,
		EntryType:         entryType,
		ClientVersion:     submission.Version,
		ServerVersion:     stored.Version,
		ClientModifiedAt:  submission.ClientModifiedAt,
		ServerUpdatedAt:   fromMillis(stored.UpdatedAtMs),
		ClientSnapshot:    submission.Fields,
		ServerSnapshot:    serverFields,
		ConflictingFields: DiffFields(serverFields, submission.Fields),
		ResolutionOptions: options,
	}
}

func validateEntryFields(fields EntryFields, now time.Time) error {
	if utf8.RuneCountInString(fields.Title) > maxTitleLength {
		return &FieldValidationError{Field: FieldTitle, Reason: fmt.Sprintf("exceeds %d characters", maxTitleLength)}
	}
	if utf8.RuneCountInString(fields.Content) > maxContentLength {
		return &FieldValidationError{Field: FieldContent, Reason: fmt.Sprintf("exceeds %d characters", maxContentLength)}
	}
	if fields.Tags.Len() > maxTags {
		return &FieldValidationError{Field: FieldTags, Reason: fmt.Sprintf("exceeds %d tags", maxTags)}
	}
	for _, tag := range fields.Tags.Values() {
		if utf8.RuneCountInString(tag) > maxTagLength {
			return &FieldValidationError{Field: FieldTags, Reason: fmt.Sprintf("tag exceeds %d characters", maxTagLength)}
		}
	}
	if fields.EventAt.After(now.Add(maxFutureSkew)) {
		return &FieldValidationError{Field: FieldEventAt, Reason: "too far in the future"}
	}
	metrics := []struct {
		name  string
		value *int
	}{
		{FieldMoodScore, fields.MoodScore},
		{FieldStressLevel, fields.StressLevel},
		{FieldEnergyLevel, fields.EnergyLevel},
	}
	for _, metric := range metrics {
		if metric.value == nil {
			continue
		}
		if *metric.value < minMetricValue || *metric.value > maxMetricValue {
			return &FieldValidationError{Field: metric.name, Reason: fmt.Sprintf("must be between %d and %d", minMetricValue, maxMetricValue)}
		}
	}
	return nil
}
