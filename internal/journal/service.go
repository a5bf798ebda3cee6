package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew     = "journal.service.new"
	opSync           = "journal.sync"
	opCollectChanges = "journal.collect_changes"

	revisionCreate      = "create"
	revisionUpdate      = "update"
	revisionDelete      = "delete"
	revisionAutoResolve = "auto_resolve"
)

// SyncSettings tunes the sync protocol.
type SyncSettings struct {
	ToleranceWindow      time.Duration
	WellbeingTypes       []EntryType
	MaxEntriesPerRequest int
	RecentWindow         time.Duration
	ChangePageSize       int
	AutoResolve          bool
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Consent    ConsentChecker
	Publisher  EventPublisher
	Settings   SyncSettings
}

// Service orchestrates one sync request inside one transaction.
type Service struct {
	db          *gorm.DB
	clock       *monotonicClock
	idProvider  IDProvider
	logger      *zap.Logger
	publisher   EventPublisher
	autoResolve bool
	validator   *SyncRequestValidator
	reconciler  *Reconciler
	media       *MediaAttachmentSynchronizer
	collector   *ChangeCollector
	resolver    *AutomaticConflictResolver
	advisor     *ConflictResolutionAdvisor
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	if cfg.Consent == nil {
		return nil, newServiceError(opServiceNew, "missing_consent", errMissingConsent)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}

	settings := cfg.Settings
	reconciler := NewReconciler(ReconcilerConfig{
		ToleranceWindow: settings.ToleranceWindow,
		WellbeingTypes:  settings.WellbeingTypes,
	})

	return &Service{
		db:          cfg.Database,
		clock:       newMonotonicClock(cfg.Clock),
		idProvider:  cfg.IDProvider,
		logger:      logger,
		publisher:   publisher,
		autoResolve: settings.AutoResolve,
		validator:   NewSyncRequestValidator(cfg.Consent, settings.MaxEntriesPerRequest, reconciler.IsWellbeing),
		reconciler:  reconciler,
		media:       NewMediaAttachmentSynchronizer(reconciler.ToleranceWindow(), cfg.IDProvider),
		collector: NewChangeCollector(ChangeCollectorConfig{
			RecentWindow: settings.RecentWindow,
			PageSize:     settings.ChangePageSize,
		}),
		resolver: NewAutomaticConflictResolver(reconciler.ToleranceWindow(), reconciler.IsWellbeing),
		advisor:  NewConflictResolutionAdvisor(reconciler.IsWellbeing),
	}, nil
}

// AutoResolution reports a conflict closed on the server by an automatic rule.
type AutoResolution struct {
	MobileID     MobileID           `json:"mobile_id"`
	Rule         ResolutionRule     `json:"rule"`
	Strategy     ResolutionStrategy `json:"strategy"`
	ConflictType ConflictType       `json:"conflict_type"`
	Written      bool               `json:"written"`
	Entry        EntryView          `json:"entry"`
}

// ClientProcessing reports what happened to every submitted entry.
type ClientProcessing struct {
	Created      []EntryView      `json:"created"`
	Updated      []EntryView      `json:"updated"`
	Conflicts    []ConflictRecord `json:"conflicts"`
	Errors       []ItemError      `json:"errors"`
	AutoResolved []AutoResolution `json:"auto_resolved"`
}

// ServerChangesView is the wire shape of a server delta.
type ServerChangesView struct {
	ModifiedEntries     []EntryView      `json:"modified_entries"`
	DeletedEntries      []EntryView      `json:"deleted_entries"`
	ModifiedAttachments []AttachmentView `json:"modified_attachments"`
	DeletedAttachments  []AttachmentView `json:"deleted_attachments"`
	HasMore             bool             `json:"has_more"`
}

// NextSyncToken is the checkpoint a client presents on its next sync.
type NextSyncToken struct {
	Timestamp time.Time `json:"timestamp"`
	Token     string    `json:"token"`
}

// SyncStatistics summarizes one sync request.
type SyncStatistics struct {
	EntriesReceived   int     `json:"entries_received"`
	EntriesCreated    int     `json:"entries_created"`
	EntriesUpdated    int     `json:"entries_updated"`
	EntriesUnchanged  int     `json:"entries_unchanged"`
	EntryConflicts    int     `json:"entry_conflicts"`
	EntryErrors       int     `json:"entry_errors"`
	AutoResolved      int     `json:"auto_resolved"`
	MediaReceived     int     `json:"media_received"`
	MediaApplied      int     `json:"media_applied"`
	MediaConflicts    int     `json:"media_conflicts"`
	MediaErrors       int     `json:"media_errors"`
	ServerChangesSent int     `json:"server_changes_sent"`
	SyncEfficiency    float64 `json:"sync_efficiency"`
}

// SyncResult is the full sync response. Success reflects protocol validity only.
type SyncResult struct {
	Success          bool              `json:"success"`
	SyncTimestamp    time.Time         `json:"sync_timestamp"`
	ClientProcessing ClientProcessing  `json:"client_processing"`
	ServerChanges    ServerChangesView `json:"server_changes"`
	MediaSync        MediaSyncResult   `json:"media_sync"`
	NextSyncToken    NextSyncToken     `json:"next_sync_token"`
	Statistics       SyncStatistics    `json:"sync_statistics"`
	Events           []DomainEvent     `json:"-"`
}

// ChangesResult is the response of a delta-only pull.
type ChangesResult struct {
	ServerChanges ServerChangesView `json:"server_changes"`
	NextSyncToken NextSyncToken     `json:"next_sync_token"`
}

type entryOutcome struct {
	action       ReconcileAction
	entry        Entry
	conflicts    []ConflictRecord
	autoResolved *AutoResolution
	event        *DomainEvent
}

// Sync validates the request, reconciles entries and attachments, collects the server delta,
// commits, and publishes domain events. Validation and consent failures are returned as
// *ValidationError and *ConsentError with no writes.
func (s *Service) Sync(ctx context.Context, owner OwnerID, payload SyncRequestPayload) (SyncResult, error) {
	validated, err := s.validator.Validate(ctx, owner, payload)
	if err != nil {
		return SyncResult{}, err
	}

	var (
		result  SyncResult
		tally   syncTally
		changes ServerChanges
	)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := NewGormRecordStore(tx)
		now, err := s.stamp(ctx, store, owner)
		if err != nil {
			s.logError(opSync, "clock_failed", err, zap.String("owner_id", owner.String()))
			return newServiceError(opSync, "clock_failed", err)
		}
		result = newSyncResult(now)

		processed := IdentifierSet{}
		for index, submission := range validated.Entries {
			processed.Add(submission.MobileID.String())
			savepoint := fmt.Sprintf("entry_%d", index)
			if err := store.Savepoint(savepoint); err != nil {
				s.logError(opSync, "savepoint_failed", err, zap.String("owner_id", owner.String()))
				return newServiceError(opSync, "savepoint_failed", err)
			}

			outcome, err := s.reconcileEntry(ctx, store, owner, submission, now)
			if err != nil {
				if rollbackErr := store.RollbackTo(savepoint); rollbackErr != nil {
					s.logError(opSync, "rollback_failed", rollbackErr, zap.String("owner_id", owner.String()))
					return newServiceError(opSync, "rollback_failed", rollbackErr)
				}
				var storeErr *StoreError
				if errors.As(err, &storeErr) {
					s.logError(opSync, "entry_store_failed", err,
						zap.String("owner_id", owner.String()),
						zap.String("mobile_id", submission.MobileID.String()))
				}
				result.ClientProcessing.Errors = append(result.ClientProcessing.Errors, newItemError(submission.MobileID.String(), err))
				tally.errors++
				continue
			}
			result.record(outcome, &tally)
		}

		collected, err := s.collector.Collect(ctx, store, owner, validated.Checkpoint, processed, now)
		if err != nil {
			s.logError(opSync, "collect_changes_failed", err, zap.String("owner_id", owner.String()))
			return newServiceError(opSync, "collect_changes_failed", err)
		}
		changes = collected

		media, err := s.media.Apply(ctx, store, owner, validated.MediaChanges, now)
		if err != nil {
			s.logError(opSync, "media_sync_failed", err, zap.String("owner_id", owner.String()))
			return newServiceError(opSync, "media_sync_failed", err)
		}
		result.MediaSync = media
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return SyncResult{}, txErr
		}
		s.logError(opSync, "transaction_failed", txErr, zap.String("owner_id", owner.String()))
		return SyncResult{}, newServiceError(opSync, "transaction_failed", txErr)
	}

	result.Events = append(result.Events, result.MediaSync.Events...)
	s.publisher.Publish(ctx, result.Events)

	result.ServerChanges = newServerChangesView(changes)
	result.NextSyncToken = nextSyncToken(owner, changes)
	result.Statistics = tally.statistics(len(validated.Entries), len(validated.MediaChanges), result)
	return result, nil
}

// CollectChanges returns the server delta after token without submitting anything.
// An empty token behaves like a first sync.
func (s *Service) CollectChanges(ctx context.Context, owner OwnerID, token string) (ChangesResult, error) {
	var checkpoint *SyncCheckpoint
	if token != "" {
		decoded, err := DecodeSyncCheckpoint(token, owner)
		if err != nil {
			return ChangesResult{}, &ValidationError{Field: "token", Reason: err.Error()}
		}
		checkpoint = &decoded
	}
	if err := s.validator.checkConsent(ctx, owner, []string{DataClassJournalEntries, DataClassMedia}); err != nil {
		return ChangesResult{}, err
	}

	var changes ServerChanges
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := NewGormRecordStore(tx)
		now, err := s.stamp(ctx, store, owner)
		if err != nil {
			return err
		}
		collected, err := s.collector.Collect(ctx, store, owner, checkpoint, IdentifierSet{}, now)
		if err != nil {
			return err
		}
		changes = collected
		return nil
	})
	if txErr != nil {
		s.logError(opCollectChanges, "query_failed", txErr, zap.String("owner_id", owner.String()))
		return ChangesResult{}, newServiceError(opCollectChanges, "query_failed", txErr)
	}
	return ChangesResult{
		ServerChanges: newServerChangesView(changes),
		NextSyncToken: nextSyncToken(owner, changes),
	}, nil
}

func (s *Service) reconcileEntry(ctx context.Context, store VersionedRecordStore, owner OwnerID, submission EntrySubmission, now time.Time) (entryOutcome, error) {
	submission.ClientModifiedAt = editTime(submission.ClientModifiedAt, now)
	stored, err := store.FindEntry(ctx, owner, submission.MobileID)
	if err != nil {
		return entryOutcome{}, err
	}
	reconciliation, err := s.reconciler.Reconcile(owner, stored, submission, now)
	if err != nil {
		return entryOutcome{}, err
	}

	switch reconciliation.Action {
	case ActionCreate:
		entry := reconciliation.Entry
		serverID, err := s.idProvider.NewID()
		if err != nil {
			return entryOutcome{}, err
		}
		entry.ServerID = serverID
		if err := store.CreateEntry(ctx, &entry); err != nil {
			return entryOutcome{}, err
		}
		if err := s.appendRevision(ctx, store, entry, submission.ClientID, revisionCreate, now); err != nil {
			return entryOutcome{}, err
		}
		return entryOutcome{action: ActionCreate, entry: entry, event: reconciliation.Event}, nil
	case ActionUnchanged:
		return entryOutcome{action: ActionUnchanged, entry: reconciliation.Entry}, nil
	case ActionUpdate:
		entry := reconciliation.Entry
		if err := store.UpdateEntry(ctx, &entry, reconciliation.ExpectedVersion); err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				return s.lostRace(ctx, store, owner, submission, now)
			}
			return entryOutcome{}, err
		}
		operation := revisionUpdate
		if entry.IsDeleted && !stored.IsDeleted {
			operation = revisionDelete
		}
		if err := s.appendRevision(ctx, store, entry, submission.ClientID, operation, now); err != nil {
			return entryOutcome{}, err
		}
		outcome := entryOutcome{action: ActionUpdate, entry: entry, event: reconciliation.Event}
		if reconciliation.Conflict != nil {
			outcome.conflicts = append(outcome.conflicts, *reconciliation.Conflict)
		}
		return outcome, nil
	default:
		return s.handleConflict(ctx, store, owner, *stored, *reconciliation.Conflict, submission, now)
	}
}

// lostRace reports a guarded update that found a newer stored version.
func (s *Service) lostRace(ctx context.Context, store VersionedRecordStore, owner OwnerID, submission EntrySubmission, now time.Time) (entryOutcome, error) {
	fresh, err := store.FindEntry(ctx, owner, submission.MobileID)
	if err != nil {
		return entryOutcome{}, err
	}
	if fresh == nil {
		return entryOutcome{}, &StoreError{err: ErrVersionMismatch}
	}
	conflict := s.reconciler.buildConflict(owner, *fresh, submission, ConflictConcurrentModification)
	return s.handleConflict(ctx, store, owner, *fresh, conflict, submission, now)
}

func (s *Service) handleConflict(ctx context.Context, store VersionedRecordStore, owner OwnerID, stored Entry, conflict ConflictRecord, submission EntrySubmission, now time.Time) (entryOutcome, error) {
	base, err := s.baseFields(ctx, store, owner, submission)
	if err != nil {
		return entryOutcome{}, err
	}
	if s.autoResolve {
		if resolution, ok := s.resolver.Resolve(conflict, base); ok {
			outcome, applied, err := s.applyResolution(ctx, store, stored, conflict, resolution, submission, now)
			if err != nil {
				return entryOutcome{}, err
			}
			if applied {
				return outcome, nil
			}
		}
	}
	advice := s.advisor.Advise(conflict, base)
	conflict.Advice = &advice
	return entryOutcome{action: ActionConflict, entry: stored, conflicts: []ConflictRecord{conflict}}, nil
}

// applyResolution persists an automatic resolution. It reports false when the stored
// version moved underneath it, leaving the conflict for the device.
func (s *Service) applyResolution(ctx context.Context, store VersionedRecordStore, stored Entry, conflict ConflictRecord, resolution Resolution, submission EntrySubmission, now time.Time) (entryOutcome, bool, error) {
	report := &AutoResolution{
		MobileID:     submission.MobileID,
		Rule:         resolution.Rule,
		Strategy:     resolution.Strategy,
		ConflictType: conflict.Type,
	}
	if resolution.Strategy == ResolutionUseServer || ContentHash(resolution.Fields) == stored.ContentHash {
		report.Entry = NewEntryView(stored)
		return entryOutcome{action: ActionUnchanged, entry: stored, autoResolved: report}, true, nil
	}

	next := s.reconciler.Rebase(stored, resolution.Fields, stored.Version+1, submission, now)
	if err := store.UpdateEntry(ctx, &next, stored.Version); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return entryOutcome{}, false, nil
		}
		return entryOutcome{}, false, err
	}
	if err := s.appendRevision(ctx, store, next, submission.ClientID, revisionAutoResolve, now); err != nil {
		return entryOutcome{}, false, err
	}
	event := entryEvent(&stored, next, now)
	report.Written = true
	report.Entry = NewEntryView(next)
	return entryOutcome{action: ActionUpdate, entry: next, autoResolved: report, event: &event}, true, nil
}

// baseFields loads the snapshot the device edited from, when the revision trail has it.
func (s *Service) baseFields(ctx context.Context, store VersionedRecordStore, owner OwnerID, submission EntrySubmission) (*EntryFields, error) {
	revision, err := store.FindRevision(ctx, owner, submission.MobileID, submission.Version)
	if err != nil {
		return nil, err
	}
	if revision == nil {
		return nil, nil
	}
	fields, err := decodeFieldsSnapshot(revision.SnapshotJSON)
	if err != nil {
		s.logError(opSync, "revision_decode_failed", err,
			zap.String("owner_id", owner.String()),
			zap.String("mobile_id", submission.MobileID.String()))
		return nil, nil
	}
	return &fields, nil
}

func (s *Service) appendRevision(ctx context.Context, store VersionedRecordStore, entry Entry, clientID, operation string, now time.Time) error {
	revisionID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	snapshot, err := encodeFieldsSnapshot(entry.Fields())
	if err != nil {
		return err
	}
	return store.AppendRevision(ctx, &EntryRevision{
		RevisionID:   revisionID,
		OwnerID:      entry.OwnerID,
		MobileID:     entry.MobileID,
		Version:      entry.Version,
		BaseVersion:  entry.BaseVersion,
		Operation:    operation,
		ClientID:     clientID,
		SnapshotJSON: snapshot,
		AppliedAtMs:  now.UnixMilli(),
	})
}

func newSyncResult(now time.Time) SyncResult {
	return SyncResult{
		Success:       true,
		SyncTimestamp: now,
		ClientProcessing: ClientProcessing{
			Created:      []EntryView{},
			Updated:      []EntryView{},
			Conflicts:    []ConflictRecord{},
			Errors:       []ItemError{},
			AutoResolved: []AutoResolution{},
		},
		MediaSync: newMediaSyncResult(),
	}
}

func (r *SyncResult) record(outcome entryOutcome, tally *syncTally) {
	switch outcome.action {
	case ActionCreate:
		r.ClientProcessing.Created = append(r.ClientProcessing.Created, NewEntryView(outcome.entry))
		tally.created++
	case ActionUpdate:
		r.ClientProcessing.Updated = append(r.ClientProcessing.Updated, NewEntryView(outcome.entry))
		tally.updated++
	case ActionUnchanged:
		if outcome.autoResolved == nil {
			view := NewEntryView(outcome.entry)
			view.Duplicate = true
			r.ClientProcessing.Updated = append(r.ClientProcessing.Updated, view)
		}
		tally.unchanged++
	case ActionConflict:
		tally.conflicts++
	}
	r.ClientProcessing.Conflicts = append(r.ClientProcessing.Conflicts, outcome.conflicts...)
	if outcome.autoResolved != nil {
		r.ClientProcessing.AutoResolved = append(r.ClientProcessing.AutoResolved, *outcome.autoResolved)
		tally.autoResolved++
	}
	if outcome.event != nil {
		r.Events = append(r.Events, *outcome.event)
	}
}

type syncTally struct {
	created      int
	updated      int
	unchanged    int
	conflicts    int
	errors       int
	autoResolved int
}

func (t syncTally) statistics(entriesReceived, mediaReceived int, result SyncResult) SyncStatistics {
	changesSent := len(result.ServerChanges.ModifiedEntries) + len(result.ServerChanges.DeletedEntries) +
		len(result.ServerChanges.ModifiedAttachments) + len(result.ServerChanges.DeletedAttachments)
	stats := SyncStatistics{
		EntriesReceived:   entriesReceived,
		EntriesCreated:    t.created,
		EntriesUpdated:    t.updated,
		EntriesUnchanged:  t.unchanged,
		EntryConflicts:    t.conflicts,
		EntryErrors:       t.errors,
		AutoResolved:      t.autoResolved,
		MediaReceived:     mediaReceived,
		MediaApplied:      result.MediaSync.Applied(),
		MediaConflicts:    len(result.MediaSync.Conflicts),
		MediaErrors:       len(result.MediaSync.Errors),
		ServerChangesSent: changesSent,
		SyncEfficiency:    1,
	}
	if submitted := entriesReceived + mediaReceived; submitted > 0 {
		applied := t.created + t.updated + t.unchanged + stats.MediaApplied
		stats.SyncEfficiency = float64(applied) / float64(submitted)
	}
	return stats
}

func newServerChangesView(changes ServerChanges) ServerChangesView {
	return ServerChangesView{
		ModifiedEntries:     entryViews(changes.ModifiedEntries),
		DeletedEntries:      entryViews(changes.DeletedEntries),
		ModifiedAttachments: attachmentViews(changes.ModifiedAttachments),
		DeletedAttachments:  attachmentViews(changes.DeletedAttachments),
		HasMore:             changes.HasMore,
	}
}

// stamp reads the clock inside the transaction, past every timestamp already stored for
// owner, so a write committed after a checkpoint always sorts after it.
func (s *Service) stamp(ctx context.Context, store VersionedRecordStore, owner OwnerID) (time.Time, error) {
	latestMs, err := store.LatestUpdatedAtMs(ctx, owner)
	if err != nil {
		return time.Time{}, err
	}
	s.clock.Observe(time.UnixMilli(latestMs))
	return s.clock.Now(), nil
}

func nextSyncToken(owner OwnerID, changes ServerChanges) NextSyncToken {
	checkpoint := NewSyncCheckpoint(owner, changes.Through)
	return NextSyncToken{Timestamp: checkpoint.Timestamp, Token: checkpoint.Encode()}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("journal service error", attrs...)
}
