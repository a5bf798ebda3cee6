package journal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errAttachmentNotFound = errors.New("journal: attachment not found")

// AttachmentKey identifies an attachment change by parent entry and attachment mobile ids.
type AttachmentKey struct {
	EntryMobileID MobileID
	MobileID      MobileID
}

// Key returns the key itself so variants embedding it satisfy MediaChange.
func (k AttachmentKey) Key() AttachmentKey {
	return k
}

// MediaChange is the closed set of attachment operations a client may submit:
// MediaUpload, MediaUpdate and MediaDelete.
type MediaChange interface {
	Key() AttachmentKey
	mediaChange()
}

// AttachmentMetadata carries the full attribute set of an uploaded attachment.
type AttachmentMetadata struct {
	MediaType    MediaType
	MimeType     string
	SizeBytes    int64
	StorageKey   string
	Checksum     string
	Caption      string
	DisplayOrder int
	IsHero       bool
}

// MediaUpload creates an attachment or refreshes an existing one.
type MediaUpload struct {
	AttachmentKey
	Version          int64
	ClientModifiedAt time.Time
	Metadata         AttachmentMetadata
}

// MediaUpdate changes the attachment-safe fields; nil pointers leave a field untouched.
type MediaUpdate struct {
	AttachmentKey
	Version          int64
	ClientModifiedAt time.Time
	Caption          *string
	DisplayOrder     *int
	IsHero           *bool
}

// MediaDelete soft-deletes an attachment.
type MediaDelete struct {
	AttachmentKey
	Version int64
}

func (MediaUpload) mediaChange() {}
func (MediaUpdate) mediaChange() {}
func (MediaDelete) mediaChange() {}

// MediaSyncResult aggregates attachment outcomes for one request.
type MediaSyncResult struct {
	Uploaded  []AttachmentView `json:"uploaded"`
	Updated   []AttachmentView `json:"updated"`
	Deleted   []AttachmentView `json:"deleted"`
	Conflicts []MediaConflict  `json:"conflicts"`
	Errors    []ItemError      `json:"errors"`
	Events    []DomainEvent    `json:"-"`
}

func newMediaSyncResult() MediaSyncResult {
	return MediaSyncResult{
		Uploaded:  []AttachmentView{},
		Updated:   []AttachmentView{},
		Deleted:   []AttachmentView{},
		Conflicts: []MediaConflict{},
		Errors:    []ItemError{},
	}
}

// Applied counts the changes that reached a terminal non-error outcome.
func (r MediaSyncResult) Applied() int {
	return len(r.Uploaded) + len(r.Updated) + len(r.Deleted)
}

type mediaAction int

const (
	mediaUploaded mediaAction = iota
	mediaUpdated
	mediaDeleted
	mediaConflicted
)

type mediaOutcome struct {
	action   mediaAction
	view     AttachmentView
	conflict *MediaConflict
	event    *DomainEvent
}

// MediaAttachmentSynchronizer reconciles attachment changes against their parent entries.
type MediaAttachmentSynchronizer struct {
	tolerance  time.Duration
	idProvider IDProvider
}

// NewMediaAttachmentSynchronizer constructs a synchronizer sharing the entry tolerance window.
func NewMediaAttachmentSynchronizer(tolerance time.Duration, idProvider IDProvider) *MediaAttachmentSynchronizer {
	if tolerance <= 0 {
		tolerance = DefaultToleranceWindow
	}
	return &MediaAttachmentSynchronizer{tolerance: tolerance, idProvider: idProvider}
}

// Apply processes changes in order inside the store's transaction. A failed change rolls back
// to its savepoint and is reported; only savepoint failures abort the batch.
func (m *MediaAttachmentSynchronizer) Apply(ctx context.Context, store VersionedRecordStore, owner OwnerID, changes []MediaChange, now time.Time) (MediaSyncResult, error) {
	result := newMediaSyncResult()
	for index, change := range changes {
		savepoint := fmt.Sprintf("media_%d", index)
		if err := store.Savepoint(savepoint); err != nil {
			return result, err
		}
		outcome, err := m.applyOne(ctx, store, owner, change, now)
		if err != nil {
			if rollbackErr := store.RollbackTo(savepoint); rollbackErr != nil {
				return result, rollbackErr
			}
			result.Errors = append(result.Errors, newItemError(change.Key().MobileID.String(), err))
			continue
		}
		switch outcome.action {
		case mediaUploaded:
			result.Uploaded = append(result.Uploaded, outcome.view)
		case mediaUpdated:
			result.Updated = append(result.Updated, outcome.view)
		case mediaDeleted:
			result.Deleted = append(result.Deleted, outcome.view)
		case mediaConflicted:
			result.Conflicts = append(result.Conflicts, *outcome.conflict)
		}
		if outcome.event != nil {
			result.Events = append(result.Events, *outcome.event)
		}
	}
	return result, nil
}

func (m *MediaAttachmentSynchronizer) applyOne(ctx context.Context, store VersionedRecordStore, owner OwnerID, change MediaChange, now time.Time) (mediaOutcome, error) {
	switch typed := change.(type) {
	case MediaUpload:
		return m.upload(ctx, store, owner, typed, now)
	case MediaUpdate:
		return m.update(ctx, store, owner, typed, now)
	case MediaDelete:
		return m.softDelete(ctx, store, owner, typed, now)
	default:
		return mediaOutcome{}, fmt.Errorf("journal: unsupported media change %T", change)
	}
}

func (m *MediaAttachmentSynchronizer) resolveParent(ctx context.Context, store VersionedRecordStore, owner OwnerID, key AttachmentKey, allowDeleted bool) (*Entry, error) {
	parent, err := store.FindEntry(ctx, owner, key.EntryMobileID)
	if err != nil {
		return nil, err
	}
	if parent == nil || (parent.IsDeleted && !allowDeleted) {
		return nil, &OrphanAttachmentError{EntryMobileID: key.EntryMobileID}
	}
	return parent, nil
}

func (m *MediaAttachmentSynchronizer) findAttachment(ctx context.Context, store VersionedRecordStore, owner OwnerID, key AttachmentKey) (*MediaAttachment, error) {
	existing, err := store.FindAttachment(ctx, owner, key.MobileID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.EntryMobileID != key.EntryMobileID.String() {
		return nil, &FieldValidationError{Field: "journal_entry_mobile_id", Reason: "attachment belongs to another entry"}
	}
	return existing, nil
}

func (m *MediaAttachmentSynchronizer) upload(ctx context.Context, store VersionedRecordStore, owner OwnerID, change MediaUpload, now time.Time) (mediaOutcome, error) {
	if change.Metadata.SizeBytes < 0 {
		return mediaOutcome{}, &FieldValidationError{Field: "size_bytes", Reason: "must not be negative"}
	}
	parent, err := m.resolveParent(ctx, store, owner, change.AttachmentKey, false)
	if err != nil {
		return mediaOutcome{}, err
	}
	existing, err := m.findAttachment(ctx, store, owner, change.AttachmentKey)
	if err != nil {
		return mediaOutcome{}, err
	}

	if existing == nil {
		serverID, err := m.idProvider.NewID()
		if err != nil {
			return mediaOutcome{}, err
		}
		version := change.Version
		if version < 1 {
			version = 1
		}
		created := MediaAttachment{
			ServerID:      serverID,
			OwnerID:       owner.String(),
			MobileID:      change.MobileID.String(),
			EntryMobileID: change.EntryMobileID.String(),
			EntryServerID: parent.ServerID,
			Version:       version,
			SyncStatus:    SyncStatusSynced,
			CreatedAtMs:   now.UnixMilli(),
			UpdatedAtMs:   now.UnixMilli(),
		}
		applyMetadata(&created, change.Metadata)
		if err := store.CreateAttachment(ctx, &created); err != nil {
			return mediaOutcome{}, err
		}
		if err := m.enforceHero(ctx, store, owner, created, now); err != nil {
			return mediaOutcome{}, err
		}
		return upsertedOutcome(mediaUploaded, created, now), nil
	}

	if !existing.IsDeleted && sameMetadata(*existing, change.Metadata) {
		return mediaOutcome{action: mediaUploaded, view: NewAttachmentView(*existing)}, nil
	}

	state := &VersionState{Version: existing.Version, UpdatedAt: fromMillis(existing.UpdatedAtMs)}
	classification := Classify(change.Version, "", state, editTime(change.ClientModifiedAt, now), m.tolerance)
	if classification != ClassUpdate {
		return conflictOutcome(*existing, change.AttachmentKey, change.Version, conflictTypeFor(classification)), nil
	}
	next := *existing
	applyMetadata(&next, change.Metadata)
	next.EntryServerID = parent.ServerID
	next.IsDeleted = false
	return m.write(ctx, store, owner, *existing, next, change.AttachmentKey, change.Version, mediaUploaded, now)
}

func (m *MediaAttachmentSynchronizer) update(ctx context.Context, store VersionedRecordStore, owner OwnerID, change MediaUpdate, now time.Time) (mediaOutcome, error) {
	if _, err := m.resolveParent(ctx, store, owner, change.AttachmentKey, false); err != nil {
		return mediaOutcome{}, err
	}
	existing, err := m.findAttachment(ctx, store, owner, change.AttachmentKey)
	if err != nil {
		return mediaOutcome{}, err
	}
	if existing == nil || existing.IsDeleted {
		return mediaOutcome{}, fmt.Errorf("%w: %s", errAttachmentNotFound, change.MobileID)
	}

	next := *existing
	if change.Caption != nil {
		next.Caption = *change.Caption
	}
	if change.DisplayOrder != nil {
		next.DisplayOrder = *change.DisplayOrder
	}
	if change.IsHero != nil {
		next.IsHero = *change.IsHero
	}
	if next.Caption == existing.Caption && next.DisplayOrder == existing.DisplayOrder && next.IsHero == existing.IsHero {
		return mediaOutcome{action: mediaUpdated, view: NewAttachmentView(*existing)}, nil
	}

	state := &VersionState{Version: existing.Version, UpdatedAt: fromMillis(existing.UpdatedAtMs)}
	classification := Classify(change.Version, "", state, editTime(change.ClientModifiedAt, now), m.tolerance)
	if classification != ClassUpdate {
		return conflictOutcome(*existing, change.AttachmentKey, change.Version, conflictTypeFor(classification)), nil
	}
	return m.write(ctx, store, owner, *existing, next, change.AttachmentKey, change.Version, mediaUpdated, now)
}

func (m *MediaAttachmentSynchronizer) softDelete(ctx context.Context, store VersionedRecordStore, owner OwnerID, change MediaDelete, now time.Time) (mediaOutcome, error) {
	if _, err := m.resolveParent(ctx, store, owner, change.AttachmentKey, true); err != nil {
		return mediaOutcome{}, err
	}
	existing, err := m.findAttachment(ctx, store, owner, change.AttachmentKey)
	if err != nil {
		return mediaOutcome{}, err
	}
	if existing == nil {
		return mediaOutcome{}, fmt.Errorf("%w: %s", errAttachmentNotFound, change.MobileID)
	}
	if existing.IsDeleted {
		return mediaOutcome{action: mediaDeleted, view: NewAttachmentView(*existing)}, nil
	}

	next := *existing
	next.IsDeleted = true
	next.IsHero = false
	return m.write(ctx, store, owner, *existing, next, change.AttachmentKey, change.Version, mediaDeleted, now)
}

func (m *MediaAttachmentSynchronizer) write(ctx context.Context, store VersionedRecordStore, owner OwnerID, existing, next MediaAttachment, key AttachmentKey, clientVersion int64, action mediaAction, now time.Time) (mediaOutcome, error) {
	next.Version = NextVersion(clientVersion, existing.Version)
	next.SyncStatus = SyncStatusSynced
	next.UpdatedAtMs = advanceMillis(existing.UpdatedAtMs, now)
	if err := store.UpdateAttachment(ctx, &next, existing.Version); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return conflictOutcome(existing, key, clientVersion, ConflictConcurrentModification), nil
		}
		return mediaOutcome{}, err
	}
	if err := m.enforceHero(ctx, store, owner, next, now); err != nil {
		return mediaOutcome{}, err
	}
	return upsertedOutcome(action, next, now), nil
}

// enforceHero clears the hero flag on every sibling once attachment becomes the hero.
func (m *MediaAttachmentSynchronizer) enforceHero(ctx context.Context, store VersionedRecordStore, owner OwnerID, attachment MediaAttachment, now time.Time) error {
	if !attachment.IsHero || attachment.IsDeleted {
		return nil
	}
	return store.ClearHero(ctx, owner, MobileID(attachment.EntryMobileID), MobileID(attachment.MobileID), now.UnixMilli())
}

// editTime falls back to the request time when a device did not declare when it edited.
func editTime(declared, now time.Time) time.Time {
	if declared.IsZero() {
		return now
	}
	return declared
}

func applyMetadata(attachment *MediaAttachment, metadata AttachmentMetadata) {
	attachment.MediaType = metadata.MediaType
	attachment.MimeType = metadata.MimeType
	attachment.SizeBytes = metadata.SizeBytes
	attachment.StorageKey = metadata.StorageKey
	attachment.Checksum = metadata.Checksum
	attachment.Caption = metadata.Caption
	attachment.DisplayOrder = metadata.DisplayOrder
	attachment.IsHero = metadata.IsHero
}

func sameMetadata(attachment MediaAttachment, metadata AttachmentMetadata) bool {
	return attachment.MediaType == metadata.MediaType &&
		attachment.MimeType == metadata.MimeType &&
		attachment.SizeBytes == metadata.SizeBytes &&
		attachment.StorageKey == metadata.StorageKey &&
		attachment.Checksum == metadata.Checksum &&
		attachment.Caption == metadata.Caption &&
		attachment.DisplayOrder == metadata.DisplayOrder &&
		attachment.IsHero == metadata.IsHero
}

func upsertedOutcome(action mediaAction, attachment MediaAttachment, now time.Time) mediaOutcome {
	kind := EventAttachmentUpserted
	if attachment.IsDeleted {
		kind = EventAttachmentSoftDeleted
	}
	return mediaOutcome{
		action: action,
		view:   NewAttachmentView(attachment),
		event: &DomainEvent{
			Kind:          kind,
			OwnerID:       OwnerID(attachment.OwnerID),
			MobileID:      MobileID(attachment.MobileID),
			EntryMobileID: MobileID(attachment.EntryMobileID),
			Version:       attachment.Version,
			OccurredAt:    now,
		},
	}
}

func conflictOutcome(existing MediaAttachment, key AttachmentKey, clientVersion int64, conflictType ConflictType) mediaOutcome {
	options := make([]ResolutionStrategy, len(defaultResolutionOptions))
	copy(options, defaultResolutionOptions)
	return mediaOutcome{
		action: mediaConflicted,
		conflict: &MediaConflict{
			MobileID:          key.MobileID,
			EntryMobileID:     key.EntryMobileID,
			Type:              conflictType,
			ClientVersion:     clientVersion,
			ServerVersion:     existing.Version,
			ServerAttachment:  NewAttachmentView(existing),
			ResolutionOptions: options,
		},
	}
}
