package journal

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnOwnerID       = "owner_id"
	columnMobileID      = "mobile_id"
	columnVersion       = "version"
	columnUpdatedAtMs   = "updated_at_ms"
	queryOwnerMobile    = columnOwnerID + " = ? AND " + columnMobileID + " = ?"
	queryOwnerUpdatedGt = columnOwnerID + " = ? AND " + columnUpdatedAtMs + " > ?"
	queryOwnerUpdatedEq = columnOwnerID + " = ? AND " + columnUpdatedAtMs + " = ?"
	orderUpdatedAsc     = columnUpdatedAtMs + " ASC, server_id ASC"
)

// VersionedRecordStore is the transactional repository for entries and attachments
// keyed by (owner, mobile id). Implementations are bound to one transaction.
type VersionedRecordStore interface {
	FindEntry(ctx context.Context, owner OwnerID, mobileID MobileID) (*Entry, error)
	CreateEntry(ctx context.Context, entry *Entry) error
	UpdateEntry(ctx context.Context, entry *Entry, expectedVersion int64) error
	AppendRevision(ctx context.Context, revision *EntryRevision) error
	FindRevision(ctx context.Context, owner OwnerID, mobileID MobileID, version int64) (*EntryRevision, error)
	ListEntriesUpdatedAfter(ctx context.Context, owner OwnerID, afterMs int64, limit int) ([]Entry, error)
	ListEntriesUpdatedAt(ctx context.Context, owner OwnerID, atMs int64) ([]Entry, error)
	LatestUpdatedAtMs(ctx context.Context, owner OwnerID) (int64, error)

	FindAttachment(ctx context.Context, owner OwnerID, mobileID MobileID) (*MediaAttachment, error)
	CreateAttachment(ctx context.Context, attachment *MediaAttachment) error
	UpdateAttachment(ctx context.Context, attachment *MediaAttachment, expectedVersion int64) error
	ClearHero(ctx context.Context, owner OwnerID, entryMobileID MobileID, keep MobileID, updatedAtMs int64) error
	ListAttachmentsUpdatedBetween(ctx context.Context, owner OwnerID, afterMs, untilMs int64) ([]MediaAttachment, error)

	Savepoint(name string) error
	RollbackTo(name string) error
}

type gormRecordStore struct {
	db *gorm.DB
}

// NewGormRecordStore binds a VersionedRecordStore to a GORM handle, typically a transaction.
func NewGormRecordStore(db *gorm.DB) VersionedRecordStore {
	return &gormRecordStore{db: db}
}

func (s *gormRecordStore) FindEntry(ctx context.Context, owner OwnerID, mobileID MobileID) (*Entry, error) {
	return findFirst[Entry](s.db.WithContext(ctx).Where(queryOwnerMobile, owner.String(), mobileID.String()))
}

func (s *gormRecordStore) CreateEntry(ctx context.Context, entry *Entry) error {
	return classifyStoreError(s.db.WithContext(ctx).Create(entry).Error)
}

func (s *gormRecordStore) UpdateEntry(ctx context.Context, entry *Entry, expectedVersion int64) error {
	result := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where(queryOwnerMobile+" AND "+columnVersion+" = ?", entry.OwnerID, entry.MobileID, expectedVersion).
		Select("*").
		Omit("server_id", "created_at_ms").
		Updates(entry)
	if result.Error != nil {
		return classifyStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionMismatch
	}
	return nil
}

func (s *gormRecordStore) AppendRevision(ctx context.Context, revision *EntryRevision) error {
	return classifyStoreError(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(revision).Error)
}

func (s *gormRecordStore) FindRevision(ctx context.Context, owner OwnerID, mobileID MobileID, version int64) (*EntryRevision, error) {
	return findFirst[EntryRevision](s.db.WithContext(ctx).
		Where(queryOwnerMobile+" AND "+columnVersion+" = ?", owner.String(), mobileID.String(), version))
}

func (s *gormRecordStore) ListEntriesUpdatedAfter(ctx context.Context, owner OwnerID, afterMs int64, limit int) ([]Entry, error) {
	var entries []Entry
	query := s.db.WithContext(ctx).
		Where(queryOwnerUpdatedGt, owner.String(), afterMs).
		Order(orderUpdatedAsc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, classifyStoreError(err)
	}
	return entries, nil
}

func (s *gormRecordStore) ListEntriesUpdatedAt(ctx context.Context, owner OwnerID, atMs int64) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where(queryOwnerUpdatedEq, owner.String(), atMs).
		Order(orderUpdatedAsc).
		Find(&entries).Error; err != nil {
		return nil, classifyStoreError(err)
	}
	return entries, nil
}

// LatestUpdatedAtMs returns the newest updated_at across the owner's entries and attachments,
// or zero when the owner has none.
func (s *gormRecordStore) LatestUpdatedAtMs(ctx context.Context, owner OwnerID) (int64, error) {
	var latest int64
	for _, model := range []any{&Entry{}, &MediaAttachment{}} {
		var value int64
		err := s.db.WithContext(ctx).
			Model(model).
			Where(columnOwnerID+" = ?", owner.String()).
			Select("COALESCE(MAX(" + columnUpdatedAtMs + "), 0)").
			Scan(&value).Error
		if err != nil {
			return 0, classifyStoreError(err)
		}
		latest = max(latest, value)
	}
	return latest, nil
}

func (s *gormRecordStore) FindAttachment(ctx context.Context, owner OwnerID, mobileID MobileID) (*MediaAttachment, error) {
	return findFirst[MediaAttachment](s.db.WithContext(ctx).Where(queryOwnerMobile, owner.String(), mobileID.String()))
}

func (s *gormRecordStore) CreateAttachment(ctx context.Context, attachment *MediaAttachment) error {
	return classifyStoreError(s.db.WithContext(ctx).Create(attachment).Error)
}

func (s *gormRecordStore) UpdateAttachment(ctx context.Context, attachment *MediaAttachment, expectedVersion int64) error {
	result := s.db.WithContext(ctx).
		Model(&MediaAttachment{}).
		Where(queryOwnerMobile+" AND "+columnVersion+" = ?", attachment.OwnerID, attachment.MobileID, expectedVersion).
		Select("*").
		Omit("server_id", "created_at_ms").
		Updates(attachment)
	if result.Error != nil {
		return classifyStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionMismatch
	}
	return nil
}

// ClearHero demotes sibling heroes. A sibling's updated_at never moves backwards.
func (s *gormRecordStore) ClearHero(ctx context.Context, owner OwnerID, entryMobileID MobileID, keep MobileID, updatedAtMs int64) error {
	return classifyStoreError(s.db.WithContext(ctx).
		Model(&MediaAttachment{}).
		Where("owner_id = ? AND entry_mobile_id = ? AND mobile_id <> ? AND is_hero = ?", owner.String(), entryMobileID.String(), keep.String(), true).
		Updates(map[string]any{
			"is_hero":         false,
			columnVersion:     gorm.Expr(columnVersion + " + 1"),
			columnUpdatedAtMs: gorm.Expr("CASE WHEN "+columnUpdatedAtMs+" >= ? THEN "+columnUpdatedAtMs+" + 1 ELSE ? END", updatedAtMs, updatedAtMs),
		}).Error)
}

func (s *gormRecordStore) ListAttachmentsUpdatedBetween(ctx context.Context, owner OwnerID, afterMs, untilMs int64) ([]MediaAttachment, error) {
	var attachments []MediaAttachment
	query := s.db.WithContext(ctx).
		Where(queryOwnerUpdatedGt, owner.String(), afterMs)
	if untilMs > 0 {
		query = query.Where(columnUpdatedAtMs+" <= ?", untilMs)
	}
	if err := query.Order(orderUpdatedAsc).Find(&attachments).Error; err != nil {
		return nil, classifyStoreError(err)
	}
	return attachments, nil
}

func (s *gormRecordStore) Savepoint(name string) error {
	return classifyStoreError(s.db.SavePoint(name).Error)
}

func (s *gormRecordStore) RollbackTo(name string) error {
	return classifyStoreError(s.db.RollbackTo(name).Error)
}

// findFirst returns the first matching row or nil. A missing row is not an error.
func findFirst[T any](query *gorm.DB) (*T, error) {
	var rows []T
	if err := query.Limit(1).Find(&rows).Error; err != nil {
		return nil, classifyStoreError(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
