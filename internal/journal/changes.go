package journal

import (
	"context"
	"time"
)

const (
	// DefaultRecentWindow bounds the first sync of a device that has no checkpoint.
	DefaultRecentWindow = 30 * 24 * time.Hour
	// DefaultChangePageSize caps the entries returned in one delta page.
	DefaultChangePageSize = 200
)

// ChangeCollectorConfig tunes delta computation.
type ChangeCollectorConfig struct {
	RecentWindow time.Duration
	PageSize     int
}

// ServerChanges is the delta of server-side state a client has not seen yet.
type ServerChanges struct {
	ModifiedEntries     []Entry
	DeletedEntries      []Entry
	ModifiedAttachments []MediaAttachment
	DeletedAttachments  []MediaAttachment
	HasMore             bool
	// Boundary is the timestamp the next page starts after when HasMore is set.
	Boundary time.Time
	// Through is the newest stored updated_at the delta is complete up to. The next
	// checkpoint is minted from it rather than from a clock reading.
	Through time.Time
}

// ChangeCollector computes server deltas. It never writes.
type ChangeCollector struct {
	recentWindow time.Duration
	pageSize     int
}

// NewChangeCollector constructs a ChangeCollector, applying defaults for unset configuration.
func NewChangeCollector(cfg ChangeCollectorConfig) *ChangeCollector {
	window := cfg.RecentWindow
	if window <= 0 {
		window = DefaultRecentWindow
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultChangePageSize
	}
	return &ChangeCollector{recentWindow: window, pageSize: pageSize}
}

// Collect returns entries and attachments changed after the checkpoint. Without a checkpoint
// only the recent window is scanned and deletions are omitted. Entries listed in exclude
// (typically those reconciled in the same request) are skipped.
func (c *ChangeCollector) Collect(ctx context.Context, store VersionedRecordStore, owner OwnerID, checkpoint *SyncCheckpoint, exclude IdentifierSet, now time.Time) (ServerChanges, error) {
	lowerBoundMs := now.Add(-c.recentWindow).UnixMilli()
	includeDeleted := false
	if checkpoint != nil {
		lowerBoundMs = checkpoint.Timestamp.UnixMilli()
		includeDeleted = true
	}

	rows, err := store.ListEntriesUpdatedAfter(ctx, owner, lowerBoundMs, c.pageSize+1)
	if err != nil {
		return ServerChanges{}, err
	}

	changes := ServerChanges{}
	throughMs := lowerBoundMs
	var untilMs int64
	if len(rows) > c.pageSize {
		boundaryMs := rows[c.pageSize-1].UpdatedAtMs
		kept := make([]Entry, 0, c.pageSize)
		for _, row := range rows {
			if row.UpdatedAtMs < boundaryMs {
				kept = append(kept, row)
			}
		}
		// Never split a timestamp across pages: the next page starts strictly after it.
		ties, tieErr := store.ListEntriesUpdatedAt(ctx, owner, boundaryMs)
		if tieErr != nil {
			return ServerChanges{}, tieErr
		}
		rows = append(kept, ties...)
		untilMs = boundaryMs
		changes.HasMore = true
		changes.Boundary = fromMillis(boundaryMs)
	}

	for _, row := range rows {
		throughMs = max(throughMs, row.UpdatedAtMs)
		if exclude.Contains(row.MobileID) {
			continue
		}
		if row.IsDeleted {
			if includeDeleted {
				changes.DeletedEntries = append(changes.DeletedEntries, row)
			}
			continue
		}
		changes.ModifiedEntries = append(changes.ModifiedEntries, row)
	}

	attachments, err := store.ListAttachmentsUpdatedBetween(ctx, owner, lowerBoundMs, untilMs)
	if err != nil {
		return ServerChanges{}, err
	}
	for _, attachment := range attachments {
		throughMs = max(throughMs, attachment.UpdatedAtMs)
		if attachment.IsDeleted {
			if includeDeleted {
				changes.DeletedAttachments = append(changes.DeletedAttachments, attachment)
			}
			continue
		}
		changes.ModifiedAttachments = append(changes.ModifiedAttachments, attachment)
	}
	changes.Through = fromMillis(throughMs)
	if changes.HasMore {
		changes.Through = changes.Boundary
	}
	return changes, nil
}
