package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxBackoff  = 10 * time.Minute
	DefaultBatchSize   = journal.DefaultMaxEntriesPerRequest
)

var (
	errMissingDatabase = errors.New("offlinequeue: database handle is required")
	errMissingClientID = errors.New("offlinequeue: client id is required")

	// ErrItemNotFound indicates that no queued item has the given mobile id.
	ErrItemNotFound = errors.New("offlinequeue: item not found")
)

// Submitter delivers a batch of queued entries to the server.
type Submitter interface {
	Submit(ctx context.Context, payload journal.SyncRequestPayload) (journal.SyncResult, error)
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(ctx context.Context, payload journal.SyncRequestPayload) (journal.SyncResult, error)

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, payload journal.SyncRequestPayload) (journal.SyncResult, error) {
	return f(ctx, payload)
}

// Puller fetches the server delta after a continuation token.
type Puller interface {
	Changes(ctx context.Context, token string) (journal.ChangesResult, error)
}

// ServiceSubmitter submits batches to an in-process journal service.
type ServiceSubmitter struct {
	Service *journal.Service
	Owner   journal.OwnerID
}

// Submit runs the batch through the journal service.
func (s ServiceSubmitter) Submit(ctx context.Context, payload journal.SyncRequestPayload) (journal.SyncResult, error) {
	return s.Service.Sync(ctx, s.Owner, payload)
}

// Changes collects the delta from the journal service.
func (s ServiceSubmitter) Changes(ctx context.Context, token string) (journal.ChangesResult, error) {
	return s.Service.CollectChanges(ctx, s.Owner, token)
}

// Config describes the dependencies and retry policy of a Queue.
type Config struct {
	Database    *gorm.DB
	ClientID    string
	Clock       func() time.Time
	Logger      *zap.Logger
	Resolver    *journal.AutomaticConflictResolver
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
}

// Queue persists entries written while offline and drains them when a connection is available.
type Queue struct {
	db          *gorm.DB
	clientID    string
	clock       func() time.Time
	logger      *zap.Logger
	resolver    *journal.AutomaticConflictResolver
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	batchSize   int
	drainMu     sync.Mutex
}

// DrainReport summarizes one drain pass. Received counts server changes stored for the
// device to apply.
type DrainReport struct {
	Submitted   int
	Received    int
	Synced      []string
	Discarded   []string
	Rebased     []string
	Conflicts   []string
	Retrying    []string
	Failed      []string
	SubmitError error
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, errMissingClientID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		reconciler := journal.NewReconciler(journal.ReconcilerConfig{})
		resolver = journal.NewAutomaticConflictResolver(reconciler.ToleranceWindow(), reconciler.IsWellbeing)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = DefaultBaseBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > journal.DefaultMaxEntriesPerRequest {
		batchSize = DefaultBatchSize
	}
	return &Queue{
		db:          cfg.Database,
		clientID:    clientID,
		clock:       clock,
		logger:      logger,
		resolver:    resolver,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		batchSize:   batchSize,
	}, nil
}

// Enqueue stores an entry for upload, replacing any queued copy with the same mobile id.
// A replaced item starts over with a fresh attempt budget.
func (q *Queue) Enqueue(ctx context.Context, entry journal.EntryPayload, priority int) error {
	mobileID, err := journal.NewMobileID(entry.MobileID)
	if err != nil {
		return fmt.Errorf("offlinequeue: %w", err)
	}
	entry.MobileID = mobileID.String()
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("offlinequeue: encode payload: %w", err)
	}
	status := journal.SyncStatusPendingSync
	if entry.IsDeleted {
		status = journal.SyncStatusPendingDelete
	}
	nowMs := q.clock().UTC().UnixMilli()
	item := Item{
		MobileID:        mobileID.String(),
		Payload:         encoded,
		Priority:        priority,
		Status:          string(status),
		NextAttemptAtMs: nowMs,
		EnqueuedAtMs:    nowMs,
		UpdatedAtMs:     nowMs,
	}
	err = q.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mobile_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"payload":            item.Payload,
				"priority":           item.Priority,
				"status":             item.Status,
				"attempts":           0,
				"last_error":         "",
				"conflict":           nil,
				"next_attempt_at_ms": nowMs,
				"updated_at_ms":      nowMs,
			}),
		}).
		Create(&item).Error
	if err != nil {
		return fmt.Errorf("offlinequeue: enqueue %s: %w", item.MobileID, err)
	}
	return nil
}

// Due returns pending items whose next attempt time has passed, highest priority first.
func (q *Queue) Due(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = q.batchSize
	}
	var items []Item
	err := q.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at_ms <= ?", pendingStatuses(), q.clock().UTC().UnixMilli()).
		Order("priority DESC, enqueued_at_ms ASC, mobile_id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: load due items: %w", err)
	}
	return items, nil
}

// Failed returns items that need user attention: exhausted retries and unresolved conflicts.
func (q *Queue) Failed(ctx context.Context) ([]Item, error) {
	var items []Item
	err := q.db.WithContext(ctx).
		Where("status IN ?", []string{string(journal.SyncStatusSyncError), string(journal.SyncStatusConflict)}).
		Order("updated_at_ms ASC, mobile_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: load failed items: %w", err)
	}
	return items, nil
}

// Get returns the queued item for a mobile id.
func (q *Queue) Get(ctx context.Context, mobileID string) (Item, error) {
	var items []Item
	err := q.db.WithContext(ctx).Where("mobile_id = ?", mobileID).Limit(1).Find(&items).Error
	if err != nil {
		return Item{}, fmt.Errorf("offlinequeue: load %s: %w", mobileID, err)
	}
	if len(items) == 0 {
		return Item{}, ErrItemNotFound
	}
	return items[0], nil
}

// MarkSynced removes items the server accepted.
func (q *Queue) MarkSynced(ctx context.Context, mobileIDs ...string) error {
	if len(mobileIDs) == 0 {
		return nil
	}
	if err := q.db.WithContext(ctx).Where("mobile_id IN ?", mobileIDs).Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("offlinequeue: remove synced items: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Retryable failures back off exponentially until the
// attempt budget is spent; everything else moves straight to sync_error.
func (q *Queue) MarkFailed(ctx context.Context, mobileID string, cause error, retryable bool) (Item, error) {
	item, err := q.Get(ctx, mobileID)
	if err != nil {
		return Item{}, err
	}
	now := q.clock().UTC()
	item.Attempts++
	item.LastError = errorMessage(cause)
	item.UpdatedAtMs = now.UnixMilli()
	if retryable && item.Attempts < q.maxAttempts {
		item.NextAttemptAtMs = now.Add(q.Backoff(item.Attempts)).UnixMilli()
	} else {
		item.Status = string(journal.SyncStatusSyncError)
	}
	if err := q.save(ctx, item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Backoff returns the delay before the next attempt after the given number of failures.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.baseBackoff
	for step := 1; step < attempts; step++ {
		delay *= 2
		if delay >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	if delay > q.maxBackoff {
		return q.maxBackoff
	}
	return delay
}

// Drain submits one batch of due items and settles each according to the server's answer.
// Only local storage failures are returned as errors; a failed submission is reported and
// rescheduled.
func (q *Queue) Drain(ctx context.Context, submitter Submitter) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	report := DrainReport{}
	items, err := q.Due(ctx, q.batchSize)
	if err != nil {
		return report, err
	}
	if len(items) == 0 {
		return report, nil
	}

	payload, pending, err := q.buildRequest(ctx, items)
	if err != nil {
		return report, err
	}
	report.Submitted = len(pending)

	result, submitErr := submitter.Submit(ctx, payload)
	if submitErr != nil {
		report.SubmitError = submitErr
		retryable := IsRetryable(submitErr)
		q.logger.Warn("offline queue submission failed",
			zap.Int("items", len(pending)),
			zap.Bool("retryable", retryable),
			zap.Error(submitErr))
		for mobileID := range pending {
			item, markErr := q.MarkFailed(ctx, mobileID, submitErr, retryable)
			if markErr != nil {
				return report, markErr
			}
			report.record(item)
		}
		return report, nil
	}

	if err := q.settle(ctx, pending, result, &report); err != nil {
		return report, err
	}
	received, err := q.accept(ctx, result.ServerChanges, result.NextSyncToken)
	if err != nil {
		return report, err
	}
	report.Received = received
	return report, nil
}

// Pull fetches server changes after the stored checkpoint until the server reports no
// more, storing every page before the checkpoint moves past it.
func (q *Queue) Pull(ctx context.Context, puller Puller) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		token, err := q.LastToken(ctx)
		if err != nil {
			return total, err
		}
		result, err := puller.Changes(ctx, token)
		if err != nil {
			return total, err
		}
		received, err := q.accept(ctx, result.ServerChanges, result.NextSyncToken)
		total += received
		if err != nil {
			return total, err
		}
		if !result.ServerChanges.HasMore || received == 0 {
			return total, nil
		}
	}
}

// Inbound returns received server changes in arrival order.
func (q *Queue) Inbound(ctx context.Context, limit int) ([]InboundChange, error) {
	query := q.db.WithContext(ctx).Order("received_at_ms ASC, kind ASC, mobile_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var changes []InboundChange
	if err := query.Find(&changes).Error; err != nil {
		return nil, fmt.Errorf("offlinequeue: load inbound changes: %w", err)
	}
	return changes, nil
}

// AcknowledgeInbound drops changes the device applied. A copy received after the
// acknowledged version stays.
func (q *Queue) AcknowledgeInbound(ctx context.Context, changes ...InboundChange) error {
	for _, change := range changes {
		err := q.db.WithContext(ctx).
			Where("kind = ? AND mobile_id = ? AND version <= ?", change.Kind, change.MobileID, change.Version).
			Delete(&InboundChange{}).Error
		if err != nil {
			return fmt.Errorf("offlinequeue: acknowledge %s %s: %w", change.Kind, change.MobileID, err)
		}
	}
	return nil
}

// DrainAll keeps draining until nothing is due or a submission fails.
func (q *Queue) DrainAll(ctx context.Context, submitter Submitter) (DrainReport, error) {
	total := DrainReport{}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		report, err := q.Drain(ctx, submitter)
		total.merge(report)
		if err != nil {
			return total, err
		}
		if report.Submitted == 0 || report.SubmitError != nil {
			return total, nil
		}
		if len(report.Synced)+len(report.Discarded)+len(report.Rebased) == 0 {
			return total, nil
		}
	}
}

// LastToken returns the stored continuation token for the queue's client.
func (q *Queue) LastToken(ctx context.Context) (string, error) {
	var checkpoints []Checkpoint
	err := q.db.WithContext(ctx).Where("client_id = ?", q.clientID).Limit(1).Find(&checkpoints).Error
	if err != nil {
		return "", fmt.Errorf("offlinequeue: load checkpoint: %w", err)
	}
	if len(checkpoints) == 0 {
		return "", nil
	}
	return checkpoints[0].Token, nil
}

func (q *Queue) buildRequest(ctx context.Context, items []Item) (journal.SyncRequestPayload, map[string]Item, error) {
	token, err := q.LastToken(ctx)
	if err != nil {
		return journal.SyncRequestPayload{}, nil, err
	}
	payload := journal.SyncRequestPayload{
		ClientID:      q.clientID,
		LastSyncToken: token,
		Entries:       make([]journal.EntryPayload, 0, len(items)),
	}
	pending := make(map[string]Item, len(items))
	for _, item := range items {
		entry, decodeErr := item.Entry()
		if decodeErr != nil {
			failed, markErr := q.MarkFailed(ctx, item.MobileID, decodeErr, false)
			if markErr != nil {
				return journal.SyncRequestPayload{}, nil, markErr
			}
			q.logger.Error("offline queue item is unreadable",
				zap.String("mobile_id", failed.MobileID),
				zap.Error(decodeErr))
			continue
		}
		payload.Entries = append(payload.Entries, entry)
		pending[item.MobileID] = item
	}
	return payload, pending, nil
}

func (q *Queue) settle(ctx context.Context, pending map[string]Item, result journal.SyncResult, report *DrainReport) error {
	processing := result.ClientProcessing
	settled := make(map[string]struct{}, len(pending))

	accepted := make([]string, 0, len(pending))
	for _, view := range append(append([]journal.EntryView{}, processing.Created...), processing.Updated...) {
		if _, ok := pending[view.MobileID]; ok {
			accepted = append(accepted, view.MobileID)
			settled[view.MobileID] = struct{}{}
		}
	}
	for _, resolution := range processing.AutoResolved {
		mobileID := resolution.MobileID.String()
		if _, ok := pending[mobileID]; !ok {
			continue
		}
		if _, done := settled[mobileID]; done {
			continue
		}
		settled[mobileID] = struct{}{}
		if resolution.Written {
			accepted = append(accepted, mobileID)
			continue
		}
		report.Discarded = append(report.Discarded, mobileID)
		if err := q.MarkSynced(ctx, mobileID); err != nil {
			return err
		}
	}
	if err := q.MarkSynced(ctx, accepted...); err != nil {
		return err
	}
	report.Synced = append(report.Synced, accepted...)

	for _, conflict := range processing.Conflicts {
		mobileID := conflict.MobileID.String()
		item, ok := pending[mobileID]
		if !ok {
			continue
		}
		if _, done := settled[mobileID]; done {
			continue
		}
		settled[mobileID] = struct{}{}
		if err := q.resolveConflict(ctx, item, conflict, report); err != nil {
			return err
		}
	}

	for _, itemErr := range processing.Errors {
		if _, ok := pending[itemErr.MobileID]; !ok {
			continue
		}
		if _, done := settled[itemErr.MobileID]; done {
			continue
		}
		settled[itemErr.MobileID] = struct{}{}
		item, err := q.MarkFailed(ctx, itemErr.MobileID, errors.New(itemErr.Message), itemErr.Retryable)
		if err != nil {
			return err
		}
		report.record(item)
	}

	for mobileID := range pending {
		if _, done := settled[mobileID]; done {
			continue
		}
		item, err := q.MarkFailed(ctx, mobileID, errors.New("offlinequeue: entry missing from sync response"), true)
		if err != nil {
			return err
		}
		report.record(item)
	}
	return nil
}

func (q *Queue) resolveConflict(ctx context.Context, item Item, conflict journal.ConflictRecord, report *DrainReport) error {
	resolution, ok := q.resolver.Resolve(conflict, nil)
	if !ok {
		encoded, err := json.Marshal(conflict)
		if err != nil {
			return fmt.Errorf("offlinequeue: encode conflict %s: %w", item.MobileID, err)
		}
		item.Status = string(journal.SyncStatusConflict)
		item.Conflict = encoded
		item.UpdatedAtMs = q.clock().UTC().UnixMilli()
		if err := q.save(ctx, item); err != nil {
			return err
		}
		report.Conflicts = append(report.Conflicts, item.MobileID)
		return nil
	}

	if resolution.Strategy == journal.ResolutionUseServer {
		report.Discarded = append(report.Discarded, item.MobileID)
		return q.MarkSynced(ctx, item.MobileID)
	}

	now := q.clock().UTC()
	rebased := rebasedPayload(item.MobileID, conflict.ServerVersion+1, now, resolution.Fields)
	encoded, err := json.Marshal(rebased)
	if err != nil {
		return fmt.Errorf("offlinequeue: encode payload: %w", err)
	}
	item.Payload = encoded
	item.Conflict = nil
	item.LastError = ""
	item.NextAttemptAtMs = now.UnixMilli()
	item.UpdatedAtMs = now.UnixMilli()
	if err := q.save(ctx, item); err != nil {
		return err
	}
	q.logger.Info("offline queue item rebased",
		zap.String("mobile_id", item.MobileID),
		zap.String("rule", string(resolution.Rule)),
		zap.Int64("version", rebased.Version))
	report.Rebased = append(report.Rebased, item.MobileID)
	return nil
}

func (q *Queue) save(ctx context.Context, item Item) error {
	if err := q.db.WithContext(ctx).Save(&item).Error; err != nil {
		return fmt.Errorf("offlinequeue: save %s: %w", item.MobileID, err)
	}
	return nil
}

// accept stores received server changes and advances the checkpoint in one transaction,
// so the checkpoint never moves past changes the device has not kept.
func (q *Queue) accept(ctx context.Context, changes journal.ServerChangesView, next journal.NextSyncToken) (int, error) {
	inbound, err := inboundChanges(changes, q.clock().UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	if len(inbound) == 0 && next.Token == "" {
		return 0, nil
	}
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range inbound {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "kind"}, {Name: "mobile_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"deleted", "version", "payload", "received_at_ms"}),
			}).Create(&inbound[index]).Error
			if err != nil {
				return fmt.Errorf("offlinequeue: store inbound %s %s: %w", inbound[index].Kind, inbound[index].MobileID, err)
			}
		}
		if next.Token == "" {
			return nil
		}
		return q.saveCheckpoint(tx, next)
	})
	if err != nil {
		return 0, err
	}
	if len(inbound) > 0 {
		q.logger.Info("offline queue received server changes", zap.Int("changes", len(inbound)))
	}
	return len(inbound), nil
}

func (q *Queue) saveCheckpoint(tx *gorm.DB, next journal.NextSyncToken) error {
	checkpoint := Checkpoint{
		ClientID:    q.clientID,
		Token:       next.Token,
		Timestamp:   next.Timestamp.UTC().Format(time.RFC3339Nano),
		UpdatedAtMs: q.clock().UTC().UnixMilli(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "timestamp", "updated_at_ms"}),
	}).Create(&checkpoint).Error
	if err != nil {
		return fmt.Errorf("offlinequeue: save checkpoint: %w", err)
	}
	return nil
}

func inboundChanges(changes journal.ServerChangesView, receivedAtMs int64) ([]InboundChange, error) {
	inbound := make([]InboundChange, 0, len(changes.ModifiedEntries)+len(changes.DeletedEntries)+
		len(changes.ModifiedAttachments)+len(changes.DeletedAttachments))
	entries := append(append([]journal.EntryView{}, changes.ModifiedEntries...), changes.DeletedEntries...)
	for _, view := range entries {
		encoded, err := json.Marshal(view)
		if err != nil {
			return nil, fmt.Errorf("offlinequeue: encode inbound entry %s: %w", view.MobileID, err)
		}
		inbound = append(inbound, InboundChange{
			Kind:         InboundEntry,
			MobileID:     view.MobileID,
			Deleted:      view.IsDeleted,
			Version:      view.Version,
			Payload:      encoded,
			ReceivedAtMs: receivedAtMs,
		})
	}
	attachments := append(append([]journal.AttachmentView{}, changes.ModifiedAttachments...), changes.DeletedAttachments...)
	for _, view := range attachments {
		encoded, err := json.Marshal(view)
		if err != nil {
			return nil, fmt.Errorf("offlinequeue: encode inbound attachment %s: %w", view.MobileID, err)
		}
		inbound = append(inbound, InboundChange{
			Kind:         InboundAttachment,
			MobileID:     view.MobileID,
			Deleted:      view.IsDeleted,
			Version:      view.Version,
			Payload:      encoded,
			ReceivedAtMs: receivedAtMs,
		})
	}
	return inbound, nil
}

func rebasedPayload(mobileID string, version int64, modifiedAt time.Time, fields journal.EntryFields) journal.EntryPayload {
	return journal.EntryPayload{
		MobileID:         mobileID,
		Version:          version,
		Timestamp:        fields.EventAt.UTC().Format(time.RFC3339Nano),
		ClientModifiedAt: modifiedAt.Format(time.RFC3339Nano),
		EntryType:        string(fields.EntryType),
		Title:            fields.Title,
		Content:          fields.Content,
		Tags:             fields.Tags.Values(),
		SharedWith:       fields.SharedWith.Values(),
		MoodScore:        fields.MoodScore,
		StressLevel:      fields.StressLevel,
		EnergyLevel:      fields.EnergyLevel,
		IsDeleted:        fields.IsDeleted,
	}
}

// IsRetryable reports whether a failed submission may succeed if sent again unchanged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var validationErr *journal.ValidationError
	var consentErr *journal.ConsentError
	if errors.As(err, &validationErr) || errors.As(err, &consentErr) {
		return false
	}
	var storeErr *journal.StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Retryable
	}
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}

func pendingStatuses() []string {
	return []string{string(journal.SyncStatusPendingSync), string(journal.SyncStatusPendingDelete)}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *DrainReport) record(item Item) {
	if item.Status == string(journal.SyncStatusSyncError) {
		r.Failed = append(r.Failed, item.MobileID)
		return
	}
	r.Retrying = append(r.Retrying, item.MobileID)
}

func (r *DrainReport) merge(other DrainReport) {
	r.Submitted += other.Submitted
	r.Received += other.Received
	r.Synced = append(r.Synced, other.Synced...)
	r.Discarded = append(r.Discarded, other.Discarded...)
	r.Rebased = append(r.Rebased, other.Rebased...)
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
	r.Retrying = append(r.Retrying, other.Retrying...)
	r.Failed = append(r.Failed, other.Failed...)
	if other.SubmitError != nil {
		r.SubmitError = other.SubmitError
	}
}
