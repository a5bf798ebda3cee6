package offlinequeue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
)

// Item is one journal entry waiting on the device for upload.
type Item struct {
	MobileID        string `gorm:"column:mobile_id;primaryKey;size:64"`
	Payload         []byte `gorm:"column:payload;not null"`
	Priority        int    `gorm:"column:priority;not null;default:0;index:idx_offline_queue_due,priority:1"`
	Status          string `gorm:"column:status;size:32;not null;index:idx_offline_queue_due,priority:2"`
	Attempts        int    `gorm:"column:attempts;not null;default:0"`
	LastError       string `gorm:"column:last_error;type:text"`
	Conflict        []byte `gorm:"column:conflict"`
	NextAttemptAtMs int64  `gorm:"column:next_attempt_at_ms;not null;index:idx_offline_queue_due,priority:3"`
	EnqueuedAtMs    int64  `gorm:"column:enqueued_at_ms;not null"`
	UpdatedAtMs     int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "offline_queue_items"
}

// Entry decodes the queued entry payload.
func (i Item) Entry() (journal.EntryPayload, error) {
	var payload journal.EntryPayload
	if err := json.Unmarshal(i.Payload, &payload); err != nil {
		return journal.EntryPayload{}, fmt.Errorf("offlinequeue: decode payload %s: %w", i.MobileID, err)
	}
	return payload, nil
}

// ConflictRecord decodes the conflict that parked the item, if any.
func (i Item) ConflictRecord() (*journal.ConflictRecord, error) {
	if len(i.Conflict) == 0 {
		return nil, nil
	}
	var conflict journal.ConflictRecord
	if err := json.Unmarshal(i.Conflict, &conflict); err != nil {
		return nil, fmt.Errorf("offlinequeue: decode conflict %s: %w", i.MobileID, err)
	}
	return &conflict, nil
}

// NextAttemptAt reports when the item becomes due.
func (i Item) NextAttemptAt() time.Time {
	return time.UnixMilli(i.NextAttemptAtMs).UTC()
}

// Checkpoint stores the last continuation token the server returned to a client.
type Checkpoint struct {
	ClientID    string `gorm:"column:client_id;primaryKey;size:190"`
	Token       string `gorm:"column:token;type:text;not null"`
	Timestamp   string `gorm:"column:timestamp;size:64"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "offline_queue_checkpoints"
}

// Inbound change kinds.
const (
	InboundEntry      = "entry"
	InboundAttachment = "attachment"
)

// InboundChange is a server-side change the device received but has not applied locally yet.
// Only the latest received copy per record is kept.
type InboundChange struct {
	Kind         string `gorm:"column:kind;primaryKey;size:16"`
	MobileID     string `gorm:"column:mobile_id;primaryKey;size:64"`
	Deleted      bool   `gorm:"column:deleted;not null;default:false"`
	Version      int64  `gorm:"column:version;not null"`
	Payload      []byte `gorm:"column:payload;not null"`
	ReceivedAtMs int64  `gorm:"column:received_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (InboundChange) TableName() string {
	return "offline_queue_inbound"
}

// Entry decodes an inbound entry change.
func (c InboundChange) Entry() (journal.EntryView, error) {
	var view journal.EntryView
	if c.Kind != InboundEntry {
		return view, fmt.Errorf("offlinequeue: inbound %s %s is not an entry", c.Kind, c.MobileID)
	}
	if err := json.Unmarshal(c.Payload, &view); err != nil {
		return journal.EntryView{}, fmt.Errorf("offlinequeue: decode inbound entry %s: %w", c.MobileID, err)
	}
	return view, nil
}

// Attachment decodes an inbound attachment change.
func (c InboundChange) Attachment() (journal.AttachmentView, error) {
	var view journal.AttachmentView
	if c.Kind != InboundAttachment {
		return view, fmt.Errorf("offlinequeue: inbound %s %s is not an attachment", c.Kind, c.MobileID)
	}
	if err := json.Unmarshal(c.Payload, &view); err != nil {
		return journal.AttachmentView{}, fmt.Errorf("offlinequeue: decode inbound attachment %s: %w", c.MobileID, err)
	}
	return view, nil
}

// Models lists the device-local tables.
func Models() []any {
	return []any{&Item{}, &Checkpoint{}, &InboundChange{}}
}
