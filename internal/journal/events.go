package journal

import (
	"context"
	"time"
)

// EventKind names a domain event emitted after a committed write.
type EventKind string

const (
	EventEntryCreated          EventKind = "entry_created"
	EventEntryUpdated          EventKind = "entry_updated"
	EventEntrySoftDeleted      EventKind = "entry_soft_deleted"
	EventAttachmentUpserted    EventKind = "attachment_upserted"
	EventAttachmentSoftDeleted EventKind = "attachment_soft_deleted"
)

// DomainEvent notifies downstream consumers (search indexing, analytics, realtime fan-out).
// Delivery is at-least-once; consumers must tolerate duplicates.
type DomainEvent struct {
	Kind          EventKind
	OwnerID       OwnerID
	MobileID      MobileID
	EntryMobileID MobileID
	Version       int64
	OccurredAt    time.Time
}

// EventPublisher receives domain events once their transaction has committed.
type EventPublisher interface {
	Publish(ctx context.Context, events []DomainEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, []DomainEvent) {}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, events []DomainEvent)

// Publish calls the wrapped function.
func (f PublisherFunc) Publish(ctx context.Context, events []DomainEvent) {
	f(ctx, events)
}

func entryEvent(previous *Entry, next Entry, occurredAt time.Time) DomainEvent {
	kind := EventEntryUpdated
	switch {
	case previous == nil:
		kind = EventEntryCreated
	case next.IsDeleted && !previous.IsDeleted:
		kind = EventEntrySoftDeleted
	}
	return DomainEvent{
		Kind:       kind,
		OwnerID:    OwnerID(next.OwnerID),
		MobileID:   MobileID(next.MobileID),
		Version:    next.Version,
		OccurredAt: occurredAt,
	}
}
