package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
)

const (
	RealtimeEventEntryChanged = "entry-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "journal-backend"
	defaultRealtimeBuffer     = 16
)

// RealtimeMessage tells an owner's connected devices which records changed.
type RealtimeMessage struct {
	OwnerID       journal.OwnerID
	EventType     string
	EntryIDs      []string
	AttachmentIDs []string
	Timestamp     time.Time
}

// RealtimeDispatcher fans committed changes out to per-owner subscribers. Slow
// subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[journal.OwnerID]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[journal.OwnerID]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, owner journal.OwnerID) (<-chan RealtimeMessage, func()) {
	if owner == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(owner, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(owner, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements journal.EventPublisher.
func (d *RealtimeDispatcher) Publish(_ context.Context, events []journal.DomainEvent) {
	for _, message := range messagesFromEvents(events) {
		d.Deliver(message)
	}
}

func (d *RealtimeDispatcher) Deliver(message RealtimeMessage) {
	if message.OwnerID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.OwnerID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(owner journal.OwnerID, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[owner]; !ok {
		d.subscribers[owner] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[owner][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(owner journal.OwnerID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[owner]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, owner)
		}
	}
	d.mu.Unlock()
}

// messagesFromEvents folds a batch of domain events into one message per owner.
func messagesFromEvents(events []journal.DomainEvent) []RealtimeMessage {
	if len(events) == 0 {
		return nil
	}
	type changeSet struct {
		entries     journal.IdentifierSet
		attachments journal.IdentifierSet
		latest      time.Time
	}
	byOwner := make(map[journal.OwnerID]*changeSet)
	owners := make([]journal.OwnerID, 0, 1)
	for _, event := range events {
		if event.OwnerID == "" {
			continue
		}
		set, ok := byOwner[event.OwnerID]
		if !ok {
			set = &changeSet{}
			byOwner[event.OwnerID] = set
			owners = append(owners, event.OwnerID)
		}
		switch event.Kind {
		case journal.EventAttachmentUpserted, journal.EventAttachmentSoftDeleted:
			set.attachments.Add(event.MobileID.String())
			set.entries.Add(event.EntryMobileID.String())
		default:
			set.entries.Add(event.MobileID.String())
		}
		if event.OccurredAt.After(set.latest) {
			set.latest = event.OccurredAt
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	messages := make([]RealtimeMessage, 0, len(owners))
	for _, owner := range owners {
		set := byOwner[owner]
		messages = append(messages, RealtimeMessage{
			OwnerID:       owner,
			EventType:     RealtimeEventEntryChanged,
			EntryIDs:      set.entries.Values(),
			AttachmentIDs: set.attachments.Values(),
			Timestamp:     set.latest.UTC(),
		})
	}
	return messages
}
