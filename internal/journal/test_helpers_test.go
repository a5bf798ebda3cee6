package journal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testOwner    = "owner-1"
	testClientA  = "device-a"
	testClientB  = "device-b"
	testMobileM1 = "6f1c1b7e-3c1a-4a51-9d2e-1f0a5e7c9b01"
	testMobileM2 = "6f1c1b7e-3c1a-4a51-9d2e-1f0a5e7c9b02"
	testMobileM3 = "6f1c1b7e-3c1a-4a51-9d2e-1f0a5e7c9b03"
	testMediaP1  = "0a8d2f4e-7b6c-4d1e-8f3a-2b9c0d1e2f01"
	testMediaP2  = "0a8d2f4e-7b6c-4d1e-8f3a-2b9c0d1e2f02"
	testMediaP3  = "0a8d2f4e-7b6c-4d1e-8f3a-2b9c0d1e2f03"
)

var testEpoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

type sequenceIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("server-%04d", g.next), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = value
}

type serviceFixture struct {
	service *Service
	db      *gorm.DB
	clock   *testClock
	events  *[]DomainEvent
}

func allowAll() ConsentChecker {
	return ConsentFunc(func(context.Context, OwnerID, string, []string) (bool, error) {
		return true, nil
	})
}

func newTestService(t *testing.T, settings SyncSettings) serviceFixture {
	t.Helper()
	return newTestServiceWithConsent(t, settings, allowAll())
}

func newTestServiceWithConsent(t *testing.T, settings SyncSettings, consent ConsentChecker) serviceFixture {
	t.Helper()
	return newTestServiceOn(t, openTestDatabase(t), testEpoch, settings, consent)
}

// newTestServiceOn builds a service over an existing database, as a restarted process would.
func newTestServiceOn(t *testing.T, db *gorm.DB, start time.Time, settings SyncSettings, consent ConsentChecker) serviceFixture {
	t.Helper()

	clock := &testClock{now: start}
	events := &[]DomainEvent{}
	publisher := PublisherFunc(func(_ context.Context, published []DomainEvent) {
		*events = append(*events, published...)
	})

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{},
		Consent:    consent,
		Publisher:  publisher,
		Settings:   settings,
	})
	if err != nil {
		t.Fatalf("failed to construct journal service: %v", err)
	}
	return serviceFixture{service: service, db: db, clock: clock, events: events}
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:journal_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustOwnerID(t *testing.T, value string) OwnerID {
	t.Helper()
	id, err := NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func mustMobileID(t *testing.T, value string) MobileID {
	t.Helper()
	id, err := NewMobileID(value)
	if err != nil {
		t.Fatalf("unexpected mobile id error: %v", err)
	}
	return id
}

func intPtr(value int) *int {
	return &value
}

func stringPtr(value string) *string {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}

func entryPayload(mobileID string, version int64, title string, modifiedAt time.Time) EntryPayload {
	return EntryPayload{
		MobileID:         mobileID,
		Version:          version,
		Timestamp:        testEpoch.Format(time.RFC3339),
		ClientModifiedAt: modifiedAt.Format(time.RFC3339Nano),
		EntryType:        string(EntryTypeJournal),
		Title:            title,
		Content:          "body",
	}
}

// undeclaredEditPayload omits client_modified_at, as devices that only send the event time do.
func undeclaredEditPayload(mobileID string, version int64, title string) EntryPayload {
	payload := entryPayload(mobileID, version, title, testEpoch)
	payload.ClientModifiedAt = ""
	return payload
}

func syncPayload(clientID string, entries ...EntryPayload) SyncRequestPayload {
	if entries == nil {
		entries = []EntryPayload{}
	}
	return SyncRequestPayload{ClientID: clientID, Entries: entries}
}

func mustSync(t *testing.T, fixture serviceFixture, payload SyncRequestPayload) SyncResult {
	t.Helper()
	result, err := fixture.service.Sync(context.Background(), mustOwnerID(t, testOwner), payload)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	return result
}

func loadEntry(t *testing.T, db *gorm.DB, mobileID string) Entry {
	t.Helper()
	var entry Entry
	if err := db.Where("owner_id = ? AND mobile_id = ?", testOwner, mobileID).Take(&entry).Error; err != nil {
		t.Fatalf("failed to load entry %s: %v", mobileID, err)
	}
	return entry
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}
