package journal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSyncCreatesNewEntry(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: true})

	result := mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 1, "first", testEpoch)))

	if !result.Success {
		t.Fatalf("expected success")
	}
	if len(result.ClientProcessing.Created) != 1 || result.ClientProcessing.Created[0].MobileID != testMobileM1 {
		t.Fatalf("expected M1 to be created, got %#v", result.ClientProcessing.Created)
	}
	stored := loadEntry(t, fixture.db, testMobileM1)
	if stored.Version != 1 {
		t.Fatalf("expected stored version 1, got %d", stored.Version)
	}
	if stored.SyncStatus != SyncStatusSynced {
		t.Fatalf("expected synced status, got %s", stored.SyncStatus)
	}
	if stored.LastWriterDevice != testClientA {
		t.Fatalf("expected last writer device %s, got %s", testClientA, stored.LastWriterDevice)
	}
	if countRows(t, fixture.db, &EntryRevision{}) != 1 {
		t.Fatalf("expected one revision row")
	}
	if len(*fixture.events) != 1 || (*fixture.events)[0].Kind != EventEntryCreated {
		t.Fatalf("expected one created event, got %#v", *fixture.events)
	}
	if result.Statistics.EntriesCreated != 1 || result.Statistics.SyncEfficiency != 1 {
		t.Fatalf("unexpected statistics: %#v", result.Statistics)
	}
}

func TestSyncIdenticalResubmissionIsNoOp(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: true})
	payload := syncPayload(testClientA, entryPayload(testMobileM1, 1, "first", testEpoch))
	first := mustSync(t, fixture, payload)

	fixture.clock.Set(testEpoch.Add(5 * time.Minute))
	second := mustSync(t, fixture, payload)

	if len(second.ClientProcessing.Created) != 0 {
		t.Fatalf("expected no creation on replay")
	}
	if len(second.ClientProcessing.Updated) != 1 || !second.ClientProcessing.Updated[0].Duplicate {
		t.Fatalf("expected duplicate item in updated, got %#v", second.ClientProcessing.Updated)
	}
	if second.ClientProcessing.Updated[0].ServerID != first.ClientProcessing.Created[0].ServerID {
		t.Fatalf("expected same stored projection")
	}
	if countRows(t, fixture.db, &Entry{}) != 1 || countRows(t, fixture.db, &EntryRevision{}) != 1 {
		t.Fatalf("expected no new rows on replay")
	}
	stored := loadEntry(t, fixture.db, testMobileM1)
	if stored.UpdatedAtMs != testEpoch.UnixMilli() {
		t.Fatalf("expected replay to leave the stored row untouched")
	}
	if len(*fixture.events) != 1 {
		t.Fatalf("expected no event for replay, got %d", len(*fixture.events))
	}
}

func TestSyncClientBehindServerLeavesStateUnchanged(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: true})
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 3, "server copy", testEpoch)))

	fixture.clock.Set(testEpoch.Add(time.Minute))
	result := mustSync(t, fixture, syncPayload(testClientB, entryPayload(testMobileM1, 2, "stale copy", testEpoch.Add(30*time.Second))))

	if len(result.ClientProcessing.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %#v", result.ClientProcessing.Conflicts)
	}
	conflict := result.ClientProcessing.Conflicts[0]
	if conflict.Type != ConflictClientBehindServer {
		t.Fatalf("expected client behind server, got %s", conflict.Type)
	}
	if conflict.Advice == nil || conflict.Advice.Recommended != ResolutionUseServer {
		t.Fatalf("expected advice recommending server copy, got %#v", conflict.Advice)
	}
	stored := loadEntry(t, fixture.db, testMobileM1)
	if stored.Version != 3 || stored.Title != "server copy" {
		t.Fatalf("expected server state unchanged, got version %d title %q", stored.Version, stored.Title)
	}
	if result.Statistics.EntryConflicts != 1 || result.Statistics.SyncEfficiency != 0 {
		t.Fatalf("unexpected statistics: %#v", result.Statistics)
	}
}

func TestSyncConcurrentDevicesOnlyOneWins(t *testing.T) {
	fixture := newTestService(t, SyncSettings{})
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 2, "original", testEpoch)))
	revisionsBefore := countRows(t, fixture.db, &EntryRevision{})

	fixture.clock.Set(testEpoch.Add(6 * time.Second))
	first := mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 2, "from A", testEpoch.Add(5*time.Second))))

	fixture.clock.Set(testEpoch.Add(10 * time.Second))
	fromB := entryPayload(testMobileM1, 2, "original", testEpoch.Add(8*time.Second))
	fromB.Content = "from B"
	second := mustSync(t, fixture, syncPayload(testClientB, fromB))

	if len(first.ClientProcessing.Updated) != 1 || first.ClientProcessing.Updated[0].Version != 3 {
		t.Fatalf("expected first device to update to version 3, got %#v", first.ClientProcessing.Updated)
	}
	if len(second.ClientProcessing.Conflicts) != 1 {
		t.Fatalf("expected second device to conflict, got %#v", second.ClientProcessing)
	}
	if second.ClientProcessing.Conflicts[0].Type != ConflictConcurrentModification {
		t.Fatalf("expected concurrent modification, got %s", second.ClientProcessing.Conflicts[0].Type)
	}
	if len(second.ClientProcessing.Updated) != 0 || len(second.ClientProcessing.AutoResolved) != 0 {
		t.Fatalf("expected the losing device to cause no write, got %#v", second.ClientProcessing)
	}
	stored := loadEntry(t, fixture.db, testMobileM1)
	if stored.Version != 3 || stored.Title != "from A" || stored.Content != "body" {
		t.Fatalf("expected winner to remain stored, got version %d title %q content %q", stored.Version, stored.Title, stored.Content)
	}
	if got := countRows(t, fixture.db, &EntryRevision{}); got != revisionsBefore+1 {
		t.Fatalf("expected only the winning revision, got %d rows", got)
	}
}

func TestSyncLastWriterFollowUpWithoutEditTimeIsApplied(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: true})
	fixture.clock.Set(testEpoch.Add(time.Hour))
	mustSync(t, fixture, syncPayload(testClientA, undeclaredEditPayload(testMobileM1, 1, "first")))

	fixture.clock.Set(testEpoch.Add(2 * time.Hour))
	result := mustSync(t, fixture, syncPayload(testClientA, undeclaredEditPayload(testMobileM1, 1, "second")))

	if len(result.ClientProcessing.Conflicts) != 0 || len(result.ClientProcessing.AutoResolved) != 0 {
		t.Fatalf("expected a plain update, got %#v", result.ClientProcessing)
	}
	if len(result.ClientProcessing.Updated) != 1 || result.ClientProcessing.Updated[0].Version != 2 {
		t.Fatalf("expected update to version 2, got %#v", result.ClientProcessing.Updated)
	}
	stored := loadEntry(t, fixture.db, testMobileM1)
	if stored.Version != 2 || stored.Title != "second" {
		t.Fatalf("expected follow-up edit to be stored, got version %d title %q", stored.Version, stored.Title)
	}
	if stored.ClientModifiedAtMs != testEpoch.Add(2*time.Hour).UnixMilli() {
		t.Fatalf("expected edit time to default to the request time, got %d", stored.ClientModifiedAtMs)
	}

	fixture.clock.Set(testEpoch.Add(3 * time.Hour))
	other := mustSync(t, fixture, syncPayload(testClientB, undeclaredEditPayload(testMobileM1, 2, "third")))
	if len(other.ClientProcessing.Updated) != 1 || other.ClientProcessing.Updated[0].Version != 3 {
		t.Fatalf("expected another device's undeclared edit to update, got %#v", other.ClientProcessing)
	}
}

func TestSyncCheckpointSurvivesClockStepBack(t *testing.T) {
	fixture := newTestServiceOn(t, openTestDatabase(t), testEpoch.Add(10*time.Minute), SyncSettings{}, allowAll())
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 1, "first", testEpoch)))
	pulled := mustSync(t, fixture, syncPayload(testClientB))
	if len(pulled.ServerChanges.ModifiedEntries) != 1 {
		t.Fatalf("expected device B to receive M1, got %#v", pulled.ServerChanges)
	}

	restarted := newTestServiceOn(t, fixture.db, testEpoch, SyncSettings{}, allowAll())
	mustSync(t, restarted, syncPayload(testClientA,
		entryPayload(testMobileM1, 1, "second", testEpoch),
		entryPayload(testMobileM2, 1, "new", testEpoch),
	))

	checkpointMs := pulled.NextSyncToken.Timestamp.UnixMilli()
	for _, mobileID := range []string{testMobileM1, testMobileM2} {
		if stored := loadEntry(t, fixture.db, mobileID); stored.UpdatedAtMs <= checkpointMs {
			t.Fatalf("expected %s updated_at after checkpoint %d, got %d", mobileID, checkpointMs, stored.UpdatedAtMs)
		}
	}

	followUp := syncPayload(testClientB)
	followUp.LastSyncToken = pulled.NextSyncToken.Token
	result := mustSync(t, restarted, followUp)
	if len(result.ServerChanges.ModifiedEntries) != 2 {
		t.Fatalf("expected both writes after the clock stepped back, got %#v", result.ServerChanges.ModifiedEntries)
	}
	if result.NextSyncToken.Timestamp.Before(pulled.NextSyncToken.Timestamp) {
		t.Fatalf("expected checkpoint to never move backwards")
	}
}

func TestSyncAutoResolvesDisjointFieldEdits(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: true})
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 1, "title", testEpoch)))

	fixture.clock.Set(testEpoch.Add(6 * time.Second))
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 1, "retitled", testEpoch.Add(5*time.Second))))

	fixture.clock.Set(testEpoch.Add(10 * time.Second))
	edited := entryPayload(testMobileM1, 1, "title", testEpoch.Add(8*time.Second))
	edited.Content = "rewritten body"
	result := mustSync(t, fixture, syncPayload(testClientB, edited))

	if len(result.ClientProcessing.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %#v", result.ClientProcessing.Conflicts)
	}
	if len(result.ClientProcessing.AutoResolved) != 1 {
		t.Fatalf("expected one auto resolution, got %#v", result.ClientProcessing.AutoResolved)
	}
	resolution := result.ClientProcessing.AutoResolved[0]
	if resolution.Rule != RuleFieldDisjointMerge || !resolution.Written {
		t.Fatalf("unexpected resolution: %#v", resolution)
	}
	stored := loadEntry(t, fixture.db, testMobileM1)
	if stored.Title != "retitled" || stored.Content != "rewritten body" {
		t.Fatalf("expected merged fields, got title %q content %q", stored.Title, stored.Content)
	}
	if stored.Version != 3 {
		t.Fatalf("expected version 3, got %d", stored.Version)
	}
}

func TestSyncWithoutAutoResolveReturnsConflict(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: false})
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 1, "title", testEpoch)))

	fixture.clock.Set(testEpoch.Add(6 * time.Second))
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 1, "retitled", testEpoch.Add(5*time.Second))))

	fixture.clock.Set(testEpoch.Add(10 * time.Second))
	edited := entryPayload(testMobileM1, 1, "title", testEpoch.Add(8*time.Second))
	edited.Content = "rewritten body"
	result := mustSync(t, fixture, syncPayload(testClientB, edited))

	if len(result.ClientProcessing.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %#v", result.ClientProcessing)
	}
	advice := result.ClientProcessing.Conflicts[0].Advice
	if advice == nil || advice.Recommended != ResolutionMergeFields {
		t.Fatalf("expected merge advice, got %#v", advice)
	}
}

func TestSyncWellbeingOverrideKeepsServerMetrics(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: true})
	serverCopy := entryPayload(testMobileM1, 3, "calm", testEpoch)
	serverCopy.EntryType = string(EntryTypeMood)
	serverCopy.MoodScore = intPtr(4)
	mustSync(t, fixture, syncPayload(testClientA, serverCopy))

	fixture.clock.Set(testEpoch.Add(time.Hour))
	deviceCopy := entryPayload(testMobileM1, 1, "anxious", testEpoch.Add(time.Minute))
	deviceCopy.EntryType = string(EntryTypeMood)
	deviceCopy.MoodScore = intPtr(9)
	result := mustSync(t, fixture, syncPayload(testClientB, deviceCopy))

	if len(result.ClientProcessing.Updated) != 1 {
		t.Fatalf("expected wellbeing update, got %#v", result.ClientProcessing)
	}
	stored := loadEntry(t, fixture.db, testMobileM1)
	if stored.Title != "anxious" {
		t.Fatalf("expected client content to win, got %q", stored.Title)
	}
	if stored.MoodScore == nil || *stored.MoodScore != 4 {
		t.Fatalf("expected server mood score to be kept")
	}
	if stored.Version != 4 {
		t.Fatalf("expected version 4, got %d", stored.Version)
	}
	if len(result.ClientProcessing.Conflicts) != 1 || result.ClientProcessing.Conflicts[0].Type != ConflictFieldLevel {
		t.Fatalf("expected field level conflict, got %#v", result.ClientProcessing.Conflicts)
	}
}

func TestSyncPartialSuccessKeepsValidEntries(t *testing.T) {
	fixture := newTestService(t, SyncSettings{AutoResolve: true})
	invalid := entryPayload(testMobileM1, 1, "bad", testEpoch)
	invalid.MoodScore = intPtr(11)
	valid := entryPayload(testMobileM2, 1, "good", testEpoch)

	result := mustSync(t, fixture, syncPayload(testClientA, invalid, valid))

	if !result.Success {
		t.Fatalf("expected protocol success")
	}
	if len(result.ClientProcessing.Created) != 1 || result.ClientProcessing.Created[0].MobileID != testMobileM2 {
		t.Fatalf("expected M2 to be created, got %#v", result.ClientProcessing.Created)
	}
	if len(result.ClientProcessing.Errors) != 1 {
		t.Fatalf("expected one item error, got %#v", result.ClientProcessing.Errors)
	}
	itemErr := result.ClientProcessing.Errors[0]
	if itemErr.Kind != ItemErrorFieldValidation || itemErr.Field != FieldMoodScore || itemErr.MobileID != testMobileM1 {
		t.Fatalf("unexpected item error: %#v", itemErr)
	}
	if countRows(t, fixture.db, &Entry{}) != 1 {
		t.Fatalf("expected only the valid entry to be stored")
	}
	if result.Statistics.SyncEfficiency != 0.5 {
		t.Fatalf("expected efficiency 0.5, got %f", result.Statistics.SyncEfficiency)
	}
}

func TestSyncRejectsStructuralProblems(t *testing.T) {
	testCases := []struct {
		name    string
		payload SyncRequestPayload
		field   string
	}{
		{
			name:    "missing client id",
			payload: syncPayload("", entryPayload(testMobileM1, 1, "title", testEpoch)),
			field:   "client_id",
		},
		{
			name:    "missing entries",
			payload: SyncRequestPayload{ClientID: testClientA},
			field:   "entries",
		},
		{
			name:    "malformed mobile id",
			payload: syncPayload(testClientA, entryPayload("not-a-uuid", 1, "title", testEpoch)),
			field:   "entries[0].mobile_id",
		},
		{
			name: "unknown entry type",
			payload: func() SyncRequestPayload {
				entry := entryPayload(testMobileM1, 1, "title", testEpoch)
				entry.EntryType = "poem"
				return syncPayload(testClientA, entry)
			}(),
			field: "entries[0].entry_type",
		},
		{
			name: "unparseable timestamp",
			payload: func() SyncRequestPayload {
				entry := entryPayload(testMobileM1, 1, "title", testEpoch)
				entry.Timestamp = "yesterday"
				return syncPayload(testClientA, entry)
			}(),
			field: "entries[0].timestamp",
		},
		{
			name: "unknown media change",
			payload: func() SyncRequestPayload {
				payload := syncPayload(testClientA)
				payload.MediaChanges = []MediaChangePayload{{ChangeType: "rename", MobileID: testMediaP1, EntryMobileID: testMobileM1}}
				return payload
			}(),
			field: "media_changes[0].change_type",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newTestService(t, SyncSettings{})
			_, err := fixture.service.Sync(context.Background(), mustOwnerID(t, testOwner), testCase.payload)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if validationErr.Field != testCase.field {
				t.Fatalf("expected field %s, got %s", testCase.field, validationErr.Field)
			}
			if countRows(t, fixture.db, &Entry{}) != 0 {
				t.Fatalf("expected no writes on structural failure")
			}
		})
	}
}

func TestSyncEnforcesEntriesCeiling(t *testing.T) {
	fixture := newTestService(t, SyncSettings{MaxEntriesPerRequest: 2})
	payload := syncPayload(testClientA,
		entryPayload(testMobileM1, 1, "one", testEpoch),
		entryPayload(testMobileM2, 1, "two", testEpoch),
		entryPayload(testMobileM3, 1, "three", testEpoch),
	)

	_, err := fixture.service.Sync(context.Background(), mustOwnerID(t, testOwner), payload)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "entries" {
		t.Fatalf("expected entries ceiling error, got %v", err)
	}
}

func TestSyncRequiresConsent(t *testing.T) {
	var requested []string
	consent := ConsentFunc(func(_ context.Context, _ OwnerID, operation string, dataClasses []string) (bool, error) {
		if operation != ConsentOperationSync {
			t.Fatalf("unexpected operation %s", operation)
		}
		requested = dataClasses
		return false, nil
	})
	fixture := newTestServiceWithConsent(t, SyncSettings{}, consent)
	mood := entryPayload(testMobileM1, 1, "mood", testEpoch)
	mood.EntryType = string(EntryTypeMood)
	payload := syncPayload(testClientA, mood)
	payload.MediaChanges = []MediaChangePayload{{
		ChangeType:    "delete",
		MobileID:      testMediaP1,
		EntryMobileID: testMobileM1,
	}}

	_, err := fixture.service.Sync(context.Background(), mustOwnerID(t, testOwner), payload)
	var consentErr *ConsentError
	if !errors.As(err, &consentErr) {
		t.Fatalf("expected consent error, got %v", err)
	}
	expected := []string{DataClassJournalEntries, DataClassWellbeing, DataClassMedia}
	if len(requested) != len(expected) {
		t.Fatalf("expected data classes %v, got %v", expected, requested)
	}
	for index := range expected {
		if requested[index] != expected[index] {
			t.Fatalf("expected data classes %v, got %v", expected, requested)
		}
	}
	if countRows(t, fixture.db, &Entry{}) != 0 {
		t.Fatalf("expected no writes without consent")
	}
}

func TestSyncOrphanAttachmentDoesNotAbortBatch(t *testing.T) {
	fixture := newTestService(t, SyncSettings{})
	payload := syncPayload(testClientA, entryPayload(testMobileM1, 1, "with photo", testEpoch))
	payload.MediaChanges = []MediaChangePayload{
		uploadPayload(testMediaP1, testMobileM3, false),
		uploadPayload(testMediaP2, testMobileM1, false),
	}

	result := mustSync(t, fixture, payload)

	if len(result.ClientProcessing.Created) != 1 {
		t.Fatalf("expected entry to be created")
	}
	if len(result.MediaSync.Errors) != 1 {
		t.Fatalf("expected one media error, got %#v", result.MediaSync.Errors)
	}
	if result.MediaSync.Errors[0].Kind != ItemErrorOrphanAttachment || result.MediaSync.Errors[0].MobileID != testMediaP1 {
		t.Fatalf("unexpected media error: %#v", result.MediaSync.Errors[0])
	}
	if len(result.MediaSync.Uploaded) != 1 || result.MediaSync.Uploaded[0].MobileID != testMediaP2 {
		t.Fatalf("expected P2 to be uploaded, got %#v", result.MediaSync.Uploaded)
	}
	if countRows(t, fixture.db, &MediaAttachment{}) != 1 {
		t.Fatalf("expected only one attachment row")
	}
}

func TestSyncKeepsSingleHeroPerEntry(t *testing.T) {
	fixture := newTestService(t, SyncSettings{})
	payload := syncPayload(testClientA, entryPayload(testMobileM1, 1, "album", testEpoch))
	payload.MediaChanges = []MediaChangePayload{
		uploadPayload(testMediaP1, testMobileM1, true),
		uploadPayload(testMediaP2, testMobileM1, true),
		uploadPayload(testMediaP3, testMobileM1, true),
	}
	mustSync(t, fixture, payload)
	assertSingleHero(t, fixture, testMediaP3)

	var first MediaAttachment
	if err := fixture.db.Where("mobile_id = ?", testMediaP1).Take(&first).Error; err != nil {
		t.Fatalf("failed to load attachment: %v", err)
	}
	fixture.clock.Set(testEpoch.Add(time.Minute))
	update := syncPayload(testClientB)
	update.MediaChanges = []MediaChangePayload{{
		ChangeType:    "update",
		MobileID:      testMediaP1,
		EntryMobileID: testMobileM1,
		Version:       first.Version,
		IsHero:        boolPtr(true),
		Caption:       stringPtr("cover"),
	}}
	result := mustSync(t, fixture, update)
	if len(result.MediaSync.Updated) != 1 {
		t.Fatalf("expected hero update, got %#v", result.MediaSync)
	}
	assertSingleHero(t, fixture, testMediaP1)
}

func TestSyncMediaDeleteIsIdempotent(t *testing.T) {
	fixture := newTestService(t, SyncSettings{})
	payload := syncPayload(testClientA, entryPayload(testMobileM1, 1, "album", testEpoch))
	payload.MediaChanges = []MediaChangePayload{uploadPayload(testMediaP1, testMobileM1, true)}
	mustSync(t, fixture, payload)

	remove := syncPayload(testClientA)
	remove.MediaChanges = []MediaChangePayload{{ChangeType: "delete", MobileID: testMediaP1, EntryMobileID: testMobileM1, Version: 1}}
	fixture.clock.Set(testEpoch.Add(time.Minute))
	first := mustSync(t, fixture, remove)
	fixture.clock.Set(testEpoch.Add(2 * time.Minute))
	second := mustSync(t, fixture, remove)

	if len(first.MediaSync.Deleted) != 1 || len(second.MediaSync.Deleted) != 1 {
		t.Fatalf("expected delete to be reported twice, got %#v / %#v", first.MediaSync, second.MediaSync)
	}
	var stored MediaAttachment
	if err := fixture.db.Where("mobile_id = ?", testMediaP1).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load attachment: %v", err)
	}
	if !stored.IsDeleted || stored.IsHero {
		t.Fatalf("expected soft-deleted non-hero attachment, got %#v", stored)
	}
	if stored.Version != 2 {
		t.Fatalf("expected one version bump, got %d", stored.Version)
	}
}

func TestSyncReturnsServerChangesSinceCheckpoint(t *testing.T) {
	fixture := newTestService(t, SyncSettings{})
	first := mustSync(t, fixture, syncPayload(testClientA,
		entryPayload(testMobileM1, 1, "one", testEpoch),
		entryPayload(testMobileM2, 1, "two", testEpoch),
	))

	fixture.clock.Set(testEpoch.Add(time.Minute))
	other := mustSync(t, fixture, syncPayload(testClientB, entryPayload(testMobileM3, 1, "three", testEpoch.Add(time.Minute))))
	if len(other.ServerChanges.ModifiedEntries) != 2 {
		t.Fatalf("expected first sync to receive the two existing entries, got %d", len(other.ServerChanges.ModifiedEntries))
	}
	for _, entry := range other.ServerChanges.ModifiedEntries {
		if entry.MobileID == testMobileM3 {
			t.Fatalf("expected entries processed in the request to be excluded")
		}
	}

	fixture.clock.Set(testEpoch.Add(2 * time.Minute))
	followUp := syncPayload(testClientA)
	followUp.LastSyncToken = first.NextSyncToken.Token
	result := mustSync(t, fixture, followUp)
	if len(result.ServerChanges.ModifiedEntries) != 1 || result.ServerChanges.ModifiedEntries[0].MobileID != testMobileM3 {
		t.Fatalf("expected only M3 as a server change, got %#v", result.ServerChanges.ModifiedEntries)
	}

	fixture.clock.Set(testEpoch.Add(3 * time.Minute))
	deletion := entryPayload(testMobileM1, 1, "one", testEpoch.Add(3*time.Minute))
	deletion.IsDeleted = true
	mustSync(t, fixture, syncPayload(testClientB, deletion))

	fixture.clock.Set(testEpoch.Add(4 * time.Minute))
	afterDelete := syncPayload(testClientA)
	afterDelete.LastSyncToken = result.NextSyncToken.Token
	deleted := mustSync(t, fixture, afterDelete)
	if len(deleted.ServerChanges.DeletedEntries) != 1 || deleted.ServerChanges.DeletedEntries[0].MobileID != testMobileM1 {
		t.Fatalf("expected M1 in deleted entries, got %#v", deleted.ServerChanges)
	}

	fresh := mustSync(t, fixture, syncPayload("device-c"))
	if len(fresh.ServerChanges.DeletedEntries) != 0 {
		t.Fatalf("expected first sync to omit deleted entries")
	}
	if len(fresh.ServerChanges.ModifiedEntries) != 2 {
		t.Fatalf("expected two live entries on first sync, got %d", len(fresh.ServerChanges.ModifiedEntries))
	}
}

func TestCollectChangesRejectsForeignToken(t *testing.T) {
	fixture := newTestService(t, SyncSettings{})
	token := NewSyncCheckpoint(mustOwnerID(t, "owner-2"), testEpoch).Encode()

	_, err := fixture.service.CollectChanges(context.Background(), mustOwnerID(t, testOwner), token)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "token" {
		t.Fatalf("expected token validation error, got %v", err)
	}
}

func TestCollectChangesPagesFromToken(t *testing.T) {
	fixture := newTestService(t, SyncSettings{ChangePageSize: 1})
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM1, 1, "one", testEpoch)))
	fixture.clock.Set(testEpoch.Add(time.Second))
	mustSync(t, fixture, syncPayload(testClientA, entryPayload(testMobileM2, 1, "two", testEpoch)))
	fixture.clock.Set(testEpoch.Add(time.Minute))

	owner := mustOwnerID(t, testOwner)
	firstPage, err := fixture.service.CollectChanges(context.Background(), owner, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !firstPage.ServerChanges.HasMore || len(firstPage.ServerChanges.ModifiedEntries) != 1 {
		t.Fatalf("expected a truncated first page, got %#v", firstPage.ServerChanges)
	}
	if !firstPage.NextSyncToken.Timestamp.Equal(testEpoch) {
		t.Fatalf("expected boundary token at %s, got %s", testEpoch, firstPage.NextSyncToken.Timestamp)
	}

	secondPage, err := fixture.service.CollectChanges(context.Background(), owner, firstPage.NextSyncToken.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondPage.ServerChanges.HasMore || len(secondPage.ServerChanges.ModifiedEntries) != 1 {
		t.Fatalf("expected final page with one entry, got %#v", secondPage.ServerChanges)
	}
	if secondPage.ServerChanges.ModifiedEntries[0].MobileID != testMobileM2 {
		t.Fatalf("expected M2 on second page")
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{IDProvider: &sequenceIDGenerator{}, Consent: allowAll()})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "journal.service.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func uploadPayload(mobileID, entryMobileID string, hero bool) MediaChangePayload {
	return MediaChangePayload{
		ChangeType:    "upload",
		MobileID:      mobileID,
		EntryMobileID: entryMobileID,
		Version:       1,
		MediaType:     string(MediaTypeImage),
		MimeType:      "image/jpeg",
		SizeBytes:     2048,
		StorageKey:    "media/" + mobileID,
		IsHero:        boolPtr(hero),
	}
}

func assertSingleHero(t *testing.T, fixture serviceFixture, expected string) {
	t.Helper()
	var heroes []MediaAttachment
	if err := fixture.db.Where("entry_mobile_id = ? AND is_hero = ?", testMobileM1, true).Find(&heroes).Error; err != nil {
		t.Fatalf("failed to load heroes: %v", err)
	}
	if len(heroes) != 1 {
		t.Fatalf("expected exactly one hero, got %d", len(heroes))
	}
	if heroes[0].MobileID != expected {
		t.Fatalf("expected hero %s, got %s", expected, heroes[0].MobileID)
	}
}
