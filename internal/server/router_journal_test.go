package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
)

type syncResponse struct {
	Success          bool `json:"success"`
	ClientProcessing struct {
		Created []journal.EntryView `json:"created"`
		Updated []journal.EntryView `json:"updated"`
	} `json:"client_processing"`
	NextSyncToken struct {
		Token string `json:"token"`
	} `json:"next_sync_token"`
}

type errorResponse struct {
	Error       string   `json:"error"`
	Field       string   `json:"field"`
	DataClasses []string `json:"data_classes"`
}

func TestSyncEndpointCreatesEntries(t *testing.T) {
	stack := newTestStack(t, true)

	recorder := stack.do(t, http.MethodPost, "/sync", journal.SyncRequestPayload{
		ClientID: "device-a",
		Entries:  []journal.EntryPayload{testEntryPayload(testEntryA, "first entry")},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response syncResponse
	decodeBody(t, recorder, &response)
	if !response.Success || len(response.ClientProcessing.Created) != 1 {
		t.Fatalf("unexpected sync response: %s", recorder.Body.String())
	}
	if response.ClientProcessing.Created[0].Title != "first entry" {
		t.Fatalf("unexpected created entry %#v", response.ClientProcessing.Created[0])
	}
	if response.NextSyncToken.Token == "" {
		t.Fatalf("expected a continuation token")
	}

	changes := stack.do(t, http.MethodGet, "/sync/changes?token="+response.NextSyncToken.Token, nil)
	if changes.Code != http.StatusOK {
		t.Fatalf("unexpected changes status %d: %s", changes.Code, changes.Body.String())
	}
}

func TestSyncEndpointMapsValidationErrors(t *testing.T) {
	stack := newTestStack(t, true)
	entry := testEntryPayload(testEntryA, "title")
	entry.MobileID = ""

	recorder := stack.do(t, http.MethodPost, "/sync", journal.SyncRequestPayload{
		ClientID: "device-a",
		Entries:  []journal.EntryPayload{entry},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	var response errorResponse
	decodeBody(t, recorder, &response)
	if response.Error != "invalid_request" || response.Field != "entries[0].mobile_id" {
		t.Fatalf("unexpected error response %#v", response)
	}
}

func TestSyncEndpointRejectsMalformedJSON(t *testing.T) {
	stack := newTestStack(t, true)
	request := httptest.NewRequest(http.MethodPost, "/sync", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signTestToken(t))
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestSyncEndpointMapsConsentDenial(t *testing.T) {
	stack := newTestStack(t, true)

	grant := stack.do(t, http.MethodPut, "/consent", map[string]any{
		"operation":  journal.ConsentOperationSync,
		"data_class": journal.DataClassWellbeing,
		"allowed":    false,
	})
	if grant.Code != http.StatusOK {
		t.Fatalf("unexpected consent status %d: %s", grant.Code, grant.Body.String())
	}

	entry := testEntryPayload(testEntryA, "mood")
	entry.EntryType = string(journal.EntryTypeMood)
	recorder := stack.do(t, http.MethodPost, "/sync", journal.SyncRequestPayload{
		ClientID: "device-a",
		Entries:  []journal.EntryPayload{entry},
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response errorResponse
	decodeBody(t, recorder, &response)
	if response.Error != "consent_required" || len(response.DataClasses) != 2 {
		t.Fatalf("unexpected error response %#v", response)
	}

	listing := stack.do(t, http.MethodGet, "/consent", nil)
	if listing.Code != http.StatusOK {
		t.Fatalf("unexpected listing status %d", listing.Code)
	}
}

func TestConsentEndpointRequiresAllowedFlag(t *testing.T) {
	stack := newTestStack(t, true)
	recorder := stack.do(t, http.MethodPut, "/consent", map[string]any{
		"operation":  journal.ConsentOperationSync,
		"data_class": journal.DataClassMedia,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestChangesEndpointRejectsForeignToken(t *testing.T) {
	stack := newTestStack(t, true)
	foreign := journal.SyncCheckpoint{Owner: "someone-else", Timestamp: time.Now().Add(-time.Hour)}

	recorder := stack.do(t, http.MethodGet, "/sync/changes?token="+foreign.Encode(), nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response errorResponse
	decodeBody(t, recorder, &response)
	if response.Field != "token" {
		t.Fatalf("unexpected error response %#v", response)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	stack := newTestStack(t, true)
	request := httptest.NewRequest(http.MethodGet, "/sync/changes", http.NoBody)
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}

	health := httptest.NewRecorder()
	stack.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if health.Code != http.StatusOK {
		t.Fatalf("expected health check to be public, got %d", health.Code)
	}
}
