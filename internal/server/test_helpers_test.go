package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/consent"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testUserID        = "google:user-123"
	testOwnerID       = "user-123"
)

type testStack struct {
	handler    http.Handler
	db         *gorm.DB
	consent    *consent.Registry
	dispatcher *RealtimeDispatcher
}

func newTestStack(t *testing.T, defaultAllow bool) testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(journal.Models(), &consent.Grant{}, &users.Identity{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	owners, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	registry, err := consent.NewRegistry(consent.RegistryConfig{Database: db, DefaultAllow: defaultAllow})
	if err != nil {
		t.Fatalf("failed to construct consent registry: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	journalService, err := journal.NewService(journal.ServiceConfig{
		Database:   db,
		IDProvider: journal.NewUUIDProvider(),
		Consent:    registry,
		Publisher:  dispatcher,
		Logger:     zap.NewNop(),
		Settings:   journal.SyncSettings{},
	})
	if err != nil {
		t.Fatalf("failed to construct journal service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Owners:            owners,
		JournalService:    journalService,
		Consent:           registry,
		Realtime:          dispatcher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testStack{handler: handler, db: db, consent: registry, dispatcher: dispatcher}
}

func signTestToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:    testUserID,
		UserEmail: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   testUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (s testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+signTestToken(t))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func testEntryPayload(mobileID, title string) journal.EntryPayload {
	return journal.EntryPayload{
		MobileID:  mobileID,
		Version:   1,
		Timestamp: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
		EntryType: string(journal.EntryTypeJournal),
		Title:     title,
		Content:   "body",
	}
}
