package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestResolveOwnerStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	owner, err := service.ResolveOwner(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if owner != journal.OwnerID("12345") {
		t.Fatalf("expected owner id without provider prefix, got %q", owner)
	}

	// second call should hit cache and not create a duplicate record.
	owner, err = service.ResolveOwner(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if owner != journal.OwnerID("12345") {
		t.Fatalf("expected owner id to remain stable, got %q", owner)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count identities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity, got %d", count)
	}
}

func TestResolveOwnerFallsBackToSubjectAndEmail(t *testing.T) {
	service, _ := newTestService(t)

	owner, err := service.ResolveOwner(context.Background(), auth.SessionClaims{UserEmail: "only@example.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if owner != journal.OwnerID("only@example.com") {
		t.Fatalf("expected email owner, got %q", owner)
	}

	identities, err := service.Identities(context.Background(), owner)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(identities) != 1 || identities[0].Provider != defaultProvider {
		t.Fatalf("unexpected identities: %#v", identities)
	}

	if _, err := service.ResolveOwner(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestResolveOwnerKeepsExistingMapping(t *testing.T) {
	service, db := newTestService(t)
	existing := Identity{Provider: "google", Subject: "777", OwnerID: "owner-legacy", LastSeenAt: time.Unix(1, 0)}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}

	owner, err := service.ResolveOwner(context.Background(), auth.SessionClaims{UserID: "google:777", UserEmail: "new@example.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if owner != journal.OwnerID("owner-legacy") {
		t.Fatalf("expected mapped owner, got %q", owner)
	}

	var stored Identity
	if err := db.Where("provider = ? AND subject = ?", "google", "777").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload identity: %v", err)
	}
	if stored.Email != "new@example.com" {
		t.Fatalf("expected email refresh, got %q", stored.Email)
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}
