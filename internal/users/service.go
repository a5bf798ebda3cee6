package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for owner resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps provider logins onto journal owners.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveOwner returns the journal owner for the session claims, creating the identity
// mapping on first sight of a provider+subject pair.
func (s *Service) ResolveOwner(ctx context.Context, claims auth.SessionClaims) (journal.OwnerID, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if owner, ok := cached.(journal.OwnerID); ok {
			return owner, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			OwnerID:     subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", fmt.Errorf("users: create identity: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("users: load identity: %w", err)
	default:
		s.touch(ctx, identity, claims)
	}

	owner, err := journal.NewOwnerID(identity.OwnerID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	s.cache.Store(cacheKey, owner)
	return owner, nil
}

// Identities lists the provider logins mapped onto an owner.
func (s *Service) Identities(ctx context.Context, owner journal.OwnerID) ([]Identity, error) {
	var identities []Identity
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Order("provider ASC, subject ASC").
		Find(&identities).Error
	if err != nil {
		return nil, fmt.Errorf("users: list identities: %w", err)
	}
	return identities, nil
}

func (s *Service) touch(ctx context.Context, identity Identity, claims auth.SessionClaims) {
	updates := map[string]any{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	err := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("identity refresh failed",
			zap.String("provider", identity.Provider),
			zap.String("owner_id", identity.OwnerID),
			zap.Error(err))
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found {
			if normalize(prefix) != "" && normalize(rest) != "" {
				provider = normalize(prefix)
				subject = normalize(rest)
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
