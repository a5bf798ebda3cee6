package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnyOperation matches every operation when stored as a grant's operation.
const AnyOperation = "*"

var (
	// ErrInvalidGrant indicates that a grant is missing its operation or data class.
	ErrInvalidGrant = errors.New("consent: invalid grant")

	errMissingDatabase = errors.New("consent: database handle is required")
)

// Grant records whether an owner allows an operation on one class of data.
type Grant struct {
	OwnerID     string `gorm:"column:owner_id;primaryKey;size:190;not null" json:"-"`
	Operation   string `gorm:"column:operation;primaryKey;size:64;not null" json:"operation"`
	DataClass   string `gorm:"column:data_class;primaryKey;size:64;not null" json:"data_class"`
	Allowed     bool   `gorm:"column:allowed;not null" json:"allowed"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null" json:"updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Grant) TableName() string {
	return "consent_grants"
}

// RegistryConfig describes the dependencies of the consent registry.
type RegistryConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Logger       *zap.Logger
	DefaultAllow bool
}

// Registry answers consent questions from stored grants, falling back to a default.
type Registry struct {
	db           *gorm.DB
	clock        func() time.Time
	logger       *zap.Logger
	defaultAllow bool
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger, defaultAllow: cfg.DefaultAllow}, nil
}

// IsAllowed reports whether every data class is allowed for the operation. An exact grant
// wins over a wildcard-operation grant; classes without any grant use the default.
func (r *Registry) IsAllowed(ctx context.Context, owner journal.OwnerID, operation string, dataClasses []string) (bool, error) {
	if len(dataClasses) == 0 {
		return r.defaultAllow, nil
	}
	var grants []Grant
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND operation IN ? AND data_class IN ?", owner.String(), []string{operation, AnyOperation}, dataClasses).
		Find(&grants).Error; err != nil {
		r.logger.Error("consent lookup failed",
			zap.String("owner_id", owner.String()),
			zap.String("operation", operation),
			zap.Error(err))
		return false, fmt.Errorf("consent: lookup failed: %w", err)
	}

	exact := make(map[string]bool, len(grants))
	wildcard := make(map[string]bool, len(grants))
	for _, grant := range grants {
		if grant.Operation == operation {
			exact[grant.DataClass] = grant.Allowed
			continue
		}
		wildcard[grant.DataClass] = grant.Allowed
	}
	for _, dataClass := range dataClasses {
		allowed, ok := exact[dataClass]
		if !ok {
			allowed, ok = wildcard[dataClass]
		}
		if !ok {
			allowed = r.defaultAllow
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

// SetConsent records or replaces a grant.
func (r *Registry) SetConsent(ctx context.Context, owner journal.OwnerID, operation, dataClass string, allowed bool) (Grant, error) {
	operation = strings.TrimSpace(operation)
	dataClass = strings.TrimSpace(dataClass)
	if operation == "" {
		return Grant{}, fmt.Errorf("%w: empty operation", ErrInvalidGrant)
	}
	if dataClass == "" {
		return Grant{}, fmt.Errorf("%w: empty data class", ErrInvalidGrant)
	}
	grant := Grant{
		OwnerID:     owner.String(),
		Operation:   operation,
		DataClass:   dataClass,
		Allowed:     allowed,
		UpdatedAtMs: r.clock().UTC().UnixMilli(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "operation"}, {Name: "data_class"}},
			DoUpdates: clause.AssignmentColumns([]string{"allowed", "updated_at_ms"}),
		}).
		Create(&grant).Error; err != nil {
		r.logger.Error("consent update failed",
			zap.String("owner_id", owner.String()),
			zap.String("operation", operation),
			zap.String("data_class", dataClass),
			zap.Error(err))
		return Grant{}, fmt.Errorf("consent: update failed: %w", err)
	}
	return grant, nil
}

// ListGrants returns the stored grants of an owner.
func (r *Registry) ListGrants(ctx context.Context, owner journal.OwnerID) ([]Grant, error) {
	var grants []Grant
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Order("operation ASC, data_class ASC").
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("consent: list failed: %w", err)
	}
	return grants, nil
}
