// Package store is the team and tenant store consulted by the messaging
// fabric. The core only reads teams and records heartbeats; CRUD lives
// elsewhere.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/helmcode/crewnet/internal/auth"
	"github.com/helmcode/crewnet/internal/models"
)

// ErrNotFound is returned when a team, agent or tenant does not exist.
var ErrNotFound = errors.New("not found")

// TeamFilter narrows ListTeams. Empty fields match everything.
type TeamFilter struct {
	TenantID string
	Status   string
}

// TeamPatch is a partial team update. Nil fields are left unchanged.
type TeamPatch struct {
	Status    *string
	TenantID  *string
	Channels  *[]string
	AutoNudge *models.AutoNudge
}

// Teams is the read side of the team store plus the heartbeat write path.
type Teams interface {
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	ListTeams(ctx context.Context, filter TeamFilter) ([]models.Team, error)
	UpdateTeam(ctx context.Context, id string, patch TeamPatch) (*models.Team, error)
	RecordHeartbeat(ctx context.Context, teamID, agentID string, at time.Time) error
}

// Tenants resolves caller credentials to tenants.
type Tenants interface {
	// FindByAPIKey looks a tenant up by key. It never creates one.
	FindByAPIKey(ctx context.Context, key string) (*models.Tenant, error)
	// EnsureByAPIKey returns the tenant for key, creating it on first use.
	EnsureByAPIKey(ctx context.Context, key string) (*models.Tenant, error)
	// FindByInternalToken verifies a team-scoped token and returns its team id.
	FindByInternalToken(ctx context.Context, token string) (string, error)
}

// GormTeams implements Teams on a GORM database.
type GormTeams struct {
	db *gorm.DB
}

// NewTeams returns a GORM-backed team store.
func NewTeams(db *gorm.DB) *GormTeams {
	return &GormTeams{db: db}
}

func preloadAgents(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func (s *GormTeams) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	var team models.Team
	err := s.db.WithContext(ctx).Preload("Agents", preloadAgents).First(&team, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting team %s: %w", id, err)
	}
	return &team, nil
}

func (s *GormTeams) ListTeams(ctx context.Context, filter TeamFilter) ([]models.Team, error) {
	q := s.db.WithContext(ctx).Preload("Agents", preloadAgents).Order("created_at ASC, id ASC")
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var teams []models.Team
	if err := q.Find(&teams).Error; err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	return teams, nil
}

func (s *GormTeams) UpdateTeam(ctx context.Context, id string, patch TeamPatch) (*models.Team, error) {
	updates := map[string]interface{}{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.TenantID != nil {
		updates["tenant_id"] = *patch.TenantID
	}
	if patch.Channels != nil {
		updates["channels"] = models.ChannelList(*patch.Channels)
	}
	if patch.AutoNudge != nil {
		updates["auto_nudge"] = *patch.AutoNudge
	}

	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(&models.Team{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("updating team %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}
	return s.GetTeam(ctx, id)
}

func (s *GormTeams) RecordHeartbeat(ctx context.Context, teamID, agentID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Agent{}).
		Where("team_id = ? AND id = ?", teamID, agentID).
		Update("last_heartbeat", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("recording heartbeat for %s/%s: %w", teamID, agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GormTenants implements Tenants on a GORM database and a token issuer.
type GormTenants struct {
	db     *gorm.DB
	tokens *auth.Issuer
}

// NewTenants returns a GORM-backed tenant store. tokens may be nil, in which
// case no internal token is ever accepted.
func NewTenants(db *gorm.DB, tokens *auth.Issuer) *GormTenants {
	return &GormTenants{db: db, tokens: tokens}
}

func (s *GormTenants) FindByAPIKey(ctx context.Context, key string) (*models.Tenant, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	var tenant models.Tenant
	err := s.db.WithContext(ctx).First(&tenant, "id = ?", auth.HashAPIKey(key)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding tenant: %w", err)
	}
	return &tenant, nil
}

func (s *GormTenants) EnsureByAPIKey(ctx context.Context, key string) (*models.Tenant, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	tenant := models.Tenant{ID: auth.HashAPIKey(key)}
	if err := s.db.WithContext(ctx).FirstOrCreate(&tenant, "id = ?", tenant.ID).Error; err != nil {
		return nil, fmt.Errorf("provisioning tenant: %w", err)
	}
	return &tenant, nil
}

func (s *GormTenants) FindByInternalToken(_ context.Context, token string) (string, error) {
	if s.tokens == nil {
		return "", auth.ErrInvalidToken
	}
	return s.tokens.VerifyTeamToken(token)
}
