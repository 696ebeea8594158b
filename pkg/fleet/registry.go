// Package fleet is the agent registry: identity, credentials, liveness and
// group membership.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/auth"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/settings"
	"github.com/senhakan/appcenter-server/pkg/store"
)

const invalidCredentials = "Invalid agent credentials"

type Registry struct {
	db       *gorm.DB
	settings *settings.Store
	log      zerolog.Logger

	// Now is the registry clock; tests replace it.
	Now func() time.Time
}

func NewRegistry(db *gorm.DB, cfg *settings.Store, log zerolog.Logger) *Registry {
	return &Registry{
		db:       db,
		settings: cfg,
		log:      log.With().Str("component", "fleet").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// AgentDetail is an agent with its group memberships.
type AgentDetail struct {
	store.Agent
	GroupIDs []uint `json:"group_ids"`
}

// Register creates or refreshes an agent. An existing agent keeps its
// secret; a new one (or one with a blank secret) gets a fresh secret.
// The uuid is an opaque key: it is validated but stored as sent, since
// agents authenticate with the same text later.
func (r *Registry) Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	agentUUID := strings.TrimSpace(req.UUID)
	if _, err := uuid.Parse(agentUUID); err != nil {
		return nil, apperr.Validation("uuid must be a valid UUID")
	}
	if strings.TrimSpace(req.Hostname) == "" {
		return nil, apperr.Validation("hostname is required")
	}

	var (
		agent   store.Agent
		created bool
	)
	upsert := func(tx *gorm.DB) error {
		created = false
		now := r.Now()
		err := tx.Where("uuid = ?", agentUUID).First(&agent).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			secret, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			agent = store.Agent{UUID: agentUUID, SecretKey: secret}
			applyRegistration(&agent, req, now)
			created = true
			return tx.Create(&agent).Error
		case err != nil:
			return err
		}
		applyRegistration(&agent, req, now)
		if agent.SecretKey == "" {
			secret, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			agent.SecretKey = secret
		}
		return tx.Save(&agent).Error
	}

	err := r.db.WithContext(ctx).Transaction(upsert)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent first registration won; refresh its row instead.
		err = r.db.WithContext(ctx).Transaction(upsert)
	}
	if err != nil {
		return nil, apperr.Internal("register agent", err)
	}

	r.log.Info().Str("agent_uuid", agentUUID).Bool("new", created).Str("hostname", agent.Hostname).Msg("agent registered")

	return &protocol.RegisterResponse{
		Status:    "success",
		Message:   "Agent registered",
		SecretKey: agent.SecretKey,
		Config:    r.AgentConfig(ctx),
	}, nil
}

func applyRegistration(a *store.Agent, req protocol.RegisterRequest, now time.Time) {
	a.Hostname = strings.TrimSpace(req.Hostname)
	a.OSVersion = req.OSVersion
	a.Version = req.AgentVersion
	a.CPUModel = req.CPUModel
	a.RAMGB = req.RAMGB
	a.DiskFreeGB = req.DiskFreeGB
	a.Status = store.AgentOnline
	a.LastSeen = &now
}

// AgentConfig reads the registration-time configuration from settings.
func (r *Registry) AgentConfig(ctx context.Context) protocol.AgentConfig {
	return protocol.AgentConfig{
		HeartbeatIntervalSec: r.settings.Int(ctx, settings.HeartbeatIntervalSec),
		BandwidthLimitKbps:   r.settings.Int(ctx, settings.BandwidthLimitKbps),
		WorkHourStart:        r.settings.String(ctx, settings.WorkHourStart),
		WorkHourEnd:          r.settings.String(ctx, settings.WorkHourEnd),
	}
}

// Authenticate returns the agent when secret matches its stored secret.
// Unknown agents and agents without a stored secret are rejected.
func (r *Registry) Authenticate(ctx context.Context, agentUUID, secret string) (*store.Agent, error) {
	if agentUUID == "" || secret == "" {
		return nil, apperr.Unauthorized(invalidCredentials)
	}
	var agent store.Agent
	err := r.db.WithContext(ctx).Where("uuid = ?", agentUUID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Unauthorized(invalidCredentials)
	}
	if err != nil {
		return nil, apperr.Internal("load agent", err)
	}
	if !auth.CheckAgentSecret(agent.SecretKey, secret) {
		return nil, apperr.Unauthorized(invalidCredentials)
	}
	return &agent, nil
}

// List returns all agents, newest first.
func (r *Registry) List(ctx context.Context) ([]store.Agent, error) {
	var agents []store.Agent
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&agents).Error; err != nil {
		return nil, apperr.Internal("list agents", err)
	}
	return agents, nil
}

func (r *Registry) Get(ctx context.Context, agentUUID string) (*AgentDetail, error) {
	var agent store.Agent
	err := r.db.WithContext(ctx).Where("uuid = ?", agentUUID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Agent not found")
	}
	if err != nil {
		return nil, apperr.Internal("load agent", err)
	}
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&store.AgentGroup{}).
		Where("agent_uuid = ?", agentUUID).Order("group_id").Pluck("group_id", &ids).Error; err != nil {
		return nil, apperr.Internal("load agent groups", err)
	}
	if ids == nil {
		ids = []uint{}
	}
	return &AgentDetail{Agent: agent, GroupIDs: ids}, nil
}

// Exists reports whether an agent with the given uuid is registered.
func (r *Registry) Exists(ctx context.Context, agentUUID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&store.Agent{}).Where("uuid = ?", agentUUID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("count agent: %w", err)
	}
	return n > 0, nil
}
