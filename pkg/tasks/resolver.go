// Package tasks turns deployments into per-agent desired-state rows and
// hands pending work to agents as install commands.
package tasks

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/store"
)

type Resolver struct {
	db  *gorm.DB
	log zerolog.Logger

	// Now is the resolver clock; tests replace it.
	Now func() time.Time
}

func NewResolver(db *gorm.DB, log zerolog.Logger) *Resolver {
	return &Resolver{
		db:  db,
		log: log.With().Str("component", "tasks").Logger(),
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// ValidateTarget checks a target_type/target_id pair without resolving it.
func ValidateTarget(targetType string, targetID *string) error {
	switch targetType {
	case store.TargetAll:
		return nil
	case store.TargetGroup:
		_, err := parseGroupID(targetID)
		return err
	case store.TargetAgent:
		if targetID == nil || strings.TrimSpace(*targetID) == "" {
			return apperr.Validation("target_id required for Agent")
		}
		return nil
	default:
		return apperr.Validation("Invalid target_type")
	}
}

func parseGroupID(targetID *string) (uint, error) {
	if targetID == nil || strings.TrimSpace(*targetID) == "" {
		return 0, apperr.Validation("target_id required for Group")
	}
	id, err := strconv.ParseUint(strings.TrimSpace(*targetID), 10, 64)
	if err != nil {
		return 0, apperr.Validation("target_id must be group id")
	}
	return uint(id), nil
}

// ResolveTargets lists the agents a target scope currently covers. Group
// scopes match on the agent's primary group. An unknown agent yields an
// empty list.
func ResolveTargets(tx *gorm.DB, targetType string, targetID *string) ([]store.Agent, error) {
	if err := ValidateTarget(targetType, targetID); err != nil {
		return nil, err
	}
	var agents []store.Agent
	var err error
	switch targetType {
	case store.TargetAll:
		err = tx.Order("uuid").Find(&agents).Error
	case store.TargetGroup:
		gid, _ := parseGroupID(targetID)
		err = tx.Where("group_id = ?", gid).Order("uuid").Find(&agents).Error
	case store.TargetAgent:
		err = tx.Where("uuid = ?", strings.TrimSpace(*targetID)).Find(&agents).Error
	}
	if err != nil {
		return nil, apperr.Internal("resolve deployment targets", err)
	}
	return agents, nil
}

func (r *Resolver) ResolveTargets(ctx context.Context, targetType string, targetID *string) ([]store.Agent, error) {
	return ResolveTargets(r.db.WithContext(ctx), targetType, targetID)
}

// Seed materializes desired-state rows for every agent the deployment
// currently targets. Existing (agent, app) rows are attached to the
// deployment, and reset to pending when it forces an update; missing rows
// are inserted as pending. It returns the number of agents targeted.
func Seed(tx *gorm.DB, dep *store.Deployment) (int, error) {
	agents, err := ResolveTargets(tx, dep.TargetType, dep.TargetID)
	if err != nil {
		return 0, err
	}
	if len(agents) == 0 {
		return 0, nil
	}

	rows := make([]store.AgentApplication, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, store.AgentApplication{
			AgentUUID:    a.UUID,
			AppID:        dep.AppID,
			DeploymentID: &dep.ID,
			Status:       store.AppPending,
		})
	}

	updates := []string{"deployment_id", "updated_at"}
	if dep.ForceUpdate {
		updates = append(updates, "status")
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_uuid"}, {Name: "app_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).CreateInBatches(&rows, 200).Error
	if err != nil {
		return 0, apperr.Internal("seed deployment", err)
	}
	return len(agents), nil
}

// Reseed re-runs seeding for an existing deployment, picking up agents that
// joined its target scope after it was created. Inactive deployments are
// left alone.
func (r *Resolver) Reseed(ctx context.Context, deploymentID uint) (int, error) {
	var seeded int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dep store.Deployment
		err := tx.First(&dep, deploymentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("Deployment not found")
		}
		if err != nil {
			return err
		}
		if !dep.IsActive {
			return apperr.Validation("Deployment is not active")
		}
		seeded, err = Seed(tx, &dep)
		return err
	})
	if err != nil {
		return 0, apperr.Wrap("reseed deployment", err)
	}
	r.log.Info().Uint("deployment_id", deploymentID).Int("agents", seeded).Msg("deployment reseeded")
	return seeded, nil
}
