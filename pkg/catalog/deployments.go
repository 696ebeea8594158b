package catalog

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/tasks"
)

// DefaultDeploymentPriority applies when a create request omits priority.
const DefaultDeploymentPriority = 5

// DeploymentInput creates or patches a deployment. AppID is only read on
// create.
type DeploymentInput struct {
	AppID       *uint   `json:"app_id"`
	TargetType  *string `json:"target_type"`
	TargetID    *string `json:"target_id"`
	IsMandatory *bool   `json:"is_mandatory"`
	ForceUpdate *bool   `json:"force_update"`
	Priority    *int    `json:"priority"`
	IsActive    *bool   `json:"is_active"`
}

// CreateDeployment stores a deployment and, when active, seeds desired
// state for every agent it currently targets.
func (c *Catalog) CreateDeployment(ctx context.Context, in DeploymentInput, createdBy string) (*store.Deployment, error) {
	if in.AppID == nil {
		return nil, apperr.Validation("app_id is required")
	}
	dep := store.Deployment{
		AppID:      *in.AppID,
		TargetType: strings.TrimSpace(store.Deref(in.TargetType)),
		Priority:   DefaultDeploymentPriority,
		IsActive:   true,
	}
	if createdBy != "" {
		dep.CreatedBy = &createdBy
	}
	applyDeployment(&dep, in)
	if err := validateDeployment(&dep); err != nil {
		return nil, err
	}

	var seeded int
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&store.Application{}).Where("id = ?", dep.AppID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("Application not found")
		}
		if err := tx.Create(&dep).Error; err != nil {
			return err
		}
		if !dep.IsActive {
			return nil
		}
		var err error
		seeded, err = tasks.Seed(tx, &dep)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap("create deployment", err)
	}

	c.log.Info().
		Uint("deployment_id", dep.ID).
		Uint("app_id", dep.AppID).
		Str("target_type", dep.TargetType).
		Int("agents", seeded).
		Msg("deployment created")
	return &dep, nil
}

// ListDeployments returns deployments newest first.
func (c *Catalog) ListDeployments(ctx context.Context) ([]store.Deployment, error) {
	var deps []store.Deployment
	if err := c.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&deps).Error; err != nil {
		return nil, apperr.Internal("list deployments", err)
	}
	return deps, nil
}

func (c *Catalog) GetDeployment(ctx context.Context, id uint) (*store.Deployment, error) {
	var dep store.Deployment
	if err := c.db.WithContext(ctx).First(&dep, id).Error; err != nil {
		return nil, apperr.Wrap("load deployment", notFound(err, "Deployment not found"))
	}
	return &dep, nil
}

// UpdateDeployment patches a deployment and re-seeds it while active.
func (c *Catalog) UpdateDeployment(ctx context.Context, id uint, in DeploymentInput) (*store.Deployment, error) {
	var dep store.Deployment
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&dep, id).Error; err != nil {
			return notFound(err, "Deployment not found")
		}
		applyDeployment(&dep, in)
		if in.TargetType != nil {
			dep.TargetType = strings.TrimSpace(*in.TargetType)
		}
		if err := validateDeployment(&dep); err != nil {
			return err
		}
		if err := tx.Save(&dep).Error; err != nil {
			return err
		}
		if !dep.IsActive {
			return nil
		}
		_, err := tasks.Seed(tx, &dep)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap("update deployment", err)
	}
	return &dep, nil
}

// DeleteDeployment removes the deployment. Desired-state rows it seeded
// stay, detached from it.
func (c *Catalog) DeleteDeployment(ctx context.Context, id uint) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&store.Deployment{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("Deployment not found")
		}
		return tx.Model(&store.AgentApplication{}).Where("deployment_id = ?", id).
			Update("deployment_id", nil).Error
	})
	return apperr.Wrap("delete deployment", err)
}

func applyDeployment(dep *store.Deployment, in DeploymentInput) {
	if in.TargetID != nil {
		if id := strings.TrimSpace(*in.TargetID); id != "" {
			dep.TargetID = &id
		} else {
			dep.TargetID = nil
		}
	}
	if in.IsMandatory != nil {
		dep.IsMandatory = *in.IsMandatory
	}
	if in.ForceUpdate != nil {
		dep.ForceUpdate = *in.ForceUpdate
	}
	if in.Priority != nil {
		dep.Priority = *in.Priority
	}
	if in.IsActive != nil {
		dep.IsActive = *in.IsActive
	}
}

func validateDeployment(dep *store.Deployment) error {
	return tasks.ValidateTarget(dep.TargetType, dep.TargetID)
}
