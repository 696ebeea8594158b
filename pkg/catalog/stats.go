package catalog

import (
	"context"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/store"
)

// Stats is the operator dashboard summary.
type Stats struct {
	TotalAgents       int64 `json:"total_agents"`
	OnlineAgents      int64 `json:"online_agents"`
	OfflineAgents     int64 `json:"offline_agents"`
	TotalApplications int64 `json:"total_applications"`
	PendingTasks      int64 `json:"pending_tasks"`
	FailedTasks       int64 `json:"failed_tasks"`
	ActiveDeployments int64 `json:"active_deployments"`
}

func (c *Catalog) Stats(ctx context.Context) (*Stats, error) {
	db := c.db.WithContext(ctx)
	var s Stats
	counts := []struct {
		dst   *int64
		model any
		where string
		arg   any
	}{
		{&s.TotalAgents, &store.Agent{}, "", nil},
		{&s.OnlineAgents, &store.Agent{}, "status = ?", store.AgentOnline},
		{&s.TotalApplications, &store.Application{}, "", nil},
		{&s.PendingTasks, &store.TaskHistory{}, "status = ?", store.TaskPending},
		{&s.FailedTasks, &store.TaskHistory{}, "status = ?", store.TaskFailed},
		{&s.ActiveDeployments, &store.Deployment{}, "is_active = ?", true},
	}
	for _, q := range counts {
		tx := db.Model(q.model)
		if q.where != "" {
			tx = tx.Where(q.where, q.arg)
		}
		if err := tx.Count(q.dst).Error; err != nil {
			return nil, apperr.Internal("dashboard stats", err)
		}
	}
	s.OfflineAgents = max(s.TotalAgents-s.OnlineAgents, 0)
	return &s, nil
}
