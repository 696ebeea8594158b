// Package sweeper runs the periodic maintenance jobs: flipping silent agents
// offline and pruning history tables past the retention window.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/settings"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/telemetry"
)

type Sweeper struct {
	db       *gorm.DB
	settings *settings.Store
	log      zerolog.Logger

	Now func() time.Time
}

// PruneResult counts deleted rows per history table.
type PruneResult struct {
	TaskHistory     int64 `json:"task_history"`
	ChangeHistory   int64 `json:"software_change_history"`
	ProfileHistory  int64 `json:"system_profile_history"`
	IdentityHistory int64 `json:"identity_history"`
}

// SweepResult is the outcome of one manual maintenance run.
type SweepResult struct {
	MarkedOffline int64       `json:"marked_offline"`
	Pruned        PruneResult `json:"pruned"`
}

func New(db *gorm.DB, s *settings.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		db:       db,
		settings: s,
		log:      log.With().Str("component", "sweeper").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// MarkStaleOffline flips online agents not seen within timeout to offline.
// Agents that never reported a heartbeat are left alone.
func (s *Sweeper) MarkStaleOffline(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := s.Now().Add(-timeout)
	res := s.db.WithContext(ctx).Model(&store.Agent{}).
		Where("status = ? AND last_seen IS NOT NULL AND last_seen < ?", store.AgentOnline, cutoff).
		Update("status", store.AgentOffline)
	if res.Error != nil {
		return 0, apperr.Internal("mark stale agents offline", res.Error)
	}
	if res.RowsAffected > 0 {
		telemetry.AgentsMarkedOffline.Add(float64(res.RowsAffected))
		s.log.Info().Int64("agents", res.RowsAffected).Dur("timeout", timeout).Msg("marked agents offline")
	}
	return res.RowsAffected, nil
}

// PruneHistory deletes history rows older than retentionDays days.
func (s *Sweeper) PruneHistory(ctx context.Context, retentionDays int) (PruneResult, error) {
	var out PruneResult
	if retentionDays < 1 {
		return out, apperr.Validation("retention must be at least one day")
	}
	cutoff := s.Now().AddDate(0, 0, -retentionDays)
	db := s.db.WithContext(ctx)

	tables := []struct {
		name   string
		model  any
		column string
		dst    *int64
	}{
		{"task_history", &store.TaskHistory{}, "created_at", &out.TaskHistory},
		{"software_change_history", &store.SoftwareChangeHistory{}, "detected_at", &out.ChangeHistory},
		{"system_profile_history", &store.AgentSystemProfileHistory{}, "detected_at", &out.ProfileHistory},
		{"identity_history", &store.AgentIdentityHistory{}, "detected_at", &out.IdentityHistory},
	}
	for _, t := range tables {
		res := db.Where(t.column+" < ?", cutoff).Delete(t.model)
		if res.Error != nil {
			return out, apperr.Internal("prune "+t.name, res.Error)
		}
		*t.dst = res.RowsAffected
		telemetry.HistoryPruned.WithLabelValues(t.name).Add(float64(res.RowsAffected))
	}

	s.log.Info().
		Int("retention_days", retentionDays).
		Int64("task_history", out.TaskHistory).
		Int64("change_history", out.ChangeHistory).
		Int64("profile_history", out.ProfileHistory).
		Int64("identity_history", out.IdentityHistory).
		Msg("history pruned")
	return out, nil
}

// SweepOffline runs MarkStaleOffline with the configured agent timeout.
func (s *Sweeper) SweepOffline(ctx context.Context) (int64, error) {
	timeout := time.Duration(s.settings.Int(ctx, settings.AgentTimeoutSec)) * time.Second
	return s.MarkStaleOffline(ctx, timeout)
}

// SweepHistory runs PruneHistory with the configured retention.
func (s *Sweeper) SweepHistory(ctx context.Context) (PruneResult, error) {
	return s.PruneHistory(ctx, s.settings.Int(ctx, settings.LogRetentionDays))
}

// RunOnce runs both jobs with the current settings.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	marked, err := s.SweepOffline(ctx)
	if err != nil {
		return nil, err
	}
	pruned, err := s.SweepHistory(ctx)
	if err != nil {
		return nil, err
	}
	return &SweepResult{MarkedOffline: marked, Pruned: pruned}, nil
}
