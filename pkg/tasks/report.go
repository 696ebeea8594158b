package tasks

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/telemetry"
)

var reportableStatuses = map[string]bool{
	store.TaskPending:     true,
	store.TaskDownloading: true,
	store.AppInstalling:   true,
	store.TaskSuccess:     true,
	store.TaskFailed:      true,
	store.TaskTimeout:     true,
}

// IsTerminal reports whether a task status ends the task.
func IsTerminal(status string) bool {
	return status == store.TaskSuccess || status == store.TaskFailed || status == store.TaskTimeout
}

// ReportStatus applies an agent's progress report to its task and to the
// matching desired-state row. Tasks of other agents are treated as unknown.
func (r *Resolver) ReportStatus(ctx context.Context, agentUUID string, taskID uint, req protocol.TaskStatusRequest) error {
	if !reportableStatuses[req.Status] {
		return apperr.Validation("Invalid task status")
	}
	now := r.Now()
	message := req.Message
	if req.Error != nil {
		message = req.Error
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task store.TaskHistory
		err := tx.Where("id = ? AND agent_uuid = ?", taskID, agentUUID).First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("Task not found")
		}
		if err != nil {
			return err
		}

		task.Status = req.Status
		task.Message = message
		task.ExitCode = req.ExitCode
		task.DownloadDurationSec = req.DownloadDurationSec
		task.InstallDurationSec = req.InstallDurationSec
		if IsTerminal(req.Status) {
			task.CompletedAt = &now
		}
		if err := tx.Save(&task).Error; err != nil {
			return err
		}

		if task.AppID == nil {
			return nil
		}
		var row store.AgentApplication
		err = tx.Where("agent_uuid = ? AND app_id = ?", agentUUID, *task.AppID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch req.Status {
		case store.TaskSuccess:
			row.Status = store.AppInstalled
			if req.InstalledVersion != nil {
				row.InstalledVersion = req.InstalledVersion
			}
			row.ErrorMessage = nil
		case store.TaskFailed, store.TaskTimeout:
			row.Status = store.AppFailed
			row.RetryCount++
			row.ErrorMessage = message
		case store.TaskDownloading:
			row.Status = store.AppDownloading
		case store.AppInstalling:
			row.Status = store.AppInstalling
		}
		row.LastAttempt = &now
		return tx.Save(&row).Error
	})
	if err != nil {
		return apperr.Wrap("update task status", err)
	}

	telemetry.TaskReportsTotal.WithLabelValues(req.Status).Inc()
	r.log.Info().Str("agent_uuid", agentUUID).Uint("task_id", taskID).Str("status", req.Status).Msg("task status reported")
	return nil
}

// History lists task history, newest first. An empty agentUUID lists all agents.
func (r *Resolver) History(ctx context.Context, agentUUID string, limit, offset int) ([]store.TaskHistory, int64, error) {
	q := r.db.WithContext(ctx).Model(&store.TaskHistory{})
	if agentUUID != "" {
		q = q.Where("agent_uuid = ?", agentUUID)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal("count task history", err)
	}
	var items []store.TaskHistory
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, 0, apperr.Internal("list task history", err)
	}
	return items, total, nil
}
