package tasks

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/telemetry"
)

// DefaultPriority is reported for commands whose row has no deployment.
const DefaultPriority = 5

// DownloadURL is the agent-relative locator for an application installer.
func DownloadURL(appID uint) string {
	return fmt.Sprintf("/api/v1/agent/download/%d", appID)
}

type pendingRow struct {
	RowID         uint
	AppID         uint
	DeploymentID  *uint
	DisplayName   string
	Version       string
	FileHash      string
	FileSizeBytes int64
	InstallArgs   *string
	ForceUpdate   *bool
	Priority      *int
}

// PendingCommands dispatches every pending row of the agent whose
// application is active. Rows are taken by deployment priority, highest
// first (rows without a deployment last), then oldest first. Each dispatch
// flips the row to downloading and records a new task in tx; a row another
// transaction already flipped is skipped, so a row is dispatched at most once.
func PendingCommands(tx *gorm.DB, agentUUID string, now time.Time) ([]protocol.Command, error) {
	var rows []pendingRow
	err := tx.Table("agent_applications").
		Select(`agent_applications.id AS row_id,
			agent_applications.app_id,
			agent_applications.deployment_id,
			applications.display_name,
			applications.version,
			applications.file_hash,
			applications.file_size_bytes,
			applications.install_args,
			deployments.force_update,
			deployments.priority`).
		Joins("JOIN applications ON applications.id = agent_applications.app_id").
		Joins("LEFT JOIN deployments ON deployments.id = agent_applications.deployment_id").
		Where("agent_applications.agent_uuid = ? AND agent_applications.status = ? AND applications.is_active = ?",
			agentUUID, store.AppPending, true).
		Order("CASE WHEN deployments.priority IS NULL THEN 1 ELSE 0 END").
		Order("deployments.priority DESC").
		Order("agent_applications.created_at ASC").
		Order("agent_applications.id ASC").
		Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "agent_applications"}}).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("select pending applications: %w", err)
	}

	commands := make([]protocol.Command, 0, len(rows))
	for _, row := range rows {
		res := tx.Model(&store.AgentApplication{}).
			Where("id = ? AND status = ?", row.RowID, store.AppPending).
			Updates(map[string]any{
				"status":       store.AppDownloading,
				"last_attempt": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("mark application downloading: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		task := store.TaskHistory{
			AgentUUID:    &agentUUID,
			AppID:        store.Ptr(row.AppID),
			DeploymentID: row.DeploymentID,
			Action:       store.ActionInstall,
			Status:       store.TaskPending,
			Message:      store.Ptr("Queued from heartbeat"),
			StartedAt:    &now,
		}
		if err := tx.Create(&task).Error; err != nil {
			return nil, fmt.Errorf("record task: %w", err)
		}

		priority := DefaultPriority
		if row.Priority != nil {
			priority = *row.Priority
		}
		commands = append(commands, protocol.Command{
			TaskID:        task.ID,
			Action:        store.ActionInstall,
			AppID:         store.Ptr(row.AppID),
			AppName:       store.Ptr(row.DisplayName),
			AppVersion:    store.Ptr(row.Version),
			DownloadURL:   store.Ptr(DownloadURL(row.AppID)),
			FileHash:      store.Ptr(row.FileHash),
			FileSizeBytes: store.Ptr(row.FileSizeBytes),
			InstallArgs:   row.InstallArgs,
			ForceUpdate:   row.ForceUpdate != nil && *row.ForceUpdate,
			Priority:      priority,
		})
	}
	telemetry.CommandsDispatched.Add(float64(len(commands)))
	return commands, nil
}

// SyncInstalledApps records apps the agent reports as already installed.
// Unknown application ids are ignored.
func SyncInstalledApps(tx *gorm.DB, agentUUID string, apps []protocol.InstalledApp, now time.Time) error {
	if len(apps) == 0 {
		return nil
	}
	ids := make([]uint, 0, len(apps))
	for _, a := range apps {
		ids = append(ids, a.AppID)
	}
	var known []uint
	if err := tx.Model(&store.Application{}).Where("id IN ?", ids).Pluck("id", &known).Error; err != nil {
		return fmt.Errorf("load reported applications: %w", err)
	}
	exists := make(map[uint]bool, len(known))
	for _, id := range known {
		exists[id] = true
	}

	for _, a := range apps {
		if !exists[a.AppID] {
			continue
		}
		row := store.AgentApplication{
			AgentUUID:        agentUUID,
			AppID:            a.AppID,
			Status:           store.AppInstalled,
			InstalledVersion: store.Ptr(a.Version),
			LastAttempt:      &now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_uuid"}, {Name: "app_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "installed_version", "last_attempt", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("record installed application %d: %w", a.AppID, err)
		}
	}
	return nil
}
