package inventory

import (
	"context"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/policy"
	"github.com/senhakan/appcenter-server/pkg/store"
)

// displayName groups snapshot rows by their normalized name when set.
const displayName = "COALESCE(agent_software_inventories.normalized_name, agent_software_inventories.software_name)"

// SoftwareSummary is one row of the cross-agent software view.
type SoftwareSummary struct {
	Name       string   `json:"name"`
	AgentCount int64    `json:"agent_count"`
	Versions   []string `json:"versions"`
}

// SoftwareAgent is one agent that has a given software installed.
type SoftwareAgent struct {
	AgentUUID       string  `json:"agent_uuid"`
	Hostname        string  `json:"hostname"`
	SoftwareVersion *string `json:"software_version"`
	Status          string  `json:"status"`
}

type Dashboard struct {
	TotalUniqueSoftware int64 `json:"total_unique_software"`
	LicenseViolations   int   `json:"license_violations"`
	ProhibitedAlerts    int   `json:"prohibited_alerts"`
	AgentsWithInventory int64 `json:"agents_with_inventory"`
	AddedToday          int64 `json:"added_today"`
	RemovedToday        int64 `json:"removed_today"`
}

// Snapshot returns an agent's current software rows sorted by name.
func (r *Reconciler) Snapshot(ctx context.Context, agentUUID string) ([]store.AgentSoftwareInventory, error) {
	var rows []store.AgentSoftwareInventory
	err := r.db.WithContext(ctx).Where("agent_uuid = ?", agentUUID).
		Order("software_name ASC").Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, apperr.Internal("load inventory snapshot", err)
	}
	return rows, nil
}

// Changes pages an agent's software change history, newest first.
func (r *Reconciler) Changes(ctx context.Context, agentUUID string, limit, offset int) ([]store.SoftwareChangeHistory, int64, error) {
	q := r.db.WithContext(ctx).Model(&store.SoftwareChangeHistory{}).
		Where("agent_uuid = ?", agentUUID).Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal("count software changes", err)
	}
	var rows []store.SoftwareChangeHistory
	if err := q.Order("detected_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, apperr.Internal("list software changes", err)
	}
	return rows, total, nil
}

// Summary groups the fleet's software by display name. search filters the
// display name case-insensitively; page is 1-based.
func (r *Reconciler) Summary(ctx context.Context, search string, page, perPage int) ([]SoftwareSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	db := r.db.WithContext(ctx)
	grouped := func() *gorm.DB {
		q := db.Model(&store.AgentSoftwareInventory{}).Group(displayName)
		if search = strings.TrimSpace(search); search != "" {
			q = q.Having("LOWER("+displayName+") LIKE ?", "%"+strings.ToLower(search)+"%")
		}
		return q
	}

	var total int64
	if err := db.Table("(?) AS grouped", grouped().Select(displayName+" AS name")).Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal("count software summary", err)
	}

	var items []SoftwareSummary
	err := grouped().
		Select(displayName + " AS name, COUNT(DISTINCT agent_software_inventories.agent_uuid) AS agent_count").
		Order("name ASC").
		Limit(perPage).Offset((page - 1) * perPage).
		Scan(&items).Error
	if err != nil {
		return nil, 0, apperr.Internal("list software summary", err)
	}
	if len(items) == 0 {
		return []SoftwareSummary{}, total, nil
	}

	names := make([]string, len(items))
	for i := range items {
		names[i] = items[i].Name
		items[i].Versions = []string{}
	}
	var pairs []struct {
		Name    string
		Version string
	}
	err = db.Model(&store.AgentSoftwareInventory{}).
		Distinct(displayName+" AS name", "software_version AS version").
		Where(displayName+" IN ?", names).
		Where("software_version IS NOT NULL AND software_version <> ''").
		Scan(&pairs).Error
	if err != nil {
		return nil, 0, apperr.Internal("list software versions", err)
	}
	versions := map[string][]string{}
	for _, p := range pairs {
		versions[p.Name] = append(versions[p.Name], p.Version)
	}
	for i := range items {
		if v, ok := versions[items[i].Name]; ok {
			sort.Strings(v)
			items[i].Versions = v
		}
	}
	return items, total, nil
}

// AgentsWith lists agents whose snapshot has name as either the stored or
// the normalized software name.
func (r *Reconciler) AgentsWith(ctx context.Context, name string) ([]SoftwareAgent, error) {
	var rows []SoftwareAgent
	err := r.db.WithContext(ctx).Model(&store.AgentSoftwareInventory{}).
		Select("agent_software_inventories.agent_uuid, agents.hostname, agent_software_inventories.software_version, agents.status").
		Joins("JOIN agents ON agents.uuid = agent_software_inventories.agent_uuid").
		Where("agent_software_inventories.software_name = ? OR agent_software_inventories.normalized_name = ?", name, name).
		Order("agents.hostname ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Internal("list agents by software", err)
	}
	if rows == nil {
		rows = []SoftwareAgent{}
	}
	return rows, nil
}

// installs returns the distinct (agent, display name) pairs license rules
// are evaluated against.
func installs(db *gorm.DB) ([]policy.Install, error) {
	var rows []policy.Install
	err := db.Model(&store.AgentSoftwareInventory{}).
		Distinct("agent_uuid", displayName+" AS name").
		Scan(&rows).Error
	return rows, err
}

// Dashboard aggregates the inventory counters. The added/removed counts
// cover the current UTC calendar day.
func (r *Reconciler) Dashboard(ctx context.Context) (*Dashboard, error) {
	db := r.db.WithContext(ctx)
	var d Dashboard

	if err := db.Model(&store.AgentSoftwareInventory{}).
		Select("COUNT(DISTINCT " + displayName + ")").Scan(&d.TotalUniqueSoftware).Error; err != nil {
		return nil, apperr.Internal("count unique software", err)
	}
	if err := db.Model(&store.AgentSoftwareInventory{}).
		Select("COUNT(DISTINCT agent_uuid)").Scan(&d.AgentsWithInventory).Error; err != nil {
		return nil, apperr.Internal("count agents with inventory", err)
	}

	report, err := r.LicenseReport(ctx)
	if err != nil {
		return nil, err
	}
	eval := policy.Evaluate(report)
	d.LicenseViolations = eval.LicenseOverruns
	d.ProhibitedAlerts = eval.ProhibitedAlerts

	now := r.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	countToday := func(changeType string, dst *int64) error {
		return db.Model(&store.SoftwareChangeHistory{}).
			Where("change_type = ? AND detected_at >= ? AND detected_at < ?", changeType, dayStart, dayEnd).
			Count(dst).Error
	}
	if err := countToday(store.ChangeInstalled, &d.AddedToday); err != nil {
		return nil, apperr.Internal("count installs today", err)
	}
	if err := countToday(store.ChangeRemoved, &d.RemovedToday); err != nil {
		return nil, apperr.Internal("count removals today", err)
	}
	return &d, nil
}
