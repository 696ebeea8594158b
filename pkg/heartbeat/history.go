package heartbeat

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/store"
)

const (
	EventSystemProfile = "system_profile"
	EventIdentity      = "identity"
)

// TimelineEvent is one entry of an agent's merged change timeline.
type TimelineEvent struct {
	EventType     string          `json:"event_type"`
	DetectedAt    time.Time       `json:"detected_at"`
	ChangedFields json.RawMessage `json:"changed_fields,omitempty"`
	Diff          json.RawMessage `json:"diff,omitempty"`
	SystemProfile json.RawMessage `json:"system_profile,omitempty"`
	OldHostname   *string         `json:"old_hostname,omitempty"`
	NewHostname   *string         `json:"new_hostname,omitempty"`
	OldIPAddress  *string         `json:"old_ip_address,omitempty"`
	NewIPAddress  *string         `json:"new_ip_address,omitempty"`

	id uint
}

// SystemHistory pages an agent's system-profile history, newest first.
func (e *Engine) SystemHistory(ctx context.Context, agentUUID string, limit, offset int) ([]store.AgentSystemProfileHistory, int64, error) {
	q := e.db.WithContext(ctx).Model(&store.AgentSystemProfileHistory{}).Where("agent_uuid = ?", agentUUID).Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal("count system history", err)
	}
	var items []store.AgentSystemProfileHistory
	if err := q.Order("detected_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, 0, apperr.Internal("list system history", err)
	}
	return items, total, nil
}

// Timeline merges profile and identity history, newest first. The total
// counts both sources.
func (e *Engine) Timeline(ctx context.Context, agentUUID string, limit, offset int) ([]TimelineEvent, int64, error) {
	db := e.db.WithContext(ctx)
	window := limit + offset

	var totalProfile, totalIdentity int64
	if err := db.Model(&store.AgentSystemProfileHistory{}).Where("agent_uuid = ?", agentUUID).Count(&totalProfile).Error; err != nil {
		return nil, 0, apperr.Internal("count timeline", err)
	}
	if err := db.Model(&store.AgentIdentityHistory{}).Where("agent_uuid = ?", agentUUID).Count(&totalIdentity).Error; err != nil {
		return nil, 0, apperr.Internal("count timeline", err)
	}

	// Each source contributes at most limit+offset rows to the merged window.
	var profiles []store.AgentSystemProfileHistory
	if err := db.Where("agent_uuid = ?", agentUUID).Order("detected_at DESC").Order("id DESC").Limit(window).Find(&profiles).Error; err != nil {
		return nil, 0, apperr.Internal("load timeline", err)
	}
	var identities []store.AgentIdentityHistory
	if err := db.Where("agent_uuid = ?", agentUUID).Order("detected_at DESC").Order("id DESC").Limit(window).Find(&identities).Error; err != nil {
		return nil, 0, apperr.Internal("load timeline", err)
	}

	events := make([]TimelineEvent, 0, len(profiles)+len(identities))
	for _, p := range profiles {
		events = append(events, TimelineEvent{
			EventType:     EventSystemProfile,
			DetectedAt:    p.DetectedAt,
			ChangedFields: json.RawMessage(p.ChangedFields),
			Diff:          json.RawMessage(p.Diff),
			SystemProfile: json.RawMessage(p.ProfileJSON),
			id:            p.ID,
		})
	}
	for _, h := range identities {
		events = append(events, TimelineEvent{
			EventType:    EventIdentity,
			DetectedAt:   h.DetectedAt,
			OldHostname:  h.OldHostname,
			NewHostname:  h.NewHostname,
			OldIPAddress: h.OldIPAddress,
			NewIPAddress: h.NewIPAddress,
			id:           h.ID,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].DetectedAt.Equal(events[j].DetectedAt) {
			return events[i].DetectedAt.After(events[j].DetectedAt)
		}
		return events[i].id > events[j].id
	})

	if offset >= len(events) {
		return []TimelineEvent{}, totalProfile + totalIdentity, nil
	}
	end := offset + limit
	if end > len(events) {
		end = len(events)
	}
	return events[offset:end], totalProfile + totalIdentity, nil
}
