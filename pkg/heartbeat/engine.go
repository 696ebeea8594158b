// Package heartbeat applies one agent heartbeat as a single unit of work:
// liveness, identity and profile changes, installed-app self reports, task
// dispatch and the inventory-sync signal.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/profile"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/settings"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/tasks"
	"github.com/senhakan/appcenter-server/pkg/telemetry"
)

const tracerName = "github.com/senhakan/appcenter-server/pkg/heartbeat"

type Engine struct {
	db       *gorm.DB
	settings *settings.Store
	log      zerolog.Logger
	locks    *agentLocks

	// Now is the engine clock; tests replace it.
	Now func() time.Time
}

func NewEngine(db *gorm.DB, cfg *settings.Store, log zerolog.Logger) *Engine {
	return &Engine{
		db:       db,
		settings: cfg,
		log:      log.With().Str("component", "heartbeat").Logger(),
		locks:    newAgentLocks(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Result is what the engine hands back to the transport layer.
type Result struct {
	ServerTime            time.Time
	Config                protocol.HeartbeatConfig
	Commands              []protocol.Command
	InventorySyncRequired bool
	ProfileChanged        bool
}

func (r *Result) Response() protocol.HeartbeatResponse {
	return protocol.HeartbeatResponse{
		Status:     "ok",
		ServerTime: r.ServerTime,
		Config:     r.Config,
		Commands:   r.Commands,
	}
}

// Process applies req for the authenticated agent. Either every effect of
// the heartbeat is committed or none is.
func (e *Engine) Process(ctx context.Context, agentUUID string, req protocol.HeartbeatRequest) (*Result, error) {
	doc, err := profile.Parse(req.SystemProfile)
	if err != nil {
		return nil, apperr.Validation("system_profile must be a JSON object")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "heartbeat.process")
	defer span.End()
	span.SetAttributes(attribute.String("agent.uuid", agentUUID))

	unlock := e.locks.lock(agentUUID)
	defer unlock()

	start := time.Now()
	now := e.Now()
	res := &Result{ServerTime: now}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent store.Agent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("uuid = ?", agentUUID).First(&agent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("Agent not found")
		}
		if err != nil {
			return fmt.Errorf("load agent: %w", err)
		}

		if err := recordIdentityChange(tx, &agent, req, now); err != nil {
			return err
		}

		updates := map[string]any{
			"hostname":   req.Hostname,
			"ip_address": req.IPAddress,
			"os_user":    req.OSUser,
			"status":     store.AgentOnline,
			"last_seen":  now,
			"updated_at": now,
		}
		if req.AgentVersion != nil && *req.AgentVersion != "" {
			updates["version"] = *req.AgentVersion
		}
		if req.DiskFreeGB != nil {
			updates["disk_free_gb"] = *req.DiskFreeGB
		}
		if req.LoggedInSessions != nil {
			b, err := json.Marshal(req.LoggedInSessions)
			if err != nil {
				return fmt.Errorf("encode sessions: %w", err)
			}
			updates["logged_in_sessions"] = datatypes.JSON(b)
			updates["logged_in_sessions_updated_at"] = now
		}
		if doc != nil {
			changed, err := applyProfile(tx, &agent, doc, now, updates)
			if err != nil {
				return err
			}
			res.ProfileChanged = changed
		}
		if err := tx.Model(&store.Agent{}).Where("uuid = ?", agentUUID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update agent: %w", err)
		}

		if req.AppsChanged {
			if err := tasks.SyncInstalledApps(tx, agentUUID, req.InstalledApps, now); err != nil {
				return err
			}
		}

		res.Commands, err = tasks.PendingCommands(tx, agentUUID, now)
		if err != nil {
			return err
		}

		res.InventorySyncRequired = inventorySyncRequired(agent.InventoryHash, req.InventoryHash)
		res.Config = heartbeatConfig(ctx, e.settings.Tx(tx), res.InventorySyncRequired)
		return nil
	})
	telemetry.HeartbeatDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.HeartbeatsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, apperr.Wrap("process heartbeat", err)
	}
	telemetry.HeartbeatsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("heartbeat.commands", len(res.Commands)))

	e.log.Debug().
		Str("agent_uuid", agentUUID).
		Int("commands", len(res.Commands)).
		Bool("inventory_sync_required", res.InventorySyncRequired).
		Bool("profile_changed", res.ProfileChanged).
		Msg("heartbeat processed")
	return res, nil
}

// inventorySyncRequired is true when the agent reports a hash and it differs
// from the stored one, or nothing is stored yet.
func inventorySyncRequired(stored, reported *string) bool {
	if reported == nil {
		return false
	}
	return stored == nil || *stored != *reported
}

func heartbeatConfig(ctx context.Context, s *settings.Store, syncRequired bool) protocol.HeartbeatConfig {
	return protocol.HeartbeatConfig{
		BandwidthLimitKbps:       s.Int(ctx, settings.BandwidthLimitKbps),
		WorkHourStart:            s.String(ctx, settings.WorkHourStart),
		WorkHourEnd:              s.String(ctx, settings.WorkHourEnd),
		LatestAgentVersion:       s.String(ctx, settings.AgentLatestVersion),
		AgentDownloadURL:         nonEmpty(s.String(ctx, settings.AgentDownloadURL)),
		AgentHash:                nonEmpty(s.String(ctx, settings.AgentHash)),
		InventorySyncRequired:    syncRequired,
		InventoryScanIntervalMin: s.Int(ctx, settings.InventoryScanIntervalMin),
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// applyProfile writes a history row and queues the snapshot update when the
// reported profile's hash differs from the stored one.
func applyProfile(tx *gorm.DB, agent *store.Agent, doc profile.Document, now time.Time, updates map[string]any) (bool, error) {
	hash, err := profile.Hash(doc)
	if err != nil {
		return false, fmt.Errorf("hash system profile: %w", err)
	}
	if agent.SystemProfileHash != nil && *agent.SystemProfileHash == hash {
		return false, nil
	}

	var previous profile.Document
	if len(agent.SystemProfile) > 0 {
		// An unreadable stored snapshot is treated as absent.
		previous, _ = profile.Parse(agent.SystemProfile)
	}
	fields, changes := profile.Diff(previous, doc)

	canonical, err := profile.Canonical(doc)
	if err != nil {
		return false, fmt.Errorf("encode system profile: %w", err)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}
	diffJSON, err := json.Marshal(changes)
	if err != nil {
		return false, err
	}

	row := store.AgentSystemProfileHistory{
		AgentUUID:     agent.UUID,
		DetectedAt:    now,
		ProfileHash:   hash,
		ProfileJSON:   datatypes.JSON(canonical),
		ChangedFields: datatypes.JSON(fieldsJSON),
		Diff:          datatypes.JSON(diffJSON),
	}
	if err := tx.Create(&row).Error; err != nil {
		return false, fmt.Errorf("record system profile history: %w", err)
	}

	updates["system_profile"] = datatypes.JSON(canonical)
	updates["system_profile_hash"] = hash
	updates["system_profile_updated_at"] = now
	return true, nil
}

// recordIdentityChange appends an identity history row when the hostname
// changes or a previously known address changes.
func recordIdentityChange(tx *gorm.DB, agent *store.Agent, req protocol.HeartbeatRequest, now time.Time) error {
	hostChanged := agent.Hostname != req.Hostname
	ipChanged := agent.IPAddress != nil && !equalPtr(agent.IPAddress, req.IPAddress)
	if !hostChanged && !ipChanged {
		return nil
	}
	row := store.AgentIdentityHistory{
		AgentUUID:    agent.UUID,
		DetectedAt:   now,
		OldHostname:  store.Ptr(agent.Hostname),
		NewHostname:  store.Ptr(req.Hostname),
		OldIPAddress: agent.IPAddress,
		NewIPAddress: req.IPAddress,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("record identity change: %w", err)
	}
	return nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
