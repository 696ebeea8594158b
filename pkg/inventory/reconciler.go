// Package inventory reconciles agents' installed-software snapshots into
// change history and serves the inventory, normalization and license views.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/policy"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/telemetry"
)

const tracerName = "github.com/senhakan/appcenter-server/pkg/inventory"

type Reconciler struct {
	db  *gorm.DB
	log zerolog.Logger

	// Now is the reconciler clock; tests replace it.
	Now func() time.Time
}

func NewReconciler(db *gorm.DB, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		db:  db,
		log: log.With().Str("component", "inventory").Logger(),
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// Canonicalize is the diff and rule-matching key for a software name.
func Canonicalize(name string) string {
	return policy.Canonicalize(name)
}

// reportedItem is a submitted item after display cleanup.
type reportedItem struct {
	key  string
	name string
	item protocol.InventoryItem
}

// prepareItems cleans names and publishers, drops nameless items, and keeps
// the last item for each canonical key in first-seen order.
func prepareItems(items []protocol.InventoryItem) []reportedItem {
	index := map[string]int{}
	out := make([]reportedItem, 0, len(items))
	for _, it := range items {
		name := policy.CleanName(it.Name)
		if name == "" {
			continue
		}
		it.Publisher = policy.CleanOptional(it.Publisher)
		r := reportedItem{key: policy.Canonicalize(name), name: name, item: it}
		if i, ok := index[r.key]; ok {
			out[i] = r
			continue
		}
		index[r.key] = len(out)
		out = append(out, r)
	}
	return out
}

// Diff compares the stored snapshot with a new submission. Changes are
// ordered installs/updates in submission order, then removals by name.
func Diff(existing []store.AgentSoftwareInventory, items []protocol.InventoryItem) []store.SoftwareChangeHistory {
	return diffPrepared(existing, prepareItems(items))
}

func diffPrepared(existing []store.AgentSoftwareInventory, reported []reportedItem) []store.SoftwareChangeHistory {
	old := make(map[string]store.AgentSoftwareInventory, len(existing))
	for _, row := range existing {
		old[policy.Canonicalize(row.SoftwareName)] = row
	}

	var changes []store.SoftwareChangeHistory
	seen := make(map[string]bool, len(reported))
	for _, r := range reported {
		seen[r.key] = true
		prev, ok := old[r.key]
		switch {
		case !ok:
			changes = append(changes, store.SoftwareChangeHistory{
				SoftwareName:    r.name,
				SoftwareVersion: r.item.Version,
				Publisher:       r.item.Publisher,
				ChangeType:      store.ChangeInstalled,
			})
		case !equalPtr(prev.SoftwareVersion, r.item.Version):
			changes = append(changes, store.SoftwareChangeHistory{
				SoftwareName:    r.name,
				SoftwareVersion: r.item.Version,
				Publisher:       r.item.Publisher,
				PreviousVersion: prev.SoftwareVersion,
				ChangeType:      store.ChangeUpdated,
			})
		}
	}

	var removed []store.AgentSoftwareInventory
	for key, row := range old {
		if !seen[key] {
			removed = append(removed, row)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].SoftwareName < removed[j].SoftwareName })
	for _, row := range removed {
		changes = append(changes, store.SoftwareChangeHistory{
			SoftwareName:    policy.CleanName(row.SoftwareName),
			SoftwareVersion: row.SoftwareVersion,
			Publisher:       policy.CleanOptional(row.Publisher),
			ChangeType:      store.ChangeRemoved,
		})
	}
	return changes
}

// Submit replaces the agent's snapshot with items. The first submission
// for an agent (no stored rows) only establishes the baseline; later ones
// record one change-history row per install, update and removal. Snapshot,
// history and the agent's inventory hash are written in one transaction.
func (r *Reconciler) Submit(ctx context.Context, agentUUID string, req protocol.InventoryRequest) (protocol.ChangeCounts, error) {
	var counts protocol.ChangeCounts
	if req.InventoryHash == "" {
		return counts, apperr.Validation("inventory_hash is required")
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "inventory.submit")
	defer span.End()
	span.SetAttributes(attribute.String("agent.uuid", agentUUID), attribute.Int("inventory.items", len(req.Items)))

	reported := prepareItems(req.Items)
	now := r.Now()
	var baseline bool

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent store.Agent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("uuid = ?", agentUUID).First(&agent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("Agent not found")
		}
		if err != nil {
			return fmt.Errorf("load agent: %w", err)
		}

		var existing []store.AgentSoftwareInventory
		if err := tx.Where("agent_uuid = ?", agentUUID).Find(&existing).Error; err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		baseline = len(existing) == 0

		if !baseline {
			changes := diffPrepared(existing, reported)
			for i := range changes {
				changes[i].AgentUUID = agentUUID
				changes[i].DetectedAt = now
				switch changes[i].ChangeType {
				case store.ChangeInstalled:
					counts.Installed++
				case store.ChangeUpdated:
					counts.Updated++
				case store.ChangeRemoved:
					counts.Removed++
				}
			}
			if len(changes) > 0 {
				if err := tx.CreateInBatches(&changes, 200).Error; err != nil {
					return fmt.Errorf("record changes: %w", err)
				}
			}
		}

		if err := tx.Where("agent_uuid = ?", agentUUID).Delete(&store.AgentSoftwareInventory{}).Error; err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}

		normalizer, err := loadNormalizer(tx)
		if err != nil {
			return err
		}
		if len(reported) > 0 {
			rows := make([]store.AgentSoftwareInventory, 0, len(reported))
			for _, it := range reported {
				rows = append(rows, store.AgentSoftwareInventory{
					AgentUUID:       agentUUID,
					SoftwareName:    it.name,
					SoftwareVersion: it.item.Version,
					Publisher:       it.item.Publisher,
					InstallDate:     it.item.InstallDate,
					EstimatedSizeKB: it.item.EstimatedSizeKB,
					Architecture:    it.item.Architecture,
					NormalizedName:  store.Ptr(normalizer.NormalizeOrClean(it.name)),
				})
			}
			if err := tx.CreateInBatches(&rows, 200).Error; err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
		}

		return tx.Model(&store.Agent{}).Where("uuid = ?", agentUUID).Updates(map[string]any{
			"inventory_hash":       req.InventoryHash,
			"inventory_updated_at": now,
			"software_count":       len(reported),
		}).Error
	})
	if err != nil {
		span.RecordError(err)
		return protocol.ChangeCounts{}, apperr.Wrap("submit inventory", err)
	}

	kind := "diff"
	if baseline {
		kind = "baseline"
	}
	telemetry.InventorySubmissions.WithLabelValues(kind).Inc()
	telemetry.InventoryChanges.WithLabelValues(store.ChangeInstalled).Add(float64(counts.Installed))
	telemetry.InventoryChanges.WithLabelValues(store.ChangeUpdated).Add(float64(counts.Updated))
	telemetry.InventoryChanges.WithLabelValues(store.ChangeRemoved).Add(float64(counts.Removed))

	r.log.Info().
		Str("agent_uuid", agentUUID).
		Int("items", len(reported)).
		Bool("baseline", baseline).
		Int("installed", counts.Installed).
		Int("updated", counts.Updated).
		Int("removed", counts.Removed).
		Msg("inventory submitted")
	return counts, nil
}

func loadNormalizer(tx *gorm.DB) (*policy.Normalizer, error) {
	var rules []store.SoftwareNormalizationRule
	if err := tx.Where("is_active = ?", true).Order("id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("load normalization rules: %w", err)
	}
	return policy.NewNormalizer(rules), nil
}

// ReapplyNormalizationRules re-cleans every stored name and recomputes
// every normalized name against the current rules. It returns the number
// of field changes written; zero means the snapshot already agreed.
func (r *Reconciler) ReapplyNormalizationRules(ctx context.Context) (int, error) {
	changed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed = 0
		normalizer, err := loadNormalizer(tx)
		if err != nil {
			return err
		}
		var rows []store.AgentSoftwareInventory
		if err := tx.Order("id ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("load snapshot rows: %w", err)
		}
		for _, row := range rows {
			updates := map[string]any{}
			cleaned := policy.CleanName(row.SoftwareName)
			if cleaned == "" {
				cleaned = row.SoftwareName
			}
			if cleaned != row.SoftwareName {
				updates["software_name"] = cleaned
			}
			normalized := normalizer.NormalizeOrClean(cleaned)
			if row.NormalizedName == nil || *row.NormalizedName != normalized {
				updates["normalized_name"] = normalized
			}
			if len(updates) == 0 {
				continue
			}
			if err := tx.Model(&store.AgentSoftwareInventory{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update snapshot row %d: %w", row.ID, err)
			}
			changed += len(updates)
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Internal("reapply normalization rules", err)
	}
	r.log.Info().Int("changes", changed).Msg("normalization rules reapplied")
	return changed, nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
