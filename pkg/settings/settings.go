// Package settings is the runtime configuration store: string key/value rows
// with built-in defaults and typed getters. Values are read fresh on every
// call so operator edits take effect on the next heartbeat.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/senhakan/appcenter-server/pkg/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	HeartbeatIntervalSec     = "heartbeat_interval_sec"
	BandwidthLimitKbps       = "bandwidth_limit_kbps"
	WorkHourStart            = "work_hour_start"
	WorkHourEnd              = "work_hour_end"
	AgentTimeoutSec          = "agent_timeout_sec"
	InventoryScanIntervalMin = "inventory_scan_interval_min"
	AgentLatestVersion       = "agent_latest_version"
	AgentDownloadURL         = "agent_download_url"
	AgentHash                = "agent_hash"
	AgentUpdateFilename      = "agent_update_filename"
	LogRetentionDays         = "log_retention_days"
)

// Defaults applies when a key has no stored row.
var Defaults = map[string]string{
	HeartbeatIntervalSec:     "60",
	BandwidthLimitKbps:       "1024",
	WorkHourStart:            "09:00",
	WorkHourEnd:              "18:00",
	AgentTimeoutSec:          "300",
	InventoryScanIntervalMin: "10",
	AgentLatestVersion:       "1.0.0",
	AgentDownloadURL:         "",
	AgentHash:                "",
	AgentUpdateFilename:      "",
	LogRetentionDays:         "30",
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Tx returns a Store that reads and writes through tx.
func (s *Store) Tx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Get returns the stored value for key, or its default.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var row store.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err == nil {
		return row.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Defaults[key], nil
	}
	return "", fmt.Errorf("load setting %s: %w", key, err)
}

// String is Get with storage errors folded into the default.
func (s *Store) String(ctx context.Context, key string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return Defaults[key]
	}
	return v
}

// Int parses the value of key. Unparsable stored values fall back to the default.
func (s *Store) Int(ctx context.Context, key string) int {
	if n, err := strconv.Atoi(s.String(ctx, key)); err == nil {
		return n
	}
	n, _ := strconv.Atoi(Defaults[key])
	return n
}

// List returns the stored rows ordered by key.
func (s *Store) List(ctx context.Context) ([]store.Setting, error) {
	var rows []store.Setting
	if err := s.db.WithContext(ctx).Order("key asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return rows, nil
}

// Set upserts every pair in values inside one transaction.
func (s *Store) Set(ctx context.Context, values map[string]string, description string) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			row := store.Setting{Key: k, Value: values[k], UpdatedAt: now}
			if description != "" {
				row.Description = store.Ptr(description)
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("save setting %s: %w", k, err)
			}
		}
		return nil
	})
}
