// Package protocol holds the JSON shapes exchanged between agents and the
// server on the agent surface.
package protocol

import (
	"encoding/json"
	"time"
)

const (
	HeaderAgentUUID   = "X-Agent-UUID"
	HeaderAgentSecret = "X-Agent-Secret"
)

type RegisterRequest struct {
	UUID         string  `json:"uuid"`
	Hostname     string  `json:"hostname"`
	OSVersion    *string `json:"os_version,omitempty"`
	AgentVersion *string `json:"agent_version,omitempty"`
	CPUModel     *string `json:"cpu_model,omitempty"`
	RAMGB        *int    `json:"ram_gb,omitempty"`
	DiskFreeGB   *int    `json:"disk_free_gb,omitempty"`
}

// AgentConfig is the configuration handed out at registration.
type AgentConfig struct {
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
	BandwidthLimitKbps   int    `json:"bandwidth_limit_kbps"`
	WorkHourStart        string `json:"work_hour_start"`
	WorkHourEnd          string `json:"work_hour_end"`
}

type RegisterResponse struct {
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	SecretKey string      `json:"secret_key"`
	Config    AgentConfig `json:"config"`
}

type InstalledApp struct {
	AppID   uint   `json:"app_id"`
	Version string `json:"version"`
}

type Session struct {
	Username    string  `json:"username"`
	SessionType string  `json:"session_type"`
	LogonID     *string `json:"logon_id,omitempty"`
}

type HeartbeatRequest struct {
	Hostname      string         `json:"hostname"`
	IPAddress     *string        `json:"ip_address,omitempty"`
	OSUser        *string        `json:"os_user,omitempty"`
	AgentVersion  *string        `json:"agent_version,omitempty"`
	DiskFreeGB    *int           `json:"disk_free_gb,omitempty"`
	CPUUsage      *float64       `json:"cpu_usage,omitempty"`
	RAMUsage      *float64       `json:"ram_usage,omitempty"`
	AppsChanged   bool           `json:"apps_changed"`
	InstalledApps []InstalledApp `json:"installed_apps"`
	InventoryHash *string        `json:"inventory_hash,omitempty"`
	// Nil means "not reported this cycle"; an empty list clears the snapshot.
	LoggedInSessions []Session `json:"logged_in_sessions,omitempty"`
	// Kept raw so the server hashes exactly what the agent sent.
	SystemProfile json.RawMessage `json:"system_profile,omitempty"`
}

type HeartbeatConfig struct {
	BandwidthLimitKbps       int     `json:"bandwidth_limit_kbps"`
	WorkHourStart            string  `json:"work_hour_start"`
	WorkHourEnd              string  `json:"work_hour_end"`
	LatestAgentVersion       string  `json:"latest_agent_version"`
	AgentDownloadURL         *string `json:"agent_download_url"`
	AgentHash                *string `json:"agent_hash"`
	InventorySyncRequired    bool    `json:"inventory_sync_required"`
	InventoryScanIntervalMin int     `json:"inventory_scan_interval_min"`
}

type Command struct {
	TaskID        uint    `json:"task_id"`
	Action        string  `json:"action"`
	AppID         *uint   `json:"app_id,omitempty"`
	AppName       *string `json:"app_name,omitempty"`
	AppVersion    *string `json:"app_version,omitempty"`
	DownloadURL   *string `json:"download_url,omitempty"`
	FileHash      *string `json:"file_hash,omitempty"`
	FileSizeBytes *int64  `json:"file_size_bytes,omitempty"`
	InstallArgs   *string `json:"install_args,omitempty"`
	ForceUpdate   bool    `json:"force_update"`
	Priority      int     `json:"priority"`
}

type HeartbeatResponse struct {
	Status     string          `json:"status"`
	ServerTime time.Time       `json:"server_time"`
	Config     HeartbeatConfig `json:"config"`
	Commands   []Command       `json:"commands"`
}

type TaskStatusRequest struct {
	Status              string  `json:"status"`
	Progress            *int    `json:"progress,omitempty"`
	Message             *string `json:"message,omitempty"`
	ExitCode            *int    `json:"exit_code,omitempty"`
	InstalledVersion    *string `json:"installed_version,omitempty"`
	DownloadDurationSec *int    `json:"download_duration_sec,omitempty"`
	InstallDurationSec  *int    `json:"install_duration_sec,omitempty"`
	Error               *string `json:"error,omitempty"`
}

type InventoryItem struct {
	Name            string  `json:"name"`
	Version         *string `json:"version,omitempty"`
	Publisher       *string `json:"publisher,omitempty"`
	InstallDate     *string `json:"install_date,omitempty"`
	EstimatedSizeKB *int64  `json:"estimated_size_kb,omitempty"`
	Architecture    *string `json:"architecture,omitempty"`
}

type InventoryRequest struct {
	InventoryHash string          `json:"inventory_hash"`
	SoftwareCount int             `json:"software_count"`
	Items         []InventoryItem `json:"items"`
}

type ChangeCounts struct {
	Installed int `json:"installed"`
	Removed   int `json:"removed"`
	Updated   int `json:"updated"`
}

type InventoryResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Changes ChangeCounts `json:"changes"`
}

type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type StoreApp struct {
	ID               uint    `json:"id"`
	DisplayName      string  `json:"display_name"`
	Version          string  `json:"version"`
	Description      *string `json:"description"`
	IconURL          *string `json:"icon_url"`
	FileSizeMB       int64   `json:"file_size_mb"`
	Category         *string `json:"category"`
	Installed        bool    `json:"installed"`
	InstalledVersion *string `json:"installed_version"`
	CanUninstall     bool    `json:"can_uninstall"`
}

type StoreResponse struct {
	Apps []StoreApp `json:"apps"`
}
