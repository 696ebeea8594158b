package store

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// AgentApplication statuses.
const (
	AppPending     = "pending"
	AppDownloading = "downloading"
	AppInstalling  = "installing"
	AppInstalled   = "installed"
	AppFailed      = "failed"
	AppUninstall   = "uninstalling"
	AppRemoved     = "removed"
)

// TaskHistory actions and statuses.
const (
	ActionInstall    = "install"
	ActionUninstall  = "uninstall"
	ActionUpdate     = "update"
	ActionSelfUpdate = "self_update"

	TaskPending     = "pending"
	TaskDownloading = "downloading"
	TaskSuccess     = "success"
	TaskFailed      = "failed"
	TaskTimeout     = "timeout"
)

// Deployment target types.
const (
	TargetAll   = "All"
	TargetGroup = "Group"
	TargetAgent = "Agent"
)

// Software change types.
const (
	ChangeInstalled = "installed"
	ChangeUpdated   = "updated"
	ChangeRemoved   = "removed"
)

// Setting is one row of the runtime configuration store.
type Setting struct {
	Key         string    `gorm:"primaryKey" json:"key"`
	Value       string    `gorm:"type:text;not null" json:"value"`
	Description *string   `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Group struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentGroup is the many-to-many membership link between agents and groups.
type AgentGroup struct {
	AgentUUID string `gorm:"primaryKey"`
	GroupID   uint   `gorm:"primaryKey;index"`
	CreatedAt time.Time
}

// Agent is a managed endpoint. GroupID is the legacy single-group projection:
// the lowest group id among its memberships.
type Agent struct {
	UUID       string     `gorm:"primaryKey" json:"uuid"`
	Hostname   string     `gorm:"not null" json:"hostname"`
	IPAddress  *string    `json:"ip_address"`
	OSUser     *string    `json:"os_user"`
	OSVersion  *string    `json:"os_version"`
	Version    *string    `json:"version"`
	LastSeen   *time.Time `gorm:"index" json:"last_seen"`
	Status     string     `gorm:"index;not null" json:"status"`
	GroupID    *uint      `gorm:"index" json:"group_id"`
	SecretKey  string     `json:"-"`
	CPUModel   *string    `json:"cpu_model"`
	RAMGB      *int       `json:"ram_gb"`
	DiskFreeGB *int       `json:"disk_free_gb"`
	Tags       *string    `json:"tags"`
	Notes      *string    `json:"notes"`

	InventoryHash      *string    `json:"inventory_hash"`
	InventoryUpdatedAt *time.Time `json:"inventory_updated_at"`
	SoftwareCount      int        `json:"software_count"`

	LoggedInSessions          datatypes.JSON `json:"logged_in_sessions"`
	LoggedInSessionsUpdatedAt *time.Time     `json:"logged_in_sessions_updated_at"`

	SystemProfile          datatypes.JSON `json:"system_profile"`
	SystemProfileHash      *string        `json:"system_profile_hash"`
	SystemProfileUpdatedAt *time.Time     `json:"system_profile_updated_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Application is a distributable installer package.
type Application struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	DisplayName      string    `gorm:"index;not null" json:"display_name"`
	Description      *string   `json:"description"`
	Filename         string    `gorm:"not null" json:"filename"`
	OriginalFilename *string   `json:"original_filename"`
	Version          string    `gorm:"not null" json:"version"`
	FileHash         string    `gorm:"not null" json:"file_hash"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	FileType         string    `gorm:"not null" json:"file_type"`
	InstallArgs      *string   `json:"install_args"`
	UninstallArgs    *string   `json:"uninstall_args"`
	IsVisibleInStore bool      `gorm:"index" json:"is_visible_in_store"`
	IconURL          *string   `json:"icon_url"`
	Category         *string   `json:"category"`
	IsActive         bool      `gorm:"index" json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Deployment publishes one application to a target scope.
type Deployment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AppID       uint      `gorm:"index;not null" json:"app_id"`
	TargetType  string    `gorm:"index:idx_deployment_target;not null" json:"target_type"`
	TargetID    *string   `gorm:"index:idx_deployment_target" json:"target_id"`
	IsMandatory bool      `json:"is_mandatory"`
	ForceUpdate bool      `json:"force_update"`
	Priority    int       `json:"priority"`
	IsActive    bool      `gorm:"index" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   *string   `json:"created_by"`
}

// AgentApplication is the desired/observed install state of one app on one agent.
type AgentApplication struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	AgentUUID        string     `gorm:"uniqueIndex:uq_agent_application;not null" json:"agent_uuid"`
	AppID            uint       `gorm:"uniqueIndex:uq_agent_application;index;not null" json:"app_id"`
	DeploymentID     *uint      `json:"deployment_id"`
	Status           string     `gorm:"index;not null" json:"status"`
	InstalledVersion *string    `json:"installed_version"`
	LastAttempt      *time.Time `json:"last_attempt"`
	RetryCount       int        `gorm:"not null" json:"retry_count"`
	ErrorMessage     *string    `json:"error_message"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TaskHistory is one dispatch attempt. Rows are only updated by the agent's
// own status report for that task.
type TaskHistory struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	AgentUUID           *string    `gorm:"index" json:"agent_uuid"`
	AppID               *uint      `gorm:"index" json:"app_id"`
	DeploymentID        *uint      `json:"deployment_id"`
	Action              string     `gorm:"not null" json:"action"`
	Status              string     `gorm:"index;not null" json:"status"`
	Message             *string    `json:"message"`
	ExitCode            *int       `json:"exit_code"`
	StartedAt           *time.Time `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at"`
	DownloadDurationSec *int       `json:"download_duration_sec"`
	InstallDurationSec  *int       `json:"install_duration_sec"`
	CreatedAt           time.Time  `gorm:"index" json:"created_at"`
}

// AgentSoftwareInventory is one row of an agent's current software snapshot.
type AgentSoftwareInventory struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AgentUUID       string    `gorm:"index;not null" json:"agent_uuid"`
	SoftwareName    string    `gorm:"index;not null" json:"software_name"`
	SoftwareVersion *string   `json:"software_version"`
	Publisher       *string   `json:"publisher"`
	InstallDate     *string   `json:"install_date"`
	EstimatedSizeKB *int64    `json:"estimated_size_kb"`
	Architecture    *string   `json:"architecture"`
	NormalizedName  *string   `gorm:"index" json:"normalized_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// SoftwareChangeHistory is an immutable diff record between two submissions.
type SoftwareChangeHistory struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AgentUUID       string    `gorm:"index;not null" json:"agent_uuid"`
	SoftwareName    string    `gorm:"not null" json:"software_name"`
	SoftwareVersion *string   `json:"software_version"`
	Publisher       *string   `json:"publisher"`
	PreviousVersion *string   `json:"previous_version"`
	ChangeType      string    `gorm:"index;not null" json:"change_type"`
	DetectedAt      time.Time `gorm:"index" json:"detected_at"`
}

type SoftwareNormalizationRule struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Pattern        string    `gorm:"not null" json:"pattern"`
	NormalizedName string    `gorm:"not null" json:"normalized_name"`
	MatchType      string    `gorm:"not null" json:"match_type"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

type SoftwareLicense struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	SoftwareNamePattern string    `gorm:"not null" json:"software_name_pattern"`
	MatchType           string    `gorm:"not null" json:"match_type"`
	LicenseType         string    `gorm:"not null" json:"license_type"`
	TotalLicenses       int       `json:"total_licenses"`
	Description         *string   `json:"description"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AgentSystemProfileHistory records each distinct system profile an agent reported.
type AgentSystemProfileHistory struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	AgentUUID     string         `gorm:"index;not null" json:"agent_uuid"`
	DetectedAt    time.Time      `gorm:"index" json:"detected_at"`
	ProfileHash   string         `json:"profile_hash"`
	ProfileJSON   datatypes.JSON `json:"system_profile"`
	ChangedFields datatypes.JSON `json:"changed_fields"`
	Diff          datatypes.JSON `json:"diff"`
}

// AgentIdentityHistory records hostname / address changes seen on heartbeat.
type AgentIdentityHistory struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AgentUUID    string    `gorm:"index;not null" json:"agent_uuid"`
	DetectedAt   time.Time `gorm:"index" json:"detected_at"`
	OldHostname  *string   `json:"old_hostname"`
	NewHostname  *string   `json:"new_hostname"`
	OldIPAddress *string   `json:"old_ip_address"`
	NewIPAddress *string   `json:"new_ip_address"`
}

// AllModels lists every table the server owns, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Setting{},
		&Group{},
		&Agent{},
		&AgentGroup{},
		&Application{},
		&Deployment{},
		&AgentApplication{},
		&TaskHistory{},
		&AgentSoftwareInventory{},
		&SoftwareChangeHistory{},
		&SoftwareNormalizationRule{},
		&SoftwareLicense{},
		&AgentSystemProfileHistory{},
		&AgentIdentityHistory{},
	}
}
