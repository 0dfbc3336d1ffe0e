package store

import (
	"encoding/json"
	"time"
)

// Device statuses.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Roles, ordered by privilege. Device tokens carry RoleDevice.
const (
	RoleDevice  = "device_user"
	RoleAnalyst = "analyst"
	RoleAdmin   = "admin"
	RoleOwner   = "owner"
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert assignment statuses.
const (
	AlertUnassigned = "unassigned"
	AlertAssigned   = "assigned"
	AlertResolved   = "resolved"
	AlertEscalated  = "escalated"
)

// Incident statuses.
const (
	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentResolved     = "resolved"
)

// Telemetry kinds accepted by the ingest endpoint.
const (
	KindLogs      = "logs"
	KindMetrics   = "metrics"
	KindProcesses = "processes"
	KindCommands  = "commands"
)

// Device is the identity of a monitored host. The ID is server-assigned at
// registration and immutable.
type Device struct {
	ID           string     `db:"id" json:"id"`
	Hostname     string     `db:"hostname" json:"hostname"`
	OS           string     `db:"os" json:"os"`
	Status       string     `db:"status" json:"status"`
	LastSeen     time.Time  `db:"last_seen" json:"last_seen"`
	OwnerUserID  *int64     `db:"owner_user_id" json:"owner_user_id,omitempty"`
	Disabled     bool       `db:"disabled" json:"disabled"`
	RegisteredAt time.Time  `db:"registered_at" json:"registered_at"`
}

// User is a dashboard account.
type User struct {
	ID           int64      `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         string     `db:"role" json:"role"`
	Active       bool       `db:"active" json:"active"`
	CreatedBy    *int64     `db:"created_by" json:"created_by,omitempty"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Invitation is a one-shot token enabling a device to register. Only the
// sha256 of the token is stored.
type Invitation struct {
	ID         int64      `db:"id"`
	TokenHash  string     `db:"token_hash"`
	CreatedBy  int64      `db:"created_by"`
	ExpiresAt  time.Time  `db:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
	DeviceID   *string    `db:"device_id"`
	CreatedAt  time.Time  `db:"created_at"`
}

// LogRecord is one normalized syslog-style line. Append-only.
type LogRecord struct {
	ID        int64     `db:"id" json:"id,omitempty"`
	DeviceID  string    `db:"device_id" json:"device_id"`
	Timestamp time.Time `db:"ts" json:"timestamp"`
	Hostname  string    `db:"hostname" json:"hostname"`
	Severity  int       `db:"severity" json:"severity"` // syslog 0-7
	Facility  int       `db:"facility" json:"facility"`
	Process   string    `db:"process" json:"process,omitempty"`
	Message   string    `db:"message" json:"message"`
	Raw       string    `db:"raw" json:"raw,omitempty"`
}

// CPUStats is the cpu group of a metric sample.
type CPUStats struct {
	Percent  float64   `json:"cpu_percent"`
	PerCore  []float64 `json:"per_core,omitempty"`
	Load1    float64   `json:"load_1"`
	Load5    float64   `json:"load_5"`
	Load15   float64   `json:"load_15"`
}

// MemoryStats is the memory group of a metric sample.
type MemoryStats struct {
	Percent    float64 `json:"memory_percent"`
	UsedBytes  uint64  `json:"used_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
}

// DiskStats is the disk group of a metric sample.
type DiskStats struct {
	Percent   float64 `json:"disk_percent"`
	FreeBytes uint64  `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

// NetworkStats carries cumulative interface counters.
type NetworkStats struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// MetricSample is one aggregate resource snapshot. Stored flat in columns;
// the nested groups exist only at the JSON boundary.
type MetricSample struct {
	ID        int64        `json:"id,omitempty"`
	DeviceID  string       `json:"device_id"`
	Timestamp time.Time    `json:"timestamp"`
	CPU       CPUStats     `json:"cpu"`
	Memory    MemoryStats  `json:"memory"`
	Disk      DiskStats    `json:"disk"`
	Network   NetworkStats `json:"network"`
}

// ProcessRecord is one process inside a per-device snapshot. Records sharing
// CollectedAt belong to one snapshot.
type ProcessRecord struct {
	ID          int64     `db:"id" json:"id,omitempty"`
	DeviceID    string    `db:"device_id" json:"device_id"`
	CollectedAt time.Time `db:"collected_at" json:"collected_at"`
	PID         int32     `db:"pid" json:"pid"`
	PPID        int32     `db:"ppid" json:"ppid"`
	Name        string    `db:"name" json:"name"`
	Exe         string    `db:"exe" json:"exe,omitempty"`
	Cmdline     string    `db:"cmdline" json:"cmdline,omitempty"`
	Username    string    `db:"username" json:"username,omitempty"`
	Status      string    `db:"status" json:"status,omitempty"`
	CreateTime  time.Time `db:"create_time" json:"create_time"`
	CPUPercent  float64   `db:"cpu_percent" json:"cpu_percent"`
	MemPercent  float64   `db:"mem_percent" json:"mem_percent"`
	RSS         uint64    `db:"rss" json:"rss"`
	VMS         uint64    `db:"vms" json:"vms"`
	Threads     int32     `db:"threads" json:"threads"`
	FDs         int32     `db:"fds" json:"fds"`
	Connections int32     `db:"connections" json:"connections"`
}

// CommandRecord is one shell-history entry.
type CommandRecord struct {
	ID        int64     `db:"id" json:"id,omitempty"`
	DeviceID  string    `db:"device_id" json:"device_id"`
	Timestamp time.Time `db:"ts" json:"timestamp"`
	Command   string    `db:"command" json:"command"`
	Username  string    `db:"username" json:"user"`
	Shell     string    `db:"shell" json:"shell,omitempty"`
	Source    string    `db:"source" json:"source,omitempty"`
	Cwd       string    `db:"cwd" json:"cwd,omitempty"`
	ExitCode  *int      `db:"exit_code" json:"exit_code,omitempty"`
}

// Details is the open JSON bag attached to an alert. Each rule writes its own
// named schema into it.
type Details map[string]interface{}

// Alert is one detection. DeviceID is nil for multi-device alerts.
type Alert struct {
	ID               int64      `db:"id" json:"id"`
	RuleName         string     `db:"rule_name" json:"rule_name"`
	Severity         string     `db:"severity" json:"severity"`
	DeviceID         *string    `db:"device_id" json:"device_id,omitempty"`
	Details          Details    `db:"-" json:"details"`
	DetailsRaw       []byte     `db:"details" json:"-"`
	Fingerprint      string     `db:"fingerprint" json:"-"`
	AssignmentStatus string     `db:"assignment_status" json:"assignment_status"`
	AssigneeID       *int64     `db:"assignee_id" json:"assignee_id,omitempty"`
	ResolutionNotes  *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
	ResolvedAt       *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	IncidentID       *int64     `db:"incident_id" json:"incident_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// EncodeDetails serializes Details into DetailsRaw for persistence.
func (a *Alert) EncodeDetails() error {
	if a.Details == nil {
		a.DetailsRaw = []byte("{}")
		return nil
	}
	b, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	a.DetailsRaw = b
	return nil
}

// DecodeDetails populates Details from DetailsRaw after a read.
func (a *Alert) DecodeDetails() error {
	if len(a.DetailsRaw) == 0 {
		a.Details = Details{}
		return nil
	}
	return json.Unmarshal(a.DetailsRaw, &a.Details)
}

// Incident groups alerts sharing a correlation key.
type Incident struct {
	ID             int64     `db:"id" json:"id"`
	Title          string    `db:"title" json:"title"`
	Severity       string    `db:"severity" json:"severity"`
	Status         string    `db:"status" json:"status"`
	CorrelationKey string    `db:"correlation_key" json:"correlation_key"`
	DeviceIDs      []string  `db:"-" json:"device_ids"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// ProcessWindowStats is the snapshot-aggregated view used by the analysis
// loops: computed per device over a query window.
type ProcessWindowStats struct {
	MaxCPUPercent   float64
	MaxMemPercent   float64
	MaxProcessCount int
	UniqueNames     int
	SnapshotCounts  map[time.Time]int // collected_at → process count
}

// SeverityRank orders severities for max() aggregation.
func SeverityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// MaxSeverity returns the higher of two severity strings.
func MaxSeverity(a, b string) string {
	if SeverityRank(a) >= SeverityRank(b) {
		return a
	}
	return b
}
