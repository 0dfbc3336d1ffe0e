package rules

import "github.com/argus-siem/argus/internal/config"

// Thresholds carries every tunable rule parameter. Numeric fields may be
// overridden per rule through config (rules.<name>.<field>); the pattern and
// allowlist sets are compiled-in defaults.
type Thresholds struct {
	HighCPUPercent       float64 // high_cpu: max process cpu over the window
	HighMemoryPercent    float64 // high_memory: avg memory percent, strict >
	ProcessExplosionMax  float64 // process_explosion: processes in one snapshot
	ForkBombRatePerMin   float64 // fork_bomb: process growth per minute
	ForkBombSustainSec   float64 // fork_bomb: minimum sustained duration
	BruteForceAttempts   float64 // brute_force: failures per principal
	PortScanConnections  float64 // port_scan: connections held by one process
	ExfilMBPerMin        float64 // data_exfiltration: sent MB per minute
}

// DefaultThresholds returns the rule defaults from the catalog.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighCPUPercent:      200,
		HighMemoryPercent:   90,
		ProcessExplosionMax: 15000,
		ForkBombRatePerMin:  50,
		ForkBombSustainSec:  60,
		BruteForceAttempts:  3,
		PortScanConnections: 50,
		ExfilMBPerMin:       500,
	}
}

// ThresholdsFromConfig applies rules.<name>.<field> overrides.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	t := DefaultThresholds()
	t.HighCPUPercent = cfg.RuleThreshold("high_cpu", "cpu_percent", t.HighCPUPercent)
	t.HighMemoryPercent = cfg.RuleThreshold("high_memory", "memory_percent", t.HighMemoryPercent)
	t.ProcessExplosionMax = cfg.RuleThreshold("process_explosion", "process_count", t.ProcessExplosionMax)
	t.ForkBombRatePerMin = cfg.RuleThreshold("fork_bomb", "rate_per_min", t.ForkBombRatePerMin)
	t.ForkBombSustainSec = cfg.RuleThreshold("fork_bomb", "sustain_sec", t.ForkBombSustainSec)
	t.BruteForceAttempts = cfg.RuleThreshold("brute_force", "attempts", t.BruteForceAttempts)
	t.PortScanConnections = cfg.RuleThreshold("port_scan", "connections", t.PortScanConnections)
	t.ExfilMBPerMin = cfg.RuleThreshold("data_exfiltration", "mb_per_min", t.ExfilMBPerMin)
	return t
}

// privilegedUsers may sudo without raising privilege_escalation.
var privilegedUsers = map[string]bool{
	"root":     true,
	"admin":    true,
	"ansible":  true,
	"deploy":   true,
}

// protectedServices raise service_disruption when stopped.
var protectedServices = map[string]bool{
	"sshd":            true,
	"ssh":             true,
	"auditd":          true,
	"rsyslog":         true,
	"syslog-ng":       true,
	"firewalld":       true,
	"ufw":             true,
	"argus-agent":     true,
	"systemd-journald": true,
}

// malwareIndicators match known-bad process names or executable paths.
var malwareIndicators = []string{
	"xmrig", "kinsing", "kdevtmpfsi", "minerd", "cryptonight",
	"/tmp/.hidden", "/dev/shm/.", "watchdogs", "meterpreter",
}
