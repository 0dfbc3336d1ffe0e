package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/argus-siem/argus/internal/store"
)

// Candidate is a rule hit before dedup. Stable lists the detail values that
// participate in the fingerprint, so the same condition seen across ticks
// maps to the same alert.
type Candidate struct {
	Rule     string
	Severity string
	Details  store.Details
	Stable   []string
}

// Rule is a pure function over one device's telemetry window.
type Rule struct {
	Name string
	Eval func(w *DeviceWindow) []Candidate
}

// Catalog returns the detection rules in evaluation order. Order is not
// observable externally: dedup and per-rule fingerprints make the emitted
// set deterministic given the window data.
func Catalog() []Rule {
	return []Rule{
		{"high_cpu", ruleHighCPU},
		{"high_memory", ruleHighMemory},
		{"process_explosion", ruleProcessExplosion},
		{"fork_bomb", ruleForkBomb},
		{"brute_force", ruleBruteForce},
		{"privilege_escalation", rulePrivilegeEscalation},
		{"suspicious_command", ruleSuspiciousCommand},
		{"port_scan", rulePortScan},
		{"data_exfiltration", ruleDataExfiltration},
		{"malware_indicator", ruleMalwareIndicator},
		{"log_deletion", ruleLogDeletion},
		{"cron_tamper", ruleCronTamper},
		{"service_disruption", ruleServiceDisruption},
	}
}

func ruleHighCPU(w *DeviceWindow) []Candidate {
	if w.Processes == nil || w.Processes.MaxCPUPercent <= w.Thresholds.HighCPUPercent {
		return nil
	}
	return []Candidate{{
		Rule:     "high_cpu",
		Severity: store.SeverityMedium,
		Details: store.Details{
			"max_process_cpu": w.Processes.MaxCPUPercent,
			"threshold":       w.Thresholds.HighCPUPercent,
		},
		Stable: []string{"high_cpu"},
	}}
}

func ruleHighMemory(w *DeviceWindow) []Candidate {
	if len(w.Metrics) == 0 {
		return nil
	}
	var sum float64
	for _, m := range w.Metrics {
		sum += m.Memory.Percent
	}
	avg := sum / float64(len(w.Metrics))
	// Strict >: exactly at the threshold does not fire.
	if avg <= w.Thresholds.HighMemoryPercent {
		return nil
	}
	return []Candidate{{
		Rule:     "high_memory",
		Severity: store.SeverityMedium,
		Details: store.Details{
			"avg_memory_percent": avg,
			"threshold":          w.Thresholds.HighMemoryPercent,
			"samples":            len(w.Metrics),
		},
		Stable: []string{"high_memory"},
	}}
}

func ruleProcessExplosion(w *DeviceWindow) []Candidate {
	if w.Processes == nil || float64(w.Processes.MaxProcessCount) <= w.Thresholds.ProcessExplosionMax {
		return nil
	}
	return []Candidate{{
		Rule:     "process_explosion",
		Severity: store.SeverityHigh,
		Details: store.Details{
			"process_count": w.Processes.MaxProcessCount,
			"threshold":     w.Thresholds.ProcessExplosionMax,
		},
		Stable: []string{"process_explosion"},
	}}
}

// ruleForkBomb fires when process count grows faster than the threshold rate
// between snapshots at least sustain-sec apart.
func ruleForkBomb(w *DeviceWindow) []Candidate {
	if w.Processes == nil || len(w.Processes.SnapshotCounts) < 2 {
		return nil
	}
	times := make([]time.Time, 0, len(w.Processes.SnapshotCounts))
	for t := range w.Processes.SnapshotCounts {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	sustain := time.Duration(w.Thresholds.ForkBombSustainSec) * time.Second
	for i := 0; i < len(times); i++ {
		for j := i + 1; j < len(times); j++ {
			elapsed := times[j].Sub(times[i])
			if elapsed < sustain {
				continue
			}
			growth := w.Processes.SnapshotCounts[times[j]] - w.Processes.SnapshotCounts[times[i]]
			rate := float64(growth) / elapsed.Minutes()
			if rate > w.Thresholds.ForkBombRatePerMin {
				return []Candidate{{
					Rule:     "fork_bomb",
					Severity: store.SeverityHigh,
					Details: store.Details{
						"creations_per_min": rate,
						"from_count":        w.Processes.SnapshotCounts[times[i]],
						"to_count":          w.Processes.SnapshotCounts[times[j]],
						"elapsed_sec":       elapsed.Seconds(),
					},
					Stable: []string{"fork_bomb"},
				}}
			}
		}
	}
	return nil
}

var bruteForceRe = regexp.MustCompile(`(?i)failed password for (?:invalid user )?(\S+)`)

// ruleBruteForce counts sshd authentication failures per principal.
func ruleBruteForce(w *DeviceWindow) []Candidate {
	failures := map[string]int{}
	for _, l := range w.Logs {
		if l.Process != "" && l.Process != "sshd" && !strings.Contains(l.Message, "sshd") {
			continue
		}
		if m := bruteForceRe.FindStringSubmatch(l.Message); m != nil {
			failures[m[1]]++
		}
	}
	var out []Candidate
	for user, n := range failures {
		if float64(n) < w.Thresholds.BruteForceAttempts {
			continue
		}
		out = append(out, Candidate{
			Rule:     "brute_force",
			Severity: store.SeverityMedium,
			Details: store.Details{
				"user":     user,
				"attempts": n,
			},
			Stable: []string{"brute_force", user},
		})
	}
	return out
}

func rulePrivilegeEscalation(w *DeviceWindow) []Candidate {
	var out []Candidate
	for _, c := range w.Commands {
		if !strings.HasPrefix(strings.TrimSpace(c.Command), "sudo ") {
			continue
		}
		if privilegedUsers[c.Username] {
			continue
		}
		out = append(out, Candidate{
			Rule:     "privilege_escalation",
			Severity: store.SeverityMedium,
			Details: store.Details{
				"user":    c.Username,
				"command": c.Command,
			},
			Stable: []string{"privilege_escalation", c.Username},
		})
	}
	return out
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/(?:\s|$)`),
	regexp.MustCompile(`dd\s+if=`),
	regexp.MustCompile(`nc\s+-l`),
	regexp.MustCompile(`\bmkfs`),
	regexp.MustCompile(`:\(\)\{`),
	regexp.MustCompile(`wget\s+\S+\s*\|\s*(?:ba)?sh`),
	regexp.MustCompile(`curl\s+\S+\s*\|\s*(?:ba)?sh`),
	regexp.MustCompile(`chmod\s+777\s+/`),
	regexp.MustCompile(`history\s+-c`),
}

func ruleSuspiciousCommand(w *DeviceWindow) []Candidate {
	var out []Candidate
	for _, c := range w.Commands {
		for _, re := range suspiciousPatterns {
			if re.MatchString(c.Command) {
				out = append(out, Candidate{
					Rule:     "suspicious_command",
					Severity: store.SeverityHigh,
					Details: store.Details{
						"command": c.Command,
						"user":    c.Username,
						"pattern": re.String(),
					},
					Stable: []string{"suspicious_command", re.String()},
				})
				break
			}
		}
	}
	return out
}

// rulePortScan uses the per-process connection counts from snapshots: one
// process holding an unusual number of sockets is the visible footprint of a
// scan from host-level telemetry.
func rulePortScan(w *DeviceWindow) []Candidate {
	var worst *store.ProcessRecord
	for i, p := range w.ProcessRecords {
		if float64(p.Connections) >= w.Thresholds.PortScanConnections {
			if worst == nil || p.Connections > worst.Connections {
				worst = &w.ProcessRecords[i]
			}
		}
	}
	if worst == nil {
		return nil
	}
	return []Candidate{{
		Rule:     "port_scan",
		Severity: store.SeverityMedium,
		Details: store.Details{
			"process":     worst.Name,
			"pid":         worst.PID,
			"connections": worst.Connections,
		},
		Stable: []string{"port_scan", worst.Name},
	}}
}

// ruleDataExfiltration inspects deltas of the cumulative bytes-sent counter
// between consecutive metric samples.
func ruleDataExfiltration(w *DeviceWindow) []Candidate {
	threshold := w.Thresholds.ExfilMBPerMin * 1024 * 1024
	for i := 1; i < len(w.Metrics); i++ {
		prev, cur := w.Metrics[i-1], w.Metrics[i]
		elapsed := cur.Timestamp.Sub(prev.Timestamp).Minutes()
		if elapsed <= 0 || cur.Network.BytesSent < prev.Network.BytesSent {
			continue // counter reset
		}
		rate := float64(cur.Network.BytesSent-prev.Network.BytesSent) / elapsed
		if rate > threshold {
			return []Candidate{{
				Rule:     "data_exfiltration",
				Severity: store.SeverityHigh,
				Details: store.Details{
					"mb_per_min": rate / 1024 / 1024,
					"threshold":  w.Thresholds.ExfilMBPerMin,
				},
				Stable: []string{"data_exfiltration"},
			}}
		}
	}
	return nil
}

func ruleMalwareIndicator(w *DeviceWindow) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	for _, p := range w.ProcessRecords {
		for _, indicator := range malwareIndicators {
			if strings.Contains(strings.ToLower(p.Name), indicator) ||
				strings.Contains(strings.ToLower(p.Exe), indicator) {
				if seen[indicator] {
					continue
				}
				seen[indicator] = true
				out = append(out, Candidate{
					Rule:     "malware_indicator",
					Severity: store.SeverityCritical,
					Details: store.Details{
						"process":   p.Name,
						"exe":       p.Exe,
						"pid":       p.PID,
						"indicator": indicator,
					},
					Stable: []string{"malware_indicator", indicator},
				})
			}
		}
	}
	return out
}

var logDeletionRe = regexp.MustCompile(`(?:rm\s+(?:-\w+\s+)*|>\s*|truncate\s+(?:-s\s*0\s+)?)/var/log/\S*`)

func ruleLogDeletion(w *DeviceWindow) []Candidate {
	var out []Candidate
	for _, c := range w.Commands {
		if logDeletionRe.MatchString(c.Command) {
			out = append(out, Candidate{
				Rule:     "log_deletion",
				Severity: store.SeverityHigh,
				Details: store.Details{
					"command": c.Command,
					"user":    c.Username,
				},
				Stable: []string{"log_deletion", c.Username},
			})
		}
	}
	return out
}

var cronTamperRe = regexp.MustCompile(`crontab\s|/etc/cron\.d/|/etc/crontab|/var/spool/cron`)

func ruleCronTamper(w *DeviceWindow) []Candidate {
	var out []Candidate
	for _, c := range w.Commands {
		if !cronTamperRe.MatchString(c.Command) {
			continue
		}
		// crontab -l is a read, not a tamper.
		if strings.Contains(c.Command, "crontab -l") {
			continue
		}
		out = append(out, Candidate{
			Rule:     "cron_tamper",
			Severity: store.SeverityMedium,
			Details: store.Details{
				"command": c.Command,
				"user":    c.Username,
			},
			Stable: []string{"cron_tamper", c.Username},
		})
	}
	return out
}

var serviceStopRe = regexp.MustCompile(`systemctl\s+(?:stop|disable|mask)\s+(\S+)|service\s+(\S+)\s+stop`)

func ruleServiceDisruption(w *DeviceWindow) []Candidate {
	var out []Candidate
	for _, c := range w.Commands {
		m := serviceStopRe.FindStringSubmatch(c.Command)
		if m == nil {
			continue
		}
		svc := m[1]
		if svc == "" {
			svc = m[2]
		}
		svc = strings.TrimSuffix(svc, ".service")
		if !protectedServices[svc] {
			continue
		}
		out = append(out, Candidate{
			Rule:     "service_disruption",
			Severity: store.SeverityHigh,
			Details: store.Details{
				"service": svc,
				"command": c.Command,
				"user":    c.Username,
			},
			Stable: []string{"service_disruption", svc},
		})
	}
	return out
}

// Fingerprint computes the dedup key for a candidate on a device:
// sha256(rule || device || stable detail fields).
func Fingerprint(rule, deviceID string, stable []string) string {
	return fingerprintHash(fmt.Sprintf("%s|%s|%s", rule, deviceID, strings.Join(stable, "|")))
}
